package odoh

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/miekg/dns"
)

// QueryContext binds a decrypted query to the secret that encrypts its single response.
// It must not be shared between goroutines.
type QueryContext struct {
	suite    Suite
	query    []byte // serialized ObliviousDoHMessagePlaintext
	secret   []byte
	padding  int
	consumed bool
}

// Decrypt opens an encrypted query addressed to key. It returns the inner DNS message and
// the context needed to encrypt the response.
//
// A query addressed to any other key identifier fails with ErrStaleKey; every other
// failure is ErrInvalidMessage.
func Decrypt(key *KeyMaterial, encryptedQuery []byte) ([]byte, *QueryContext, error) {
	if key == nil {
		return nil, nil, fmt.Errorf("%w: no key material", ErrInvalidMessage)
	}

	msg, err := ParseMessage(encryptedQuery)
	if err != nil {
		return nil, nil, err
	}
	if msg.Type != QueryType {
		return nil, nil, fmt.Errorf("%w: unexpected message type %d", ErrInvalidMessage, msg.Type)
	}

	if len(key.keyID) == 0 {
		return nil, nil, fmt.Errorf("%w: local key has no identifier", ErrInvalidMessage)
	}
	if subtle.ConstantTimeCompare(key.keyID, msg.KeyID) != 1 {
		return nil, nil, ErrStaleKey
	}

	encSize := key.suite.KEM.Scheme().CiphertextSize()
	if len(msg.EncryptedMessage) <= encSize {
		return nil, nil, fmt.Errorf("%w: encrypted query too short", ErrInvalidMessage)
	}
	enc := msg.EncryptedMessage[:encSize]
	ct := msg.EncryptedMessage[encSize:]

	receiver, err := key.suite.hpke().NewReceiver(key.privateKey, []byte(labelQuery))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	raw, err := opener.Open(ct, messageAAD(QueryType, msg.KeyID))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: query authentication failed", ErrInvalidMessage)
	}

	pt, err := parsePlaintext(raw)
	if err != nil {
		memguard.WipeBytes(raw)
		return nil, nil, err
	}

	qctx := &QueryContext{
		suite:  key.suite,
		query:  raw,
		secret: opener.Export([]byte(labelResponse), key.suite.AEAD.KeySize()),
	}
	// The context wipes its copy of the plaintext once the response is sent.
	return bytes.Clone(pt.dnsMessage), qctx, nil
}

// SetResponsePadding pads the response DNS message to a multiple of block bytes.
// Zero disables padding.
func (c *QueryContext) SetResponsePadding(block int) {
	c.padding = block
}

// EncryptResponse encrypts dnsResponse for the client that sent the query. The context is
// consumed whether or not encryption succeeds.
func (c *QueryContext) EncryptResponse(dnsResponse []byte) ([]byte, error) {
	if c == nil || c.consumed {
		return nil, fmt.Errorf("%w: query context already consumed", ErrInvalidMessage)
	}
	c.consumed = true
	defer c.wipe()

	if err := new(dns.Msg).Unpack(dnsResponse); err != nil {
		return nil, fmt.Errorf("%w: response is not a dns message: %v", ErrInvalidMessage, err)
	}

	body, err := plaintext{
		dnsMessage: dnsResponse,
		padding:    paddingFor(len(dnsResponse), c.padding),
	}.marshal()
	if err != nil {
		return nil, err
	}

	responseNonce := make([]byte, max(c.suite.AEAD.KeySize(), c.suite.AEAD.NonceSize()))
	if _, err := io.ReadFull(rand.Reader, responseNonce); err != nil {
		return nil, fmt.Errorf("%w: failed to draw response nonce: %v", ErrInvalidMessage, err)
	}

	key, nonce := c.suite.responseKeys(c.secret, c.query, responseNonce)
	defer memguard.WipeBytes(key)
	aead, err := c.suite.AEAD.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	ct := aead.Seal(nil, nonce, body, messageAAD(ResponseType, responseNonce))

	return Message{
		Type:             ResponseType,
		KeyID:            responseNonce,
		EncryptedMessage: ct,
	}.Marshal()
}

func (c *QueryContext) wipe() {
	memguard.WipeBytes(c.secret)
	memguard.WipeBytes(c.query)
}


package odoh

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
)

// ClientContext is the client half of one exchange: it opens the response to the query
// produced by EncryptQuery.
type ClientContext struct {
	suite  Suite
	query  []byte
	secret []byte
}

// EncryptQuery encrypts dnsQuery for the target advertising contents. padding pads the
// DNS message to a multiple of that many bytes; zero disables padding.
func EncryptQuery(contents ConfigContents, dnsQuery []byte, padding int) ([]byte, *ClientContext, error) {
	suite := contents.Suite()
	if err := suite.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfigSerialization, err)
	}
	publicKey, err := suite.KEM.Scheme().UnmarshalBinaryPublicKey(contents.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid public key: %v", ErrConfigSerialization, err)
	}
	keyID, err := contents.KeyID()
	if err != nil {
		return nil, nil, err
	}

	body, err := plaintext{
		dnsMessage: dnsQuery,
		padding:    paddingFor(len(dnsQuery), padding),
	}.marshal()
	if err != nil {
		return nil, nil, err
	}

	sender, err := suite.hpke().NewSender(publicKey, []byte(labelQuery))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	ct, err := sealer.Seal(body, messageAAD(QueryType, keyID))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	encrypted, err := Message{
		Type:             QueryType,
		KeyID:            keyID,
		EncryptedMessage: append(enc, ct...),
	}.Marshal()
	if err != nil {
		return nil, nil, err
	}

	return encrypted, &ClientContext{
		suite:  suite,
		query:  body,
		secret: sealer.Export([]byte(labelResponse), suite.AEAD.KeySize()),
	}, nil
}

// OpenResponse decrypts the target's answer and returns the DNS message inside it.
func (c *ClientContext) OpenResponse(encryptedResponse []byte) ([]byte, error) {
	msg, err := ParseMessage(encryptedResponse)
	if err != nil {
		return nil, err
	}
	if msg.Type != ResponseType {
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrInvalidMessage, msg.Type)
	}

	key, nonce := c.suite.responseKeys(c.secret, c.query, msg.KeyID)
	defer memguard.WipeBytes(key)
	aead, err := c.suite.AEAD.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	body, err := aead.Open(nil, nonce, msg.EncryptedMessage, messageAAD(ResponseType, msg.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: response authentication failed", ErrInvalidMessage)
	}

	pt, err := parsePlaintext(body)
	if err != nil {
		return nil, err
	}
	return pt.dnsMessage, nil
}

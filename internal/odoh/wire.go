// Package odoh implements the target side of Oblivious DNS over HTTPS (RFC 9230).
//
// HPKE primitives come from circl. This package owns the ODoH encodings, the key identifier
// derivation, the per-query state tying a decrypted query to its response, and the rotation
// of the target's key pair.
package odoh

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/cryptobyte"
)

// Wire constants.
const (
	// Version is the ObliviousDoHConfig version defined by RFC 9230.
	Version uint16 = 0x0001

	// MaxMessageSize bounds every length-prefixed field and HTTP body.
	MaxMessageSize = 65535

	labelKeyID    = "odoh key id"
	labelQuery    = "odoh query"
	labelResponse = "odoh response"
	labelKey      = "odoh key"
	labelNonce    = "odoh nonce"
)

// MessageType distinguishes encrypted queries from encrypted responses.
type MessageType uint8

const (
	QueryType    MessageType = 0x01
	ResponseType MessageType = 0x02
)

// ConfigContents is the public part of a target key advertised to clients.
type ConfigContents struct {
	KEM       hpke.KEM
	KDF       hpke.KDF
	AEAD      hpke.AEAD
	PublicKey []byte
}

// Suite returns the HPKE algorithms named by the contents.
func (c ConfigContents) Suite() Suite {
	return Suite{KEM: c.KEM, KDF: c.KDF, AEAD: c.AEAD}
}

// Marshal encodes the contents as an ObliviousDoHConfigContents structure.
func (c ConfigContents) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	c.marshal(&b)
	return b.Bytes()
}

func (c ConfigContents) marshal(b *cryptobyte.Builder) {
	if len(c.PublicKey) == 0 {
		b.SetError(fmt.Errorf("%w: empty public key", ErrConfigSerialization))
		return
	}
	b.AddUint16(uint16(c.KEM))
	b.AddUint16(uint16(c.KDF))
	b.AddUint16(uint16(c.AEAD))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.PublicKey)
	})
}

// KeyID derives the identifier clients put in encrypted queries:
// Expand(Extract("", contents), "odoh key id", Nh).
func (c ConfigContents) KeyID() ([]byte, error) {
	if !c.KDF.IsValid() {
		return nil, fmt.Errorf("%w: unsupported kdf 0x%04x", ErrConfigSerialization, uint16(c.KDF))
	}
	raw, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	prk := c.KDF.Extract(raw, nil)
	return c.KDF.Expand(prk, []byte(labelKeyID), uint(c.KDF.ExtractSize())), nil
}

func readConfigContents(s *cryptobyte.String) (ConfigContents, bool) {
	var (
		kemID, kdfID, aeadID uint16
		publicKey            cryptobyte.String
	)
	if !s.ReadUint16(&kemID) ||
		!s.ReadUint16(&kdfID) ||
		!s.ReadUint16(&aeadID) ||
		!s.ReadUint16LengthPrefixed(&publicKey) ||
		publicKey.Empty() {
		return ConfigContents{}, false
	}
	return ConfigContents{
		KEM:       hpke.KEM(kemID),
		KDF:       hpke.KDF(kdfID),
		AEAD:      hpke.AEAD(aeadID),
		PublicKey: bytes.Clone(publicKey),
	}, true
}

// Config is a single versioned ObliviousDoHConfig.
type Config struct {
	Version  uint16
	Contents ConfigContents
}

// Configs is the ObliviousDoHConfigs list served at the well-known configuration path.
type Configs struct {
	Configs []Config
}

// Marshal encodes the list. An empty list cannot be advertised.
func (cs Configs) Marshal() ([]byte, error) {
	if len(cs.Configs) == 0 {
		return nil, fmt.Errorf("%w: no configs", ErrConfigSerialization)
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, c := range cs.Configs {
			b.AddUint16(c.Version)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				c.Contents.marshal(b)
			})
		}
	})
	raw, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigSerialization, err)
	}
	return raw, nil
}

// ParseConfigs decodes an ObliviousDoHConfigs list. Configs with an unknown version are
// skipped, as clients are required to do.
func ParseConfigs(data []byte) (Configs, error) {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return Configs{}, fmt.Errorf("%w: malformed config list", ErrConfigSerialization)
	}

	var cs Configs
	for !list.Empty() {
		var (
			version uint16
			body    cryptobyte.String
		)
		if !list.ReadUint16(&version) || !list.ReadUint16LengthPrefixed(&body) {
			return Configs{}, fmt.Errorf("%w: truncated config", ErrConfigSerialization)
		}
		if version != Version {
			continue
		}
		contents, ok := readConfigContents(&body)
		if !ok || !body.Empty() {
			return Configs{}, fmt.Errorf("%w: malformed config contents", ErrConfigSerialization)
		}
		cs.Configs = append(cs.Configs, Config{Version: version, Contents: contents})
	}
	if len(cs.Configs) == 0 {
		return Configs{}, fmt.Errorf("%w: no supported configs", ErrConfigSerialization)
	}
	return cs, nil
}

// Message is an ObliviousDoHMessage. For responses KeyID carries the response nonce.
type Message struct {
	Type             MessageType
	KeyID            []byte
	EncryptedMessage []byte
}

// Marshal encodes the message.
func (m Message) Marshal() ([]byte, error) {
	if len(m.EncryptedMessage) == 0 {
		return nil, fmt.Errorf("%w: empty encrypted message", ErrInvalidMessage)
	}
	var b cryptobyte.Builder
	b.AddUint8(uint8(m.Type))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.KeyID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.EncryptedMessage)
	})
	raw, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return raw, nil
}

// ParseMessage decodes an ObliviousDoHMessage. Trailing bytes are rejected.
func ParseMessage(data []byte) (Message, error) {
	s := cryptobyte.String(data)
	var (
		msgType        uint8
		keyID, payload cryptobyte.String
	)
	if !s.ReadUint8(&msgType) ||
		!s.ReadUint16LengthPrefixed(&keyID) ||
		!s.ReadUint16LengthPrefixed(&payload) ||
		!s.Empty() {
		return Message{}, fmt.Errorf("%w: malformed message", ErrInvalidMessage)
	}
	if payload.Empty() {
		return Message{}, fmt.Errorf("%w: empty encrypted message", ErrInvalidMessage)
	}
	return Message{
		Type:             MessageType(msgType),
		KeyID:            bytes.Clone(keyID),
		EncryptedMessage: bytes.Clone(payload),
	}, nil
}

// plaintext is an ObliviousDoHMessagePlaintext: a DNS message followed by zero padding.
type plaintext struct {
	dnsMessage []byte
	padding    int
}

func (p plaintext) marshal() ([]byte, error) {
	if len(p.dnsMessage) == 0 {
		return nil, fmt.Errorf("%w: empty dns message", ErrInvalidMessage)
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.dnsMessage)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(make([]byte, p.padding))
	})
	raw, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return raw, nil
}

func parsePlaintext(data []byte) (plaintext, error) {
	s := cryptobyte.String(data)
	var msg, padding cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&msg) ||
		!s.ReadUint16LengthPrefixed(&padding) ||
		!s.Empty() ||
		msg.Empty() {
		return plaintext{}, fmt.Errorf("%w: malformed plaintext", ErrInvalidMessage)
	}
	for _, c := range padding {
		if c != 0 {
			return plaintext{}, fmt.Errorf("%w: non-zero padding", ErrInvalidMessage)
		}
	}
	return plaintext{dnsMessage: bytes.Clone(msg), padding: len(padding)}, nil
}

// paddingFor returns the padding needed to round n up to a multiple of block.
func paddingFor(n, block int) int {
	if block <= 0 {
		return 0
	}
	return (block - n%block) % block
}

// messageAAD is message_type || len(key_id) || key_id.
func messageAAD(t MessageType, keyID []byte) []byte {
	aad := make([]byte, 0, 3+len(keyID))
	aad = append(aad, byte(t))
	aad = binary.BigEndian.AppendUint16(aad, uint16(len(keyID)))
	return append(aad, keyID...)
}

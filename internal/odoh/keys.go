package odoh

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
)

// KeyMaterial is a target key pair together with the serialized configuration advertising
// its public half. It is immutable once generated.
type KeyMaterial struct {
	suite      Suite
	privateKey kem.PrivateKey
	contents   ConfigContents
	keyID      []byte
	configs    []byte
	createdAt  time.Time
}

// Generate creates fresh key material for the suite. Failure to produce an advertisable
// configuration is reported as ErrConfigSerialization.
func Generate(suite Suite) (*KeyMaterial, error) {
	if err := suite.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigSerialization, err)
	}

	publicKey, privateKey, err := suite.KEM.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate key pair: %v", ErrConfigSerialization, err)
	}

	return newKeyMaterial(suite, publicKey, privateKey)
}

func newKeyMaterial(suite Suite, publicKey kem.PublicKey, privateKey kem.PrivateKey) (*KeyMaterial, error) {
	publicKeyBytes, err := publicKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal public key: %v", ErrConfigSerialization, err)
	}

	contents := ConfigContents{
		KEM:       suite.KEM,
		KDF:       suite.KDF,
		AEAD:      suite.AEAD,
		PublicKey: publicKeyBytes,
	}
	keyID, err := contents.KeyID()
	if err != nil {
		return nil, err
	}

	configs, err := Configs{Configs: []Config{{Version: Version, Contents: contents}}}.Marshal()
	if err != nil {
		return nil, err
	}

	// The advertised blob must describe exactly this key pair.
	parsed, err := ParseConfigs(configs)
	if err != nil {
		return nil, err
	}
	advertisedID, err := parsed.Configs[0].Contents.KeyID()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(advertisedID, keyID) {
		return nil, fmt.Errorf("%w: advertised key id does not match key pair", ErrConfigSerialization)
	}

	return &KeyMaterial{
		suite:      suite,
		privateKey: privateKey,
		contents:   contents,
		keyID:      keyID,
		configs:    configs,
		createdAt:  time.Now(),
	}, nil
}

// Config returns the serialized ObliviousDoHConfigs to publish to clients.
func (k *KeyMaterial) Config() []byte {
	return bytes.Clone(k.configs)
}

// KeyID returns the identifier clients use to address this key.
func (k *KeyMaterial) KeyID() []byte {
	return bytes.Clone(k.keyID)
}

// Contents returns the advertised public configuration.
func (k *KeyMaterial) Contents() ConfigContents {
	c := k.contents
	c.PublicKey = bytes.Clone(c.PublicKey)
	return c
}

// Suite returns the HPKE suite of the key pair.
func (k *KeyMaterial) Suite() Suite {
	return k.suite
}

// CreatedAt returns when the key material was generated.
func (k *KeyMaterial) CreatedAt() time.Time {
	return k.createdAt
}

package odoh

import (
	"fmt"
	"strings"

	"github.com/cloudflare/circl/hpke"
)

// Suite names the HPKE algorithms a key pair is used with.
type Suite struct {
	KEM  hpke.KEM
	KDF  hpke.KDF
	AEAD hpke.AEAD
}

// DefaultSuite is the suite every ODoH client must support.
var DefaultSuite = Suite{
	KEM:  hpke.KEM_X25519_HKDF_SHA256,
	KDF:  hpke.KDF_HKDF_SHA256,
	AEAD: hpke.AEAD_AES128GCM,
}

var aeadNames = map[string]hpke.AEAD{
	"aes128gcm":        hpke.AEAD_AES128GCM,
	"aes256gcm":        hpke.AEAD_AES256GCM,
	"chacha20poly1305": hpke.AEAD_ChaCha20Poly1305,
}

// SuiteWithAEAD returns DefaultSuite with the AEAD replaced by the named one.
func SuiteWithAEAD(name string) (Suite, error) {
	aead, ok := aeadNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Suite{}, fmt.Errorf("unsupported aead %q", name)
	}
	s := DefaultSuite
	s.AEAD = aead
	return s, nil
}

func (s Suite) String() string {
	aead := fmt.Sprintf("0x%04x", uint16(s.AEAD))
	for name, id := range aeadNames {
		if id == s.AEAD {
			aead = name
		}
	}
	return fmt.Sprintf("kem=0x%04x kdf=0x%04x aead=%s", uint16(s.KEM), uint16(s.KDF), aead)
}

func (s Suite) validate() error {
	if !s.KEM.IsValid() {
		return fmt.Errorf("unsupported kem 0x%04x", uint16(s.KEM))
	}
	if !s.KDF.IsValid() {
		return fmt.Errorf("unsupported kdf 0x%04x", uint16(s.KDF))
	}
	if !s.AEAD.IsValid() {
		return fmt.Errorf("unsupported aead 0x%04x", uint16(s.AEAD))
	}
	return nil
}

func (s Suite) hpke() hpke.Suite {
	return hpke.NewSuite(s.KEM, s.KDF, s.AEAD)
}

// responseKeys derives the AEAD key and nonce protecting one response:
// prk = Extract(Q_plain || len(nonce) || nonce, secret).
func (s Suite) responseKeys(secret, query, responseNonce []byte) (key, nonce []byte) {
	salt := make([]byte, 0, len(query)+2+len(responseNonce))
	salt = append(salt, query...)
	salt = append(salt, byte(len(responseNonce)>>8), byte(len(responseNonce)))
	salt = append(salt, responseNonce...)

	prk := s.KDF.Extract(secret, salt)
	key = s.KDF.Expand(prk, []byte(labelKey), s.AEAD.KeySize())
	nonce = s.KDF.Expand(prk, []byte(labelNonce), s.AEAD.NonceSize())
	return key, nonce
}

package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// envelopeScheme is the discriminant distinguishing encrypted values from
// legacy plaintext rows. Bump only with a migration story for stored rows.
const envelopeScheme = "kryptograf.v1"

type envelope struct {
	Scheme string `json:"$enc"`
	Data   []byte `json:"data"`
}

// IsEncoded reports whether stored carries the encrypted-field envelope.
func IsEncoded(stored string) bool {
	if !strings.HasPrefix(stored, "{") {
		return false
	}
	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return false
	}
	return env.Scheme == envelopeScheme
}

// EncodeField encrypts plaintext and wraps it in the tagged envelope. Values
// that already carry the envelope are returned unchanged, so a retried encode
// never double-encrypts. With encryption disabled the plaintext passes through.
func (c *Crypto) EncodeField(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	if IsEncoded(plaintext) {
		return plaintext, nil
	}
	ciphertext, err := c.encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(envelope{Scheme: envelopeScheme, Data: ciphertext})
	if err != nil {
		return "", fmt.Errorf("crypto: marshal envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeField reverses EncodeField. Values without the envelope are treated as
// plaintext written before encryption was enabled and returned as-is.
func (c *Crypto) DecodeField(stored string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil || env.Scheme != envelopeScheme {
		return stored, nil
	}
	if !c.Enabled() {
		return "", fmt.Errorf("crypto: stored value is encrypted but encryption is disabled")
	}
	plaintext, err := c.decrypt(env.Data)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("crypto: decrypted value is not valid UTF-8")
	}
	return string(plaintext), nil
}

// Package crypto encrypts message fields before they cross the persistence
// boundary. Values are stored inside a tagged JSON envelope so that encoding is
// idempotent and rows written before encryption was enabled read back as
// plaintext.
package crypto

import (
	"bytes"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

const descriptorName = "message-fields"

var fieldContext = []byte("bookd:message-fields")

// Config drives creation of the field-encryption helper.
type Config struct {
	Enabled    bool
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
}

// Crypto encrypts and decrypts message payload fields. A nil *Crypto is valid
// and passes values through unchanged.
type Crypto struct {
	enabled  bool
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

// New initialises the helper according to cfg. When encryption is disabled the
// returned value is nil.
func New(cfg Config) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("crypto: root key required when encryption enabled")
	}
	if cfg.Descriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("crypto: descriptor required when encryption enabled")
	}
	context := cfg.Context
	if len(context) == 0 {
		context = fieldContext
	}
	kg := kryptograf.New(cfg.RootKey)
	mat, err := kg.ReconstructDEK(context, cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("crypto: reconstruct field DEK: %w", err)
	}
	return &Crypto{enabled: true, kg: kg, material: mat}, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil && c.enabled
}

func (c *Crypto) encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	writer, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, fmt.Errorf("crypto: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Crypto) decrypt(ciphertext []byte) ([]byte, error) {
	reader, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt read: %w", err)
	}
	return plaintext, nil
}

// EnsureKeyMaterial loads the PEM key bundle in existing, creating the root key
// and field descriptor when absent. It returns the ready Config together with
// the (possibly rewritten) bundle bytes the caller must persist.
func EnsureKeyMaterial(existing []byte) (Config, []byte, error) {
	var out []byte
	bundle, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return Config{}, nil, fmt.Errorf("crypto: load key bundle: %w", err)
	}
	root, err := bundle.EnsureRootKey()
	if err != nil {
		return Config{}, nil, fmt.Errorf("crypto: ensure root key: %w", err)
	}
	mat, err := bundle.EnsureDescriptor(descriptorName, root, fieldContext)
	if err != nil {
		return Config{}, nil, fmt.Errorf("crypto: ensure field descriptor: %w", err)
	}
	if err := bundle.Commit(); err != nil {
		return Config{}, nil, fmt.Errorf("crypto: commit key bundle: %w", err)
	}
	cfg := Config{
		Enabled:    true,
		RootKey:    root,
		Descriptor: mat.Descriptor,
		Context:    fieldContext,
	}
	return cfg, out, nil
}

// GenerateConfig mints a fresh root key and field DEK. Intended for tests and
// throwaway environments; production material comes from EnsureKeyMaterial.
func GenerateConfig() (Config, error) {
	root := kryptograf.MustGenerateRootKey()
	kg := kryptograf.New(root)
	mat, err := kg.MintDEK(fieldContext)
	if err != nil {
		return Config{}, fmt.Errorf("crypto: mint field DEK: %w", err)
	}
	return Config{
		Enabled:    true,
		RootKey:    root,
		Descriptor: mat.Descriptor,
		Context:    fieldContext,
	}, nil
}

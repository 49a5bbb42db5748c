package crypto

import (
	"strings"
	"testing"
)

func newTestCrypto(t *testing.T) *Crypto {
	t.Helper()
	cfg, err := GenerateConfig()
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newTestCrypto(t)
	cases := []string{
		"",
		"hi",
		"multi\nline\ncontent with unicode: héllo, 世界",
		strings.Repeat("x", 32*1024),
		`{"looks":"like json","but":"is plaintext"}`,
	}
	for _, plaintext := range cases {
		stored, err := c.EncodeField(plaintext)
		if err != nil {
			t.Fatalf("encode %q: %v", truncate(plaintext), err)
		}
		if !IsEncoded(stored) {
			t.Fatalf("encoded value for %q does not carry the envelope", truncate(plaintext))
		}
		got, err := c.DecodeField(stored)
		if err != nil {
			t.Fatalf("decode %q: %v", truncate(plaintext), err)
		}
		if got != plaintext {
			t.Fatalf("round-trip mismatch: got %q, want %q", truncate(got), truncate(plaintext))
		}
	}
}

func TestEncodeIdempotent(t *testing.T) {
	c := newTestCrypto(t)
	once, err := c.EncodeField("payload")
	if err != nil {
		t.Fatalf("first encode: %v", err)
	}
	twice, err := c.EncodeField(once)
	if err != nil {
		t.Fatalf("second encode: %v", err)
	}
	if twice != once {
		t.Fatalf("re-encoding an encoded value changed it")
	}
}

func TestDecodePlaintextFallback(t *testing.T) {
	c := newTestCrypto(t)
	for _, legacy := range []string{"plain text row", "", "{not even json", `{"role":"user"}`} {
		got, err := c.DecodeField(legacy)
		if err != nil {
			t.Fatalf("decode legacy %q: %v", legacy, err)
		}
		if got != legacy {
			t.Fatalf("legacy value mutated: got %q, want %q", got, legacy)
		}
	}
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	c := newTestCrypto(t)
	stored, err := c.EncodeField("sensitive")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Flip a byte inside the base64 payload.
	idx := strings.Index(stored, `"data":"`) + len(`"data":"`) + 4
	tampered := stored[:idx] + flip(stored[idx]) + stored[idx+1:]
	if _, err := c.DecodeField(tampered); err == nil {
		t.Fatalf("expected error decoding tampered ciphertext")
	}
}

func TestDisabledPassThrough(t *testing.T) {
	var c *Crypto
	stored, err := c.EncodeField("open")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if stored != "open" {
		t.Fatalf("disabled crypto altered value: %q", stored)
	}
	got, err := c.DecodeField("open")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "open" {
		t.Fatalf("disabled crypto altered read value: %q", got)
	}
}

func TestDecodeEncryptedWithoutKeysFails(t *testing.T) {
	c := newTestCrypto(t)
	stored, err := c.EncodeField("secret")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var disabled *Crypto
	if _, err := disabled.DecodeField(stored); err == nil {
		t.Fatalf("expected error decoding envelope without key material")
	}
}

func TestEnsureKeyMaterialRoundTrip(t *testing.T) {
	cfg, bundle, err := EnsureKeyMaterial(nil)
	if err != nil {
		t.Fatalf("bootstrap key material: %v", err)
	}
	if len(bundle) == 0 {
		t.Fatalf("expected non-empty bundle after bootstrap")
	}
	first, err := New(cfg)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	stored, err := first.EncodeField("carried across restarts")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// A second load of the same bundle must decode what the first wrote.
	cfg2, _, err := EnsureKeyMaterial(bundle)
	if err != nil {
		t.Fatalf("reload key material: %v", err)
	}
	second, err := New(cfg2)
	if err != nil {
		t.Fatalf("new crypto from reloaded bundle: %v", err)
	}
	got, err := second.DecodeField(stored)
	if err != nil {
		t.Fatalf("decode with reloaded material: %v", err)
	}
	if got != "carried across restarts" {
		t.Fatalf("reloaded material decoded %q", got)
	}
}

func truncate(s string) string {
	if len(s) > 48 {
		return s[:48] + "..."
	}
	return s
}

func flip(b byte) string {
	if b == 'A' {
		return "B"
	}
	return "A"
}

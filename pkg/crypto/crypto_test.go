package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestWrapKeyRFC3394(t *testing.T) {
	// RFC 3394 section 4.1
	kek, _ := hex.DecodeString("000102030405060708090A0B0C0D0E0F")
	key, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF")
	want, _ := hex.DecodeString("1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5")

	wrapped, err := WrapKey(kek, key)
	if err != nil {
		t.Fatalf("WrapKey error: %v", err)
	}
	if !bytes.Equal(wrapped, want) {
		t.Errorf("wrapped = %X, want %X", wrapped, want)
	}

	got, err := UnwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey error: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("unwrapped = %X, want %X", got, key)
	}
}

func TestUnwrapKeyWrongKEK(t *testing.T) {
	kek := bytes.Repeat([]byte{0x01}, 16)
	other := bytes.Repeat([]byte{0x02}, 16)
	key := bytes.Repeat([]byte{0xaa}, 16)

	wrapped, err := WrapKey(kek, key)
	if err != nil {
		t.Fatalf("WrapKey error: %v", err)
	}

	if _, err := UnwrapKey(other, wrapped); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
	if _, err := UnwrapKey(kek, wrapped[:16]); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for truncated input, got %v", err)
	}
}

func TestDeriveKEK(t *testing.T) {
	a, err := DeriveKEK("secret", "kek-a", 16)
	if err != nil {
		t.Fatalf("DeriveKEK error: %v", err)
	}
	if len(a) != 16 {
		t.Fatalf("len = %d, want 16", len(a))
	}

	again, _ := DeriveKEK("secret", "kek-a", 16)
	if !bytes.Equal(a, again) {
		t.Error("derivation is not deterministic")
	}

	b, _ := DeriveKEK("secret", "kek-b", 16)
	if bytes.Equal(a, b) {
		t.Error("different labels derived the same key")
	}

	if _, err := DeriveKEK("secret", "kek-a", 20); err == nil {
		t.Error("expected error for invalid length")
	}
}

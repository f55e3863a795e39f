package keyenvelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/pkg/crypto"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var testKey = lorawan.AES128Key{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

func testResolver() StaticResolver {
	return StaticResolver{
		"kek-a": bytes.Repeat([]byte{0x01}, 16),
		"kek-b": bytes.Repeat([]byte{0x02}, 16),
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	codec := NewCodec(testResolver())

	env, err := codec.WrapAES128("kek-a", testKey)
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}
	if !env.IsWrapped() {
		t.Fatal("envelope is not wrapped")
	}
	if bytes.Equal(env.AESKey, testKey[:]) {
		t.Fatal("wrapped key equals plaintext")
	}

	got, err := codec.UnwrapAES128(env)
	if err != nil {
		t.Fatalf("Unwrap error: %v", err)
	}
	if got != testKey {
		t.Errorf("key = %s, want %s", got, testKey)
	}
}

func TestUnwrapWrongKEK(t *testing.T) {
	r := testResolver()
	env, err := Wrap("kek-a", testKey[:], r["kek-a"])
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}

	// same label, different key material
	env2 := env
	wrong := StaticResolver{"kek-a": r["kek-b"]}
	_, err = Unwrap(env2, wrong)
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
	if !errors.Is(err, errs.ErrSecurity) {
		t.Errorf("expected security kind, got %v", err)
	}
}

func TestUnwrapUnknownKEK(t *testing.T) {
	env := Envelope{KEKLabel: "missing", AESKey: make([]byte, 24)}
	if _, err := Unwrap(env, testResolver()); !errors.Is(err, ErrUnknownKEK) {
		t.Errorf("expected ErrUnknownKEK, got %v", err)
	}
	if _, err := NewCodec(testResolver()).WrapAES128("missing", testKey); !errors.Is(err, ErrUnknownKEK) {
		t.Errorf("expected ErrUnknownKEK on wrap, got %v", err)
	}
}

func TestClearEnvelope(t *testing.T) {
	codec := NewCodec(testResolver())

	env, err := codec.WrapAES128("", testKey)
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}
	if env.IsWrapped() {
		t.Error("clear envelope reports wrapped")
	}
	if !bytes.Equal(env.AESKey, testKey[:]) {
		t.Errorf("clear key = %x", env.AESKey)
	}

	got, err := Unwrap(env, nil)
	if err != nil {
		t.Fatalf("Unwrap error: %v", err)
	}
	if !bytes.Equal(got, testKey[:]) {
		t.Errorf("key = %x", got)
	}
}

func TestWrap256BitKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a, 0xa5}, 16)
	codec := NewCodec(testResolver())

	env, err := codec.Wrap("kek-a", key)
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}
	if len(env.AESKey) != 40 {
		t.Errorf("wrapped length = %d, want 40", len(env.AESKey))
	}

	got, err := codec.Unwrap(env)
	if err != nil {
		t.Fatalf("Unwrap error: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("key = %x, want %x", got, key)
	}

	// the session helper only accepts 16 byte keys
	if _, err := codec.UnwrapAES128(env); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClear256BitEnvelope(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	env, err := Wrap("", key, nil)
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}
	got, err := Unwrap(env, nil)
	if err != nil {
		t.Fatalf("Unwrap error: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("key = %x", got)
	}
}

func TestInvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 8, 15, 24, 33} {
		key := make([]byte, n)
		if _, err := Wrap("kek-a", key, testResolver()["kek-a"]); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("wrap %d bytes: expected validation error, got %v", n, err)
		}
		if _, err := Unwrap(Envelope{AESKey: key}, nil); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("clear %d bytes: expected validation error, got %v", n, err)
		}
	}

	// a 24 byte key wrapped outside the codec is refused on the way back
	r := testResolver()
	wrapped, err := crypto.WrapKey(r["kek-a"], make([]byte, 24))
	if err != nil {
		t.Fatalf("WrapKey error: %v", err)
	}
	if _, err := Unwrap(Envelope{KEKLabel: "kek-a", AESKey: wrapped}, r); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestEnvelopeProto(t *testing.T) {
	env, err := NewCodec(testResolver()).WrapAES128("kek-b", testKey)
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}
	back := FromProto(env.ToProto())
	if back.KEKLabel != env.KEKLabel || !bytes.Equal(back.AESKey, env.AESKey) {
		t.Errorf("proto round trip = %+v, want %+v", back, env)
	}
	if empty := FromProto(nil); empty.IsWrapped() || len(empty.AESKey) != 0 {
		t.Errorf("nil proto = %+v", empty)
	}
}

func TestNewStaticResolver(t *testing.T) {
	r, err := NewStaticResolver([]config.KEKConfig{
		{Label: "hex", KEK: "000102030405060708090a0b0c0d0e0f"},
		{Label: "phrase", Passphrase: "correct horse"},
	})
	if err != nil {
		t.Fatalf("NewStaticResolver error: %v", err)
	}
	if kek, ok := r.KEK("hex"); !ok || len(kek) != 16 {
		t.Errorf("hex kek = %x %v", kek, ok)
	}
	if kek, ok := r.KEK("phrase"); !ok || len(kek) != 16 {
		t.Errorf("derived kek = %x %v", kek, ok)
	}

	bad := [][]config.KEKConfig{
		{{Label: "", KEK: "00"}},
		{{Label: "a", KEK: "0011"}},
		{{Label: "a"}},
		{{Label: "a", KEK: "000102030405060708090a0b0c0d0e0f", Passphrase: "x"}},
		{{Label: "a", Passphrase: "x"}, {Label: "a", Passphrase: "y"}},
	}
	for i, keks := range bad {
		if _, err := NewStaticResolver(keks); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

// Package keyenvelope wraps session keys under a named key-encryption key
// before they leave the network server.
package keyenvelope

import (
	"errors"
	"fmt"

	"github.com/chirpstack/chirpstack/api/go/v4/common"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/pkg/crypto"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	ErrUnknownKEK    = errs.New(errs.ErrSecurity, "unknown kek label")
	ErrDecryptFailed = errs.New(errs.ErrSecurity, "key decrypt failed")
)

// Envelope carries a key, either wrapped under the KEK named by KEKLabel or
// in the clear when KEKLabel is empty.
type Envelope struct {
	KEKLabel string `json:"kekLabel"`
	AESKey   []byte `json:"aesKey"`
}

// IsWrapped reports whether AESKey is ciphertext.
func (e Envelope) IsWrapped() bool {
	return e.KEKLabel != ""
}

// KEKResolver looks up key-encryption keys by label.
type KEKResolver interface {
	KEK(label string) ([]byte, bool)
}

// validKeyLen reports whether n is a key length an envelope may carry.
func validKeyLen(n int) bool {
	return n == 16 || n == 32
}

// Wrap wraps a 16 or 32 byte key under kek. An empty label yields a clear
// envelope and kek is ignored.
func Wrap(label string, key, kek []byte) (Envelope, error) {
	if !validKeyLen(len(key)) {
		return Envelope{}, fmt.Errorf("%w: key has %d bytes", errs.ErrValidation, len(key))
	}

	if label == "" {
		log.Warn().Bool("wrapped", false).Msg("session key leaves the network server in the clear")
		return Envelope{AESKey: append([]byte(nil), key...)}, nil
	}

	wrapped, err := crypto.WrapKey(kek, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap key with kek %q: %w", label, err)
	}

	log.Debug().Str("kekLabel", label).Bool("wrapped", true).Msg("session key wrapped")
	return Envelope{KEKLabel: label, AESKey: wrapped}, nil
}

// Unwrap returns the key inside env, resolving its KEK by label.
func Unwrap(env Envelope, resolver KEKResolver) ([]byte, error) {
	if !env.IsWrapped() {
		if !validKeyLen(len(env.AESKey)) {
			return nil, fmt.Errorf("%w: clear key has %d bytes", errs.ErrValidation, len(env.AESKey))
		}
		log.Warn().Bool("wrapped", false).Msg("received session key in the clear")
		return append([]byte(nil), env.AESKey...), nil
	}

	if resolver == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKEK, env.KEKLabel)
	}
	kek, ok := resolver.KEK(env.KEKLabel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKEK, env.KEKLabel)
	}

	key, err := crypto.UnwrapKey(kek, env.AESKey)
	if err != nil {
		if errors.Is(err, crypto.ErrIntegrity) {
			return nil, fmt.Errorf("%w: kek %q: %v", ErrDecryptFailed, env.KEKLabel, err)
		}
		return nil, fmt.Errorf("unwrap key with kek %q: %w", env.KEKLabel, err)
	}
	if !validKeyLen(len(key)) {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", ErrDecryptFailed, len(key))
	}
	return key, nil
}

// Codec wraps and unwraps keys with the KEKs known to its resolver.
type Codec struct {
	resolver KEKResolver
}

// NewCodec returns a codec backed by resolver.
func NewCodec(resolver KEKResolver) *Codec {
	return &Codec{resolver: resolver}
}

// Wrap wraps key under the KEK named label. An empty label gives a clear
// envelope; any other unknown label is an error.
func (c *Codec) Wrap(label string, key []byte) (Envelope, error) {
	if label == "" {
		return Wrap("", key, nil)
	}
	kek, ok := c.resolver.KEK(label)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKEK, label)
	}
	return Wrap(label, key, kek)
}

// Unwrap returns the key inside env.
func (c *Codec) Unwrap(env Envelope) ([]byte, error) {
	return Unwrap(env, c.resolver)
}

// WrapAES128 wraps a session key.
func (c *Codec) WrapAES128(label string, key lorawan.AES128Key) (Envelope, error) {
	return c.Wrap(label, key[:])
}

// UnwrapAES128 returns the session key inside env. Envelopes holding a
// 32 byte key are rejected.
func (c *Codec) UnwrapAES128(env Envelope) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	b, err := c.Unwrap(env)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("%w: expected a 16 byte key, got %d bytes", errs.ErrValidation, len(b))
	}
	copy(key[:], b)
	return key, nil
}

// ToProto converts env to the API protobuf message.
func (e Envelope) ToProto() *common.KeyEnvelope {
	return &common.KeyEnvelope{
		KekLabel: e.KEKLabel,
		AesKey:   append([]byte(nil), e.AESKey...),
	}
}

// FromProto converts the API protobuf message. A nil message gives an empty
// clear envelope.
func FromProto(pb *common.KeyEnvelope) Envelope {
	return Envelope{
		KEKLabel: pb.GetKekLabel(),
		AESKey:   append([]byte(nil), pb.GetAesKey()...),
	}
}

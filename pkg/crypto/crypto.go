package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"golang.org/x/crypto/scrypt"
)

// ErrIntegrity is returned when an unwrapped key fails the RFC 3394
// integrity check, i.e. the wrong KEK was used or the data was altered.
var ErrIntegrity = errors.New("key unwrap integrity check failed")

// scrypt parameters for deriving a KEK from a passphrase
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key-encryption key of keyLen bytes from a passphrase.
// The salt binds the key to its label so two labels sharing a passphrase
// still get different KEKs.
func DeriveKEK(passphrase, salt string, keyLen int) ([]byte, error) {
	if err := checkAESKeyLen(keyLen); err != nil {
		return nil, err
	}
	kek, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	return kek, nil
}

// WrapKey wraps key with kek using AES key wrap (RFC 3394).
func WrapKey(kek, key []byte) ([]byte, error) {
	if len(key) < 16 || len(key)%8 != 0 {
		return nil, fmt.Errorf("invalid key length: %d", len(key))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("new kek cipher: %w", err)
	}
	wrapped, err := keywrap.Wrap(block, key)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey reverses WrapKey. A wrong KEK yields ErrIntegrity.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, fmt.Errorf("%w: invalid wrapped length %d", ErrIntegrity, len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("new kek cipher: %w", err)
	}
	key, err := keywrap.Unwrap(block, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return key, nil
}

func checkAESKeyLen(n int) error {
	switch n {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("invalid kek length: %d", n)
	}
}

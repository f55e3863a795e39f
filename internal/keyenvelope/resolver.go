package keyenvelope

import (
	"encoding/hex"
	"fmt"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/pkg/crypto"
)

// StaticResolver holds a fixed set of KEKs.
type StaticResolver map[string][]byte

func (r StaticResolver) KEK(label string) ([]byte, bool) {
	kek, ok := r[label]
	return kek, ok
}

// NewStaticResolver builds a resolver from the configured KEKs. A KEK is
// given either as hex or as a passphrase from which a 128-bit key is derived.
func NewStaticResolver(keks []config.KEKConfig) (StaticResolver, error) {
	r := make(StaticResolver, len(keks))
	for _, k := range keks {
		if k.Label == "" {
			return nil, fmt.Errorf("kek without label")
		}
		if _, dup := r[k.Label]; dup {
			return nil, fmt.Errorf("duplicate kek label %q", k.Label)
		}

		switch {
		case k.KEK != "" && k.Passphrase != "":
			return nil, fmt.Errorf("kek %q: set either kek or passphrase", k.Label)
		case k.KEK != "":
			b, err := hex.DecodeString(k.KEK)
			if err != nil {
				return nil, fmt.Errorf("kek %q: %w", k.Label, err)
			}
			if l := len(b); l != 16 && l != 24 && l != 32 {
				return nil, fmt.Errorf("kek %q: invalid length %d", k.Label, l)
			}
			r[k.Label] = b
		case k.Passphrase != "":
			b, err := crypto.DeriveKEK(k.Passphrase, k.Label, 16)
			if err != nil {
				return nil, fmt.Errorf("kek %q: %w", k.Label, err)
			}
			r[k.Label] = b
		default:
			return nil, fmt.Errorf("kek %q: no key material", k.Label)
		}
	}
	return r, nil
}

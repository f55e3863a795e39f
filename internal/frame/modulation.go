// Package frame holds the gateway-facing frame metadata: modulation, timing,
// reception and transmission parameters, in their legacy and current
// representations.
package frame

import (
	"encoding/json"
	"fmt"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
)

var (
	// ErrInvalidVariant is returned when a sum type is built from zero or
	// more than one variant, or from a variant with invalid parameters.
	ErrInvalidVariant = errs.New(errs.ErrValidation, "invalid variant")

	// ErrUnsupportedDowngrade is returned when a current message cannot be
	// expressed in its legacy representation.
	ErrUnsupportedDowngrade = errs.New(errs.ErrUnsupported, "unsupported downgrade")
)

// CodeRate is a forward error correction rate such as "4/5".
type CodeRate string

const (
	CodeRate4_5 CodeRate = "4/5"
	CodeRate4_6 CodeRate = "4/6"
	CodeRate4_7 CodeRate = "4/7"
	CodeRate4_8 CodeRate = "4/8"
	CodeRate1_3 CodeRate = "1/3"
	CodeRate2_3 CodeRate = "2/3"
)

// ModulationKind names a Modulation variant.
type ModulationKind string

const (
	ModulationLoRa   ModulationKind = "LORA"
	ModulationFSK    ModulationKind = "FSK"
	ModulationLRFHSS ModulationKind = "LR_FHSS"
)

// Modulation is exactly one of LoRaModulation, FSKModulation or
// LRFHSSModulation.
type Modulation interface {
	Kind() ModulationKind
	validate() error
}

// LoRaModulation holds chirp spread spectrum parameters.
type LoRaModulation struct {
	Bandwidth             uint32   `json:"bandwidth"`
	SpreadingFactor       uint32   `json:"spreadingFactor"`
	CodeRate              CodeRate `json:"codeRate"`
	PolarizationInversion bool     `json:"polarizationInversion"`
}

func (LoRaModulation) Kind() ModulationKind { return ModulationLoRa }

func (m LoRaModulation) validate() error {
	if m.SpreadingFactor < 5 || m.SpreadingFactor > 12 {
		return fmt.Errorf("%w: lora spreading factor %d", ErrInvalidVariant, m.SpreadingFactor)
	}
	if m.Bandwidth == 0 {
		return fmt.Errorf("%w: lora bandwidth must be set", ErrInvalidVariant)
	}
	switch m.CodeRate {
	case CodeRate4_5, CodeRate4_6, CodeRate4_7, CodeRate4_8:
	default:
		return fmt.Errorf("%w: lora code rate %q", ErrInvalidVariant, m.CodeRate)
	}
	return nil
}

// FSKModulation holds frequency shift keying parameters.
type FSKModulation struct {
	FrequencyDeviation uint32 `json:"frequencyDeviation"`
	Datarate           uint32 `json:"datarate"`
}

func (FSKModulation) Kind() ModulationKind { return ModulationFSK }

func (m FSKModulation) validate() error {
	if m.Datarate == 0 {
		return fmt.Errorf("%w: fsk datarate must be set", ErrInvalidVariant)
	}
	return nil
}

// LRFHSSModulation holds long range frequency hopping parameters.
type LRFHSSModulation struct {
	OperatingChannelWidth uint32   `json:"operatingChannelWidth"`
	CodeRate              CodeRate `json:"codeRate"`
	GridSteps             uint32   `json:"gridSteps"`
}

func (LRFHSSModulation) Kind() ModulationKind { return ModulationLRFHSS }

func (m LRFHSSModulation) validate() error {
	if m.OperatingChannelWidth == 0 {
		return fmt.Errorf("%w: lr-fhss operating channel width must be set", ErrInvalidVariant)
	}
	switch m.CodeRate {
	case CodeRate1_3, CodeRate2_3:
	default:
		return fmt.Errorf("%w: lr-fhss code rate %q", ErrInvalidVariant, m.CodeRate)
	}
	return nil
}

// ModulationParts is the open representation of a Modulation, as found on
// the wire. Exactly one field must be set.
type ModulationParts struct {
	LoRa   *LoRaModulation   `json:"lora,omitempty"`
	FSK    *FSKModulation    `json:"fsk,omitempty"`
	LRFHSS *LRFHSSModulation `json:"lrFhss,omitempty"`
}

// Modulation validates the parts and returns the single variant.
func (p ModulationParts) Modulation() (Modulation, error) {
	var set []Modulation
	if p.LoRa != nil {
		set = append(set, *p.LoRa)
	}
	if p.FSK != nil {
		set = append(set, *p.FSK)
	}
	if p.LRFHSS != nil {
		set = append(set, *p.LRFHSS)
	}

	if len(set) != 1 {
		return nil, fmt.Errorf("%w: modulation has %d variants set", ErrInvalidVariant, len(set))
	}
	if err := set[0].validate(); err != nil {
		return nil, err
	}
	return set[0], nil
}

// NewModulation validates a single variant. Only the value types are
// variants; a pointer to one is rejected.
func NewModulation(m Modulation) (Modulation, error) {
	switch m.(type) {
	case LoRaModulation, FSKModulation, LRFHSSModulation:
	case nil:
		return nil, fmt.Errorf("%w: modulation is not set", ErrInvalidVariant)
	default:
		return nil, fmt.Errorf("%w: modulation %T", ErrInvalidVariant, m)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ModulationToParts returns the open representation of m.
func ModulationToParts(m Modulation) ModulationParts {
	switch v := m.(type) {
	case LoRaModulation:
		return ModulationParts{LoRa: &v}
	case FSKModulation:
		return ModulationParts{FSK: &v}
	case LRFHSSModulation:
		return ModulationParts{LRFHSS: &v}
	}
	return ModulationParts{}
}

// MarshalModulation encodes m as a single-key JSON object.
func MarshalModulation(m Modulation) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	if _, err := NewModulation(m); err != nil {
		return nil, err
	}
	return json.Marshal(ModulationToParts(m))
}

// UnmarshalModulation decodes the output of MarshalModulation. A JSON null
// gives a nil Modulation.
func UnmarshalModulation(b []byte) (Modulation, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var p ModulationParts
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode modulation: %w", err)
	}
	return p.Modulation()
}

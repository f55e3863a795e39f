package frame

import (
	"encoding/json"
	"fmt"
)

// UplinkTxInfo describes how an uplink was transmitted.
type UplinkTxInfo struct {
	Frequency  uint32     `json:"frequency"`
	Modulation Modulation `json:"-"`
}

// Validate checks that the modulation holds a valid variant.
func (t UplinkTxInfo) Validate() error {
	_, err := NewModulation(t.Modulation)
	return err
}

type uplinkTxInfoJSON struct {
	Frequency  uint32          `json:"frequency"`
	Modulation json.RawMessage `json:"modulation"`
}

func (t UplinkTxInfo) MarshalJSON() ([]byte, error) {
	mod, err := MarshalModulation(t.Modulation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(uplinkTxInfoJSON{Frequency: t.Frequency, Modulation: mod})
}

func (t *UplinkTxInfo) UnmarshalJSON(b []byte) error {
	var in uplinkTxInfoJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	mod, err := UnmarshalModulation(in.Modulation)
	if err != nil {
		return err
	}
	out := UplinkTxInfo{Frequency: in.Frequency, Modulation: mod}
	if err := out.Validate(); err != nil {
		return err
	}
	*t = out
	return nil
}

// UplinkTxInfoLegacy is the previous representation of UplinkTxInfo. It
// only knows LoRa and FSK modulation.
type UplinkTxInfoLegacy struct {
	Frequency          uint32          `json:"frequency"`
	Modulation         ModulationKind  `json:"modulation"`
	LoRaModulationInfo *LoRaModulation `json:"loraModulationInfo,omitempty"`
	FSKModulationInfo  *FSKModulation  `json:"fskModulationInfo,omitempty"`
}

// UpgradeUplinkTxInfo converts the legacy representation.
func UpgradeUplinkTxInfo(l UplinkTxInfoLegacy) (UplinkTxInfo, error) {
	mod, err := upgradeModulation(l.Modulation, l.LoRaModulationInfo, l.FSKModulationInfo)
	if err != nil {
		return UplinkTxInfo{}, err
	}
	return UplinkTxInfo{Frequency: l.Frequency, Modulation: mod}, nil
}

// DowngradeUplinkTxInfo converts to the legacy representation. LR-FHSS
// modulation has no legacy form.
func DowngradeUplinkTxInfo(t UplinkTxInfo) (UplinkTxInfoLegacy, error) {
	kind, lora, fsk, err := downgradeModulation(t.Modulation)
	if err != nil {
		return UplinkTxInfoLegacy{}, err
	}
	return UplinkTxInfoLegacy{
		Frequency:          t.Frequency,
		Modulation:         kind,
		LoRaModulationInfo: lora,
		FSKModulationInfo:  fsk,
	}, nil
}

// DownlinkTxInfo tells a gateway how and when to transmit a downlink.
type DownlinkTxInfo struct {
	Frequency  uint32     `json:"frequency"`
	Power      int32      `json:"power"`
	Modulation Modulation `json:"-"`
	Board      uint32     `json:"board"`
	Antenna    uint32     `json:"antenna"`
	Timing     Timing     `json:"-"`
	Context    []byte     `json:"context,omitempty"`
}

// Validate checks that both sum types hold a valid variant.
func (t DownlinkTxInfo) Validate() error {
	if _, err := NewModulation(t.Modulation); err != nil {
		return err
	}
	_, err := NewTiming(t.Timing)
	return err
}

type downlinkTxInfoJSON struct {
	Frequency  uint32          `json:"frequency"`
	Power      int32           `json:"power"`
	Modulation json.RawMessage `json:"modulation"`
	Board      uint32          `json:"board"`
	Antenna    uint32          `json:"antenna"`
	Timing     json.RawMessage `json:"timing"`
	Context    []byte          `json:"context,omitempty"`
}

func (t DownlinkTxInfo) MarshalJSON() ([]byte, error) {
	mod, err := MarshalModulation(t.Modulation)
	if err != nil {
		return nil, err
	}
	timing, err := MarshalTiming(t.Timing)
	if err != nil {
		return nil, err
	}
	return json.Marshal(downlinkTxInfoJSON{
		Frequency:  t.Frequency,
		Power:      t.Power,
		Modulation: mod,
		Board:      t.Board,
		Antenna:    t.Antenna,
		Timing:     timing,
		Context:    t.Context,
	})
}

func (t *DownlinkTxInfo) UnmarshalJSON(b []byte) error {
	var in downlinkTxInfoJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	mod, err := UnmarshalModulation(in.Modulation)
	if err != nil {
		return err
	}
	timing, err := UnmarshalTiming(in.Timing)
	if err != nil {
		return err
	}
	out := DownlinkTxInfo{
		Frequency:  in.Frequency,
		Power:      in.Power,
		Modulation: mod,
		Board:      in.Board,
		Antenna:    in.Antenna,
		Timing:     timing,
		Context:    in.Context,
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*t = out
	return nil
}

// DownlinkTxInfoLegacy is the previous representation of DownlinkTxInfo.
// Its timing can only be immediate or delayed.
type DownlinkTxInfoLegacy struct {
	Frequency          uint32          `json:"frequency"`
	Power              int32           `json:"power"`
	Modulation         ModulationKind  `json:"modulation"`
	LoRaModulationInfo *LoRaModulation `json:"loraModulationInfo,omitempty"`
	FSKModulationInfo  *FSKModulation  `json:"fskModulationInfo,omitempty"`
	Board              uint32          `json:"board"`
	Antenna            uint32          `json:"antenna"`
	Timing             TimingKind      `json:"timing"`
	DelayTimingInfo    *DelayTiming    `json:"delayTimingInfo,omitempty"`
	Context            []byte          `json:"context,omitempty"`
}

// UpgradeDownlinkTxInfo converts the legacy representation.
func UpgradeDownlinkTxInfo(l DownlinkTxInfoLegacy) (DownlinkTxInfo, error) {
	mod, err := upgradeModulation(l.Modulation, l.LoRaModulationInfo, l.FSKModulationInfo)
	if err != nil {
		return DownlinkTxInfo{}, err
	}

	var timing Timing
	switch l.Timing {
	case TimingImmediately:
		if l.DelayTimingInfo != nil {
			return DownlinkTxInfo{}, fmt.Errorf("%w: delay info on immediate timing", ErrInvalidVariant)
		}
		timing = Immediately()
	case TimingDelay:
		if l.DelayTimingInfo == nil {
			return DownlinkTxInfo{}, fmt.Errorf("%w: delay timing without delay info", ErrInvalidVariant)
		}
		timing = *l.DelayTimingInfo
		if err := timing.validate(); err != nil {
			return DownlinkTxInfo{}, err
		}
	default:
		return DownlinkTxInfo{}, fmt.Errorf("%w: legacy timing %q", ErrInvalidVariant, l.Timing)
	}

	return DownlinkTxInfo{
		Frequency:  l.Frequency,
		Power:      l.Power,
		Modulation: mod,
		Board:      l.Board,
		Antenna:    l.Antenna,
		Timing:     timing,
		Context:    cloneBytes(l.Context),
	}, nil
}

// DowngradeDownlinkTxInfo converts to the legacy representation. LR-FHSS
// modulation and GPS epoch timing have no legacy form.
func DowngradeDownlinkTxInfo(t DownlinkTxInfo) (DownlinkTxInfoLegacy, error) {
	kind, lora, fsk, err := downgradeModulation(t.Modulation)
	if err != nil {
		return DownlinkTxInfoLegacy{}, err
	}

	out := DownlinkTxInfoLegacy{
		Frequency:          t.Frequency,
		Power:              t.Power,
		Modulation:         kind,
		LoRaModulationInfo: lora,
		FSKModulationInfo:  fsk,
		Board:              t.Board,
		Antenna:            t.Antenna,
		Context:            cloneBytes(t.Context),
	}

	switch v := t.Timing.(type) {
	case ImmediatelyTiming:
		out.Timing = TimingImmediately
	case DelayTiming:
		out.Timing = TimingDelay
		out.DelayTimingInfo = &v
	case GPSEpochTiming:
		return DownlinkTxInfoLegacy{}, fmt.Errorf("%w: gps epoch timing", ErrUnsupportedDowngrade)
	default:
		return DownlinkTxInfoLegacy{}, fmt.Errorf("%w: timing %T", ErrInvalidVariant, t.Timing)
	}

	return out, nil
}

func upgradeModulation(kind ModulationKind, lora *LoRaModulation, fsk *FSKModulation) (Modulation, error) {
	switch kind {
	case ModulationLoRa:
		if fsk != nil {
			return nil, fmt.Errorf("%w: fsk info on lora modulation", ErrInvalidVariant)
		}
		return ModulationParts{LoRa: lora}.Modulation()
	case ModulationFSK:
		if lora != nil {
			return nil, fmt.Errorf("%w: lora info on fsk modulation", ErrInvalidVariant)
		}
		return ModulationParts{FSK: fsk}.Modulation()
	default:
		return nil, fmt.Errorf("%w: legacy modulation %q", ErrInvalidVariant, kind)
	}
}

func downgradeModulation(m Modulation) (ModulationKind, *LoRaModulation, *FSKModulation, error) {
	switch v := m.(type) {
	case LoRaModulation:
		return ModulationLoRa, &v, nil, nil
	case FSKModulation:
		return ModulationFSK, nil, &v, nil
	case LRFHSSModulation:
		return "", nil, nil, fmt.Errorf("%w: lr-fhss modulation", ErrUnsupportedDowngrade)
	default:
		return "", nil, nil, fmt.Errorf("%w: modulation %T", ErrInvalidVariant, m)
	}
}

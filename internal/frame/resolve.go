package frame

import (
	"fmt"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
)

// ErrMissingField is returned when neither the legacy nor the current
// representation of a field is present.
var ErrMissingField = errs.New(errs.ErrValidation, "missing field")

// Resolve returns the current representation when present, and otherwise
// the upgraded legacy one.
func Resolve[L, C any](legacy *L, current *C, upgrade func(L) (C, error)) (C, error) {
	if current != nil {
		return *current, nil
	}
	if legacy != nil {
		return upgrade(*legacy)
	}
	var zero C
	return zero, ErrMissingField
}

// UplinkFrame is an uplink as received from a gateway bridge, which may fill
// the legacy fields, the current ones, or both.
type UplinkFrame struct {
	PHYPayload   []byte              `json:"phyPayload"`
	TxInfoLegacy *UplinkTxInfoLegacy `json:"txInfoLegacy,omitempty"`
	RxInfoLegacy *UplinkRxInfoLegacy `json:"rxInfoLegacy,omitempty"`
	TxInfo       *UplinkTxInfo       `json:"txInfo,omitempty"`
	RxInfo       *UplinkRxInfo       `json:"rxInfo,omitempty"`
}

// Resolved returns the tx and rx info in their current representation.
func (f UplinkFrame) Resolved() (UplinkTxInfo, UplinkRxInfo, error) {
	tx, err := Resolve(f.TxInfoLegacy, f.TxInfo, UpgradeUplinkTxInfo)
	if err != nil {
		return UplinkTxInfo{}, UplinkRxInfo{}, fmt.Errorf("tx info: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return UplinkTxInfo{}, UplinkRxInfo{}, fmt.Errorf("tx info: %w", err)
	}
	rx, err := Resolve(f.RxInfoLegacy, f.RxInfo, UpgradeUplinkRxInfo)
	if err != nil {
		return UplinkTxInfo{}, UplinkRxInfo{}, fmt.Errorf("rx info: %w", err)
	}
	return tx, rx, nil
}

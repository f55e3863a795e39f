package models

import (
	"time"

	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// MACVersion is the LoRaWAN version a session speaks.
type MACVersion string

const (
	MACVersion1_0 MACVersion = "1.0"
	MACVersion1_1 MACVersion = "1.1"
)

// IsLegacy reports whether the version has a single network session key and
// a single downlink counter. The zero value is treated as 1.0.
func (v MACVersion) IsLegacy() bool {
	return v != MACVersion1_1
}

// Major returns the frame major version used in MIC computation.
func (v MACVersion) Major() lorawan.Major {
	if v.IsLegacy() {
		return lorawan.LoRaWAN1_0
	}
	return lorawan.LoRaWAN1_1
}

// SessionKeys are the keys of a device session. For LoRaWAN 1.0.x the three
// network keys all hold the single NwkSKey.
type SessionKeys struct {
	AppSKey     lorawan.AES128Key `json:"appSKey"`
	NwkSEncKey  lorawan.AES128Key `json:"nwkSEncKey"`
	SNwkSIntKey lorawan.AES128Key `json:"sNwkSIntKey"`
	FNwkSIntKey lorawan.AES128Key `json:"fNwkSIntKey"`
}

// NewLegacySessionKeys returns the keys of a LoRaWAN 1.0.x session.
func NewLegacySessionKeys(appSKey, nwkSKey lorawan.AES128Key) SessionKeys {
	return SessionKeys{
		AppSKey:     appSKey,
		NwkSEncKey:  nwkSKey,
		SNwkSIntKey: nwkSKey,
		FNwkSIntKey: nwkSKey,
	}
}

// DeviceSession represents an active device session
type DeviceSession struct {
	DevEUI     lorawan.EUI64   `json:"devEui" db:"dev_eui"`
	DevAddr    lorawan.DevAddr `json:"devAddr" db:"dev_addr"`
	MACVersion MACVersion      `json:"macVersion" db:"mac_version"`

	Keys SessionKeys `json:"-"`

	FCntUp    uint32 `json:"fCntUp" db:"f_cnt_up"`
	NFCntDown uint32 `json:"nFCntDown" db:"n_f_cnt_down"`
	AFCntDown uint32 `json:"aFCntDown" db:"a_f_cnt_down"`

	// DR is the data rate of the last uplink; it bounds the downlink payload size.
	DR uint8 `json:"dr" db:"dr"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// CounterFor tells which downlink counter an item on fPort consumes.
func (s DeviceSession) CounterFor(fPort uint8) FCntKind {
	if fPort == 0 || s.MACVersion.IsLegacy() {
		return FCntNwk
	}
	return FCntApp
}

// FCntKind selects a downlink frame counter.
type FCntKind int

const (
	FCntNwk FCntKind = iota
	FCntApp
)

func (k FCntKind) String() string {
	if k == FCntApp {
		return "a_f_cnt_down"
	}
	return "n_f_cnt_down"
}

package lorawan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHex(e[:], "EUI64", string(text))
}

// ParseEUI64 parses a hex encoded EUI64.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := e.UnmarshalText([]byte(s))
	return e, err
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHex(d[:], "DevAddr", string(text))
}

// IsReserved reports whether the address is the all-zero or the broadcast
// address. Neither may be bound to a session.
func (d DevAddr) IsReserved() bool {
	return d == DevAddr{} || d == DevAddr{0xff, 0xff, 0xff, 0xff}
}

// wireBytes returns the address in the little-endian order used on air.
func (d DevAddr) wireBytes() []byte {
	return []byte{d[3], d[2], d[1], d[0]}
}

// ParseDevAddr parses a hex encoded DevAddr.
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHex(k[:], "AES128Key", string(text))
}

// IsZero reports whether no key material is set.
func (k AES128Key) IsZero() bool {
	return k == AES128Key{}
}

func decodeHex(dst []byte, name, s string) error {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d bytes, got %d", name, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

var mtypeNames = map[MType]string{
	JoinRequest:         "JoinRequest",
	JoinAccept:          "JoinAccept",
	UnconfirmedDataUp:   "UnconfirmedDataUp",
	UnconfirmedDataDown: "UnconfirmedDataDown",
	ConfirmedDataUp:     "ConfirmedDataUp",
	ConfirmedDataDown:   "ConfirmedDataDown",
	RFU:                 "RFU",
	Proprietary:         "Proprietary",
}

func (m MType) String() string {
	if s, ok := mtypeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MType(%d)", byte(m))
}

// IsUplink reports whether frames of this type travel from device to network.
func (m MType) IsUplink() bool {
	return m == JoinRequest || m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// IsData reports whether the frame carries a MACPayload with an FHDR.
func (m MType) IsData() bool {
	return m >= UnconfirmedDataUp && m <= ConfirmedDataDown
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
	LoRaWAN1_1 Major = 1
)

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

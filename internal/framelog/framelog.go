// Package framelog pairs decoded frames with their radio metadata for
// streaming to debug and audit consumers.
package framelog

import (
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Direction of a logged frame
type Direction string

const (
	Uplink   Direction = "up"
	Downlink Direction = "down"
)

// FHDR is the decoded frame header. FOpts is nil when redacted.
type FHDR struct {
	DevAddr lorawan.DevAddr `json:"devAddr"`
	ADR     bool            `json:"adr"`
	ACK     bool            `json:"ack"`
	FCnt    uint16          `json:"fCnt"`
	FOpts   []byte          `json:"fOpts,omitempty"`
}

// FrameLog is one logged frame. FHDR, FPort and FRMPayload are only set for
// data frames.
type FrameLog struct {
	Direction Direction             `json:"direction"`
	Time      time.Time             `json:"time"`
	DevEUI    *lorawan.EUI64        `json:"devEui,omitempty"`
	MType     string                `json:"mType"`
	Major     lorawan.Major         `json:"major"`
	FHDR      *FHDR                 `json:"fhdr,omitempty"`
	FPort     *uint8                `json:"fPort,omitempty"`
	MIC       micHex                `json:"mic"`
	GatewayID string                `json:"gatewayId,omitempty"`
	UplinkTx  *frame.UplinkTxInfo   `json:"uplinkTxInfo,omitempty"`
	UplinkRx  []frame.UplinkRxInfo  `json:"uplinkRxInfo,omitempty"`
	DownTx    *frame.DownlinkTxInfo `json:"downlinkTxInfo,omitempty"`

	// FRMPayload is nil when redacted.
	FRMPayload []byte `json:"frmPayload,omitempty"`

	PlaintextFOpts      bool `json:"plaintextFOpts"`
	PlaintextFRMPayload bool `json:"plaintextFrmPayload"`
}

// micHex renders a MIC as hex.
type micHex [4]byte

func (h micHex) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%x", h[:])), nil
}

// Key returns the partition key of the log: the DevEUI when known, else the
// DevAddr, else the message type.
func (l *FrameLog) Key() string {
	switch {
	case l.DevEUI != nil:
		return l.DevEUI.String()
	case l.FHDR != nil:
		return l.FHDR.DevAddr.String()
	}
	return l.MType
}

// AssembleUplink decodes an uplink PHYPayload. FOpts and FRMPayload are
// dropped unless the matching plaintext flag is set.
func AssembleUplink(phy []byte, txInfo frame.UplinkTxInfo, rxInfo []frame.UplinkRxInfo, devEUI *lorawan.EUI64, plaintextFOpts, plaintextFRMPayload bool) (*FrameLog, error) {
	l, err := decode(phy, plaintextFOpts, plaintextFRMPayload)
	if err != nil {
		return nil, err
	}
	l.Direction = Uplink
	l.DevEUI = devEUI
	l.UplinkTx = &txInfo
	l.UplinkRx = rxInfo
	return l, nil
}

// AssembleDownlink decodes a downlink addressed to one gateway. Radio
// metadata is omitted while f has no modulation, as for frames taken from a
// device queue before scheduling.
func AssembleDownlink(f frame.DownlinkFrame, devEUI *lorawan.EUI64, plaintextFOpts, plaintextFRMPayload bool) (*FrameLog, error) {
	l, err := decode(f.PHYPayload, plaintextFOpts, plaintextFRMPayload)
	if err != nil {
		return nil, err
	}
	l.Direction = Downlink
	l.DevEUI = devEUI
	l.GatewayID = f.GatewayID
	if f.TxInfo.Modulation != nil {
		tx := f.TxInfo
		l.DownTx = &tx
	}
	return l, nil
}

func decode(b []byte, plaintextFOpts, plaintextFRMPayload bool) (*FrameLog, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode phy payload: %w", err)
	}

	l := &FrameLog{
		Time:                time.Now().UTC(),
		MType:               phy.MHDR.MType.String(),
		Major:               phy.MHDR.Major,
		MIC:                 micHex(phy.MIC),
		PlaintextFOpts:      plaintextFOpts,
		PlaintextFRMPayload: plaintextFRMPayload,
	}
	if !phy.MHDR.MType.IsData() {
		return l, nil
	}

	mac, err := phy.DecodeMACPayload()
	if err != nil {
		return nil, fmt.Errorf("decode mac payload: %w", err)
	}

	l.FHDR = &FHDR{
		DevAddr: mac.FHDR.DevAddr,
		ADR:     mac.FHDR.FCtrl.ADR,
		ACK:     mac.FHDR.FCtrl.ACK,
		FCnt:    mac.FHDR.FCnt,
	}
	if plaintextFOpts {
		l.FHDR.FOpts = mac.FHDR.FOpts
	}
	l.FPort = mac.FPort
	if plaintextFRMPayload {
		l.FRMPayload = mac.FRMPayload
	}
	return l, nil
}

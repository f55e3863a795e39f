package frame

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// FineTimestamp is absent (nil), PlainFineTimestamp or EncryptedFineTimestamp.
type FineTimestamp interface {
	isFineTimestamp()
}

// PlainFineTimestamp is a nanosecond precision reception time.
type PlainFineTimestamp struct {
	Time time.Time `json:"time"`
}

func (PlainFineTimestamp) isFineTimestamp() {}

// EncryptedFineTimestamp can only be decrypted with the gateway key at
// AESKeyIndex.
type EncryptedFineTimestamp struct {
	AESKeyIndex uint32 `json:"aesKeyIndex"`
	EncryptedNS []byte `json:"encryptedNs"`
	FPGAID      []byte `json:"fpgaId,omitempty"`
}

func (EncryptedFineTimestamp) isFineTimestamp() {}

type fineTimestampParts struct {
	Plain     *PlainFineTimestamp     `json:"plain,omitempty"`
	Encrypted *EncryptedFineTimestamp `json:"encrypted,omitempty"`
}

// CRCStatus of a received frame.
type CRCStatus string

const (
	CRCStatusNone CRCStatus = "NO_CRC"
	CRCStatusBad  CRCStatus = "BAD_CRC"
	CRCStatusOK   CRCStatus = "CRC_OK"
)

// Location of the receiving gateway.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// UplinkRxInfo is the reception metadata reported by one gateway.
type UplinkRxInfo struct {
	GatewayID         string            `json:"gatewayId"`
	UplinkID          uint32            `json:"uplinkId"`
	Time              *time.Time        `json:"time,omitempty"`
	TimeSinceGPSEpoch *time.Duration    `json:"timeSinceGpsEpoch,omitempty"`
	RSSI              int32             `json:"rssi"`
	SNR               float32           `json:"snr"`
	Channel           uint32            `json:"channel"`
	RFChain           uint32            `json:"rfChain"`
	Board             uint32            `json:"board"`
	Antenna           uint32            `json:"antenna"`
	Location          *Location         `json:"location,omitempty"`
	Context           []byte            `json:"context,omitempty"`
	FineTimestamp     FineTimestamp     `json:"-"`
	CRCStatus         CRCStatus         `json:"crcStatus"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type uplinkRxInfoJSON UplinkRxInfo

func (r UplinkRxInfo) MarshalJSON() ([]byte, error) {
	out := struct {
		uplinkRxInfoJSON
		FineTimestamp *fineTimestampParts `json:"fineTimestamp,omitempty"`
	}{uplinkRxInfoJSON: uplinkRxInfoJSON(r)}

	switch v := r.FineTimestamp.(type) {
	case PlainFineTimestamp:
		out.FineTimestamp = &fineTimestampParts{Plain: &v}
	case EncryptedFineTimestamp:
		out.FineTimestamp = &fineTimestampParts{Encrypted: &v}
	case nil:
	default:
		return nil, fmt.Errorf("%w: fine timestamp %T", ErrInvalidVariant, v)
	}
	return json.Marshal(out)
}

func (r *UplinkRxInfo) UnmarshalJSON(b []byte) error {
	var in struct {
		uplinkRxInfoJSON
		FineTimestamp *fineTimestampParts `json:"fineTimestamp"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = UplinkRxInfo(in.uplinkRxInfoJSON)
	r.FineTimestamp = nil

	if in.FineTimestamp != nil {
		switch {
		case in.FineTimestamp.Plain != nil && in.FineTimestamp.Encrypted != nil:
			return fmt.Errorf("%w: fine timestamp has 2 variants set", ErrInvalidVariant)
		case in.FineTimestamp.Plain != nil:
			r.FineTimestamp = *in.FineTimestamp.Plain
		case in.FineTimestamp.Encrypted != nil:
			r.FineTimestamp = *in.FineTimestamp.Encrypted
		}
	}
	return nil
}

// FineTimestampType is the legacy discriminator for the fine timestamp.
type FineTimestampType int

const (
	FineTimestampNone FineTimestampType = iota
	FineTimestampEncrypted
	FineTimestampPlain
)

// UplinkRxInfoLegacy is the previous representation of UplinkRxInfo: binary
// gateway and uplink identifiers, and a fine timestamp split into a type
// field with one optional payload per type.
type UplinkRxInfoLegacy struct {
	GatewayID              []byte                  `json:"gatewayId"`
	Time                   *time.Time              `json:"time,omitempty"`
	TimeSinceGPSEpoch      *time.Duration          `json:"timeSinceGpsEpoch,omitempty"`
	RSSI                   int32                   `json:"rssi"`
	LoRaSNR                float64                 `json:"loraSnr"`
	Channel                uint32                  `json:"channel"`
	RFChain                uint32                  `json:"rfChain"`
	Board                  uint32                  `json:"board"`
	Antenna                uint32                  `json:"antenna"`
	Location               *Location               `json:"location,omitempty"`
	FineTimestampType      FineTimestampType       `json:"fineTimestampType"`
	EncryptedFineTimestamp *EncryptedFineTimestamp `json:"encryptedFineTimestamp,omitempty"`
	PlainFineTimestamp     *PlainFineTimestamp     `json:"plainFineTimestamp,omitempty"`
	Context                []byte                  `json:"context,omitempty"`
	UplinkID               []byte                  `json:"uplinkId,omitempty"`
	CRCStatus              CRCStatus               `json:"crcStatus"`
}

// UpgradeUplinkRxInfo converts the legacy representation. It does not modify
// its input.
func UpgradeUplinkRxInfo(l UplinkRxInfoLegacy) (UplinkRxInfo, error) {
	if len(l.GatewayID) != 8 {
		return UplinkRxInfo{}, fmt.Errorf("%w: gateway id must be 8 bytes, got %d", ErrInvalidVariant, len(l.GatewayID))
	}

	out := UplinkRxInfo{
		GatewayID:         hex.EncodeToString(l.GatewayID),
		Time:              l.Time,
		TimeSinceGPSEpoch: l.TimeSinceGPSEpoch,
		RSSI:              l.RSSI,
		SNR:               float32(l.LoRaSNR),
		Channel:           l.Channel,
		RFChain:           l.RFChain,
		Board:             l.Board,
		Antenna:           l.Antenna,
		Location:          l.Location,
		Context:           cloneBytes(l.Context),
		CRCStatus:         l.CRCStatus,
	}
	if len(l.UplinkID) >= 4 {
		out.UplinkID = binary.BigEndian.Uint32(l.UplinkID[:4])
	}

	switch l.FineTimestampType {
	case FineTimestampNone:
		if l.PlainFineTimestamp != nil || l.EncryptedFineTimestamp != nil {
			return UplinkRxInfo{}, fmt.Errorf("%w: fine timestamp payload without type", ErrInvalidVariant)
		}
	case FineTimestampPlain:
		if l.PlainFineTimestamp == nil || l.EncryptedFineTimestamp != nil {
			return UplinkRxInfo{}, fmt.Errorf("%w: plain fine timestamp payload mismatch", ErrInvalidVariant)
		}
		out.FineTimestamp = *l.PlainFineTimestamp
	case FineTimestampEncrypted:
		if l.EncryptedFineTimestamp == nil || l.PlainFineTimestamp != nil {
			return UplinkRxInfo{}, fmt.Errorf("%w: encrypted fine timestamp payload mismatch", ErrInvalidVariant)
		}
		ts := *l.EncryptedFineTimestamp
		ts.EncryptedNS = cloneBytes(ts.EncryptedNS)
		ts.FPGAID = cloneBytes(ts.FPGAID)
		out.FineTimestamp = ts
	default:
		return UplinkRxInfo{}, fmt.Errorf("%w: fine timestamp type %d", ErrInvalidVariant, l.FineTimestampType)
	}

	return out, nil
}

// DowngradeUplinkRxInfo converts to the legacy representation. Metadata has
// no legacy field and is dropped.
func DowngradeUplinkRxInfo(r UplinkRxInfo) (UplinkRxInfoLegacy, error) {
	gatewayID, err := hex.DecodeString(r.GatewayID)
	if err != nil || len(gatewayID) != 8 {
		return UplinkRxInfoLegacy{}, fmt.Errorf("%w: gateway id %q", ErrInvalidVariant, r.GatewayID)
	}

	out := UplinkRxInfoLegacy{
		GatewayID:         gatewayID,
		Time:              r.Time,
		TimeSinceGPSEpoch: r.TimeSinceGPSEpoch,
		RSSI:              r.RSSI,
		LoRaSNR:           float64(r.SNR),
		Channel:           r.Channel,
		RFChain:           r.RFChain,
		Board:             r.Board,
		Antenna:           r.Antenna,
		Location:          r.Location,
		Context:           cloneBytes(r.Context),
		UplinkID:          make([]byte, 16),
		CRCStatus:         r.CRCStatus,
	}
	binary.BigEndian.PutUint32(out.UplinkID[:4], r.UplinkID)

	switch v := r.FineTimestamp.(type) {
	case nil:
		out.FineTimestampType = FineTimestampNone
	case PlainFineTimestamp:
		out.FineTimestampType = FineTimestampPlain
		out.PlainFineTimestamp = &v
	case EncryptedFineTimestamp:
		out.FineTimestampType = FineTimestampEncrypted
		v.EncryptedNS = cloneBytes(v.EncryptedNS)
		v.FPGAID = cloneBytes(v.FPGAID)
		out.EncryptedFineTimestamp = &v
	default:
		return UplinkRxInfoLegacy{}, fmt.Errorf("%w: fine timestamp %T", ErrInvalidVariant, v)
	}

	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

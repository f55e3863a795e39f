package lorawan

import (
	"errors"
	"fmt"

	blorawan "github.com/brocaar/lorawan"
)

// DataDown describes a downlink data frame before encryption.
type DataDown struct {
	Major     Major
	Confirmed bool
	DevAddr   DevAddr
	FCnt      uint32
	FCtrl     FCtrl
	FPort     *uint8
	// Payload is the plaintext FRMPayload, or the ciphertext when Encrypted
	// is set.
	Payload   []byte
	Encrypted bool
	// EncKey encrypts the FRMPayload: AppSKey (or McAppSKey) for FPort > 0,
	// NwkSEncKey for FPort 0.
	EncKey AES128Key
	// MICKey is SNwkSIntKey (or McNwkSKey for multicast).
	MICKey AES128Key
	// ConfFCnt is the uplink counter being acknowledged (LoRaWAN 1.1 only).
	ConfFCnt uint32
}

// Build encrypts the payload and returns the PHYPayload with its MIC set.
func (d DataDown) Build() (*PHYPayload, error) {
	mtype := blorawan.UnconfirmedDataDown
	if d.Confirmed {
		mtype = blorawan.ConfirmedDataDown
	}

	mac := &blorawan.MACPayload{
		FHDR: blorawan.FHDR{
			DevAddr: blorawan.DevAddr(d.DevAddr),
			FCtrl: blorawan.FCtrl{
				ADR:      d.FCtrl.ADR,
				ACK:      d.FCtrl.ACK,
				FPending: d.FCtrl.FPending,
			},
			FCnt: d.FCnt,
		},
		FPort: d.FPort,
	}
	if d.FPort != nil && len(d.Payload) > 0 {
		mac.FRMPayload = []blorawan.Payload{
			&blorawan.DataPayload{Bytes: append([]byte(nil), d.Payload...)},
		}
	}

	phy := blorawan.PHYPayload{
		MHDR:       blorawan.MHDR{MType: mtype, Major: blorawan.LoRaWANR1},
		MACPayload: mac,
	}

	if !d.Encrypted {
		if err := phy.EncryptFRMPayload(blorawan.AES128Key(d.EncKey)); err != nil {
			return nil, fmt.Errorf("encrypt FRMPayload: %w", err)
		}
	}

	confFCnt := uint32(0)
	if d.Major == LoRaWAN1_1 && d.FCtrl.ACK {
		confFCnt = d.ConfFCnt
	}
	if err := phy.SetDownlinkDataMIC(d.Major.macVersion(), confFCnt, blorawan.AES128Key(d.MICKey)); err != nil {
		return nil, fmt.Errorf("set MIC: %w", err)
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal PHYPayload: %w", err)
	}

	var out PHYPayload
	if err := out.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &out, nil
}

// macVersion maps the session version to the MIC scheme.
func (m Major) macVersion() blorawan.MACVersion {
	if m == LoRaWAN1_1 {
		return blorawan.LoRaWAN1_1
	}
	return blorawan.LoRaWAN1_0
}

// dataPayload decodes p as a data frame. The 16 bit counter on the wire is
// replaced by fCnt, the full counter the MIC and the cipher run over.
func (p *PHYPayload) dataPayload(fCnt uint32) (*blorawan.PHYPayload, *blorawan.MACPayload, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}

	var phy blorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		return nil, nil, fmt.Errorf("decode PHYPayload: %w", err)
	}
	mac, ok := phy.MACPayload.(*blorawan.MACPayload)
	if !ok {
		return nil, nil, fmt.Errorf("%s frame has no FHDR", p.MHDR.MType)
	}
	mac.FHDR.FCnt = fCnt
	return &phy, mac, nil
}

// SetDownlinkDataMIC sets downlink MIC according to LoRaWAN spec
func (p *PHYPayload) SetDownlinkDataMIC(version Major, fCnt, confFCnt uint32, sNwkSIntKey AES128Key) error {
	phy, _, err := p.dataPayload(fCnt)
	if err != nil {
		return err
	}
	if err := phy.SetDownlinkDataMIC(version.macVersion(), confFCnt, blorawan.AES128Key(sNwkSIntKey)); err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	copy(p.MIC[:], phy.MIC[:])
	return nil
}

// ValidateDownlinkDataMIC recomputes the MIC and compares it with the one set.
func (p *PHYPayload) ValidateDownlinkDataMIC(version Major, fCnt, confFCnt uint32, sNwkSIntKey AES128Key) (bool, error) {
	phy, _, err := p.dataPayload(fCnt)
	if err != nil {
		return false, err
	}
	return phy.ValidateDownlinkDataMIC(version.macVersion(), confFCnt, blorawan.AES128Key(sNwkSIntKey))
}

// DecryptFRMPayload replaces the FRMPayload with its plaintext. The MIC is
// left as sent.
func (p *PHYPayload) DecryptFRMPayload(fCnt uint32, key AES128Key) error {
	phy, _, err := p.dataPayload(fCnt)
	if err != nil {
		return err
	}
	// the keystream is symmetric; DecryptFRMPayload would also parse f_port
	// 0 payloads as MAC commands
	if err := phy.EncryptFRMPayload(blorawan.AES128Key(key)); err != nil {
		return fmt.Errorf("decrypt FRMPayload: %w", err)
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal PHYPayload: %w", err)
	}
	mic := p.MIC
	if err := p.UnmarshalBinary(b); err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// DecodeMACPayload parses the MACPayload of a data frame. FCnt holds the 16
// bits sent on air.
func (p *PHYPayload) DecodeMACPayload() (*MACPayload, error) {
	if !p.MHDR.MType.IsData() {
		return nil, fmt.Errorf("%s frame has no FHDR", p.MHDR.MType)
	}

	b, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var phy blorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode MACPayload: %w", err)
	}
	mac, ok := phy.MACPayload.(*blorawan.MACPayload)
	if !ok {
		return nil, fmt.Errorf("%s frame has no FHDR", p.MHDR.MType)
	}

	fopts, err := payloadBytes(mac.FHDR.FOpts)
	if err != nil {
		return nil, fmt.Errorf("decode FOpts: %w", err)
	}
	frm, err := payloadBytes(mac.FRMPayload)
	if err != nil {
		return nil, fmt.Errorf("decode FRMPayload: %w", err)
	}

	return &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr(mac.FHDR.DevAddr),
			FCtrl: FCtrl{
				ADR:       mac.FHDR.FCtrl.ADR,
				ADRACKReq: mac.FHDR.FCtrl.ADRACKReq,
				ACK:       mac.FHDR.FCtrl.ACK,
				ClassB:    mac.FHDR.FCtrl.ClassB,
				FPending:  mac.FHDR.FCtrl.FPending,
			},
			FCnt:  uint16(mac.FHDR.FCnt),
			FOpts: fopts,
		},
		FPort:      mac.FPort,
		FRMPayload: frm,
	}, nil
}

func payloadBytes(pls []blorawan.Payload) ([]byte, error) {
	var out []byte
	for _, pl := range pls {
		b, err := pl.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// EncryptFRMPayload encrypts/decrypts FRM payload
func EncryptFRMPayload(key []byte, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	var k blorawan.AES128Key
	if len(key) != len(k) {
		return nil, errors.New("FRMPayload key must be 16 bytes")
	}
	copy(k[:], key)

	mtype := blorawan.UnconfirmedDataDown
	if uplink {
		mtype = blorawan.UnconfirmedDataUp
	}
	fPort := uint8(1)
	mac := &blorawan.MACPayload{
		FHDR:       blorawan.FHDR{DevAddr: blorawan.DevAddr(devAddr), FCnt: fCnt},
		FPort:      &fPort,
		FRMPayload: []blorawan.Payload{&blorawan.DataPayload{Bytes: append([]byte(nil), payload...)}},
	}
	phy := blorawan.PHYPayload{
		MHDR:       blorawan.MHDR{MType: mtype, Major: blorawan.LoRaWANR1},
		MACPayload: mac,
	}
	if err := phy.EncryptFRMPayload(k); err != nil {
		return nil, err
	}
	return payloadBytes(mac.FRMPayload)
}

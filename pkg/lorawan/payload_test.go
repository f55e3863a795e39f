package lorawan

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex error: %v", err)
	}
	return b
}

func TestDecryptFRMPayloadMACCommands(t *testing.T) {
	fPort := uint8(0)
	var nwkSEncKey, sNwkSIntKey AES128Key
	copy(nwkSEncKey[:], mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	copy(sNwkSIntKey[:], mustHex(t, "000102030405060708090a0b0c0d0e0f"))

	// DevStatusReq followed by an arbitrary byte, not a valid command list
	cmds := []byte{0x06, 0xff}
	dd := DataDown{
		DevAddr: DevAddr{0x26, 0x01, 0x12, 0x34},
		FCnt:    7,
		FPort:   &fPort,
		Payload: cmds,
		EncKey:  nwkSEncKey,
		MICKey:  sNwkSIntKey,
	}
	phy, err := dd.Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	mic := phy.MIC

	if err := phy.DecryptFRMPayload(dd.FCnt, nwkSEncKey); err != nil {
		t.Fatalf("DecryptFRMPayload error: %v", err)
	}
	if phy.MIC != mic {
		t.Errorf("mic = %x, want %x", phy.MIC, mic)
	}
	mac, err := phy.DecodeMACPayload()
	if err != nil {
		t.Fatalf("DecodeMACPayload error: %v", err)
	}
	if !bytes.Equal(mac.FRMPayload, cmds) {
		t.Errorf("frm payload = %x, want %x", mac.FRMPayload, cmds)
	}
}

func TestEncryptFRMPayloadKeyLength(t *testing.T) {
	if _, err := EncryptFRMPayload(make([]byte, 32), DevAddr{}, 1, false, []byte{1}); err == nil {
		t.Error("expected error for 32 byte key")
	}
}

func TestEncryptFRMPayloadIsSymmetric(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	addr := DevAddr{0x26, 0x01, 0x12, 0x34}
	plain := []byte("the quick brown fox jumps over the lazy dog")

	enc, err := EncryptFRMPayload(key, addr, 10, false, plain)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := EncryptFRMPayload(key, addr, 10, false, enc)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("decrypted = %q, want %q", dec, plain)
	}
}

func TestDataDownBuild(t *testing.T) {
	fPort := uint8(10)
	var appSKey, sNwkSIntKey AES128Key
	copy(appSKey[:], mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	copy(sNwkSIntKey[:], mustHex(t, "000102030405060708090a0b0c0d0e0f"))

	dd := DataDown{
		Confirmed: true,
		DevAddr:   DevAddr{0x26, 0x01, 0x12, 0x34},
		FCnt:      0x10005,
		FPort:     &fPort,
		Payload:   []byte{0x01, 0x02, 0x03},
		EncKey:    appSKey,
		MICKey:    sNwkSIntKey,
	}

	phy, err := dd.Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if phy.MHDR.MType != ConfirmedDataDown {
		t.Errorf("mtype = %s, want ConfirmedDataDown", phy.MHDR.MType)
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}
	// DevAddr is sent little-endian
	if !bytes.Equal(b[1:5], []byte{0x34, 0x12, 0x01, 0x26}) {
		t.Errorf("devaddr bytes = %x", b[1:5])
	}

	var decoded PHYPayload
	if err := decoded.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}

	valid, err := decoded.ValidateDownlinkDataMIC(LoRaWAN1_0, dd.FCnt, 0, sNwkSIntKey)
	if err != nil {
		t.Fatalf("ValidateDownlinkDataMIC error: %v", err)
	}
	if !valid {
		t.Error("MIC is not valid")
	}

	mac, err := decoded.DecodeMACPayload()
	if err != nil {
		t.Fatalf("DecodeMACPayload error: %v", err)
	}
	if mac.FHDR.DevAddr != dd.DevAddr {
		t.Errorf("devaddr = %s, want %s", mac.FHDR.DevAddr, dd.DevAddr)
	}
	if mac.FHDR.FCnt != 0x0005 {
		t.Errorf("fcnt = %d, want 5", mac.FHDR.FCnt)
	}
	if mac.FPort == nil || *mac.FPort != fPort {
		t.Fatalf("fport = %v, want %d", mac.FPort, fPort)
	}

	plain, err := EncryptFRMPayload(appSKey[:], dd.DevAddr, dd.FCnt, false, mac.FRMPayload)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if !bytes.Equal(plain, dd.Payload) {
		t.Errorf("payload = %x, want %x", plain, dd.Payload)
	}

	// a different counter must give a different MIC
	valid, err = decoded.ValidateDownlinkDataMIC(LoRaWAN1_0, dd.FCnt+1, 0, sNwkSIntKey)
	if err != nil {
		t.Fatalf("ValidateDownlinkDataMIC error: %v", err)
	}
	if valid {
		t.Error("MIC valid for wrong frame counter")
	}
}

func TestParseEUI64(t *testing.T) {
	e, err := ParseEUI64("0102030405060708")
	if err != nil {
		t.Fatalf("ParseEUI64 error: %v", err)
	}
	if e != (EUI64{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("eui = %s", e)
	}

	if _, err := ParseEUI64("010203"); err == nil {
		t.Error("expected error for short EUI64")
	}
	if _, err := ParseEUI64("zz02030405060708"); err == nil {
		t.Error("expected error for non-hex EUI64")
	}
}

func TestDevAddrIsReserved(t *testing.T) {
	tests := []struct {
		addr DevAddr
		want bool
	}{
		{DevAddr{}, true},
		{DevAddr{0xff, 0xff, 0xff, 0xff}, true},
		{DevAddr{0x26, 0x01, 0x12, 0x34}, false},
	}
	for _, tt := range tests {
		if got := tt.addr.IsReserved(); got != tt.want {
			t.Errorf("%s IsReserved = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

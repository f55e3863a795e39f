package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
)

var testLoRa = LoRaModulation{Bandwidth: 125000, SpreadingFactor: 7, CodeRate: CodeRate4_5, PolarizationInversion: true}

func TestModulationPartsExclusive(t *testing.T) {
	tests := []struct {
		name    string
		parts   ModulationParts
		wantErr bool
	}{
		{"none", ModulationParts{}, true},
		{"lora", ModulationParts{LoRa: &testLoRa}, false},
		{"fsk", ModulationParts{FSK: &FSKModulation{FrequencyDeviation: 25000, Datarate: 50000}}, false},
		{"lr-fhss", ModulationParts{LRFHSS: &LRFHSSModulation{OperatingChannelWidth: 137000, CodeRate: CodeRate2_3}}, false},
		{"lora and fsk", ModulationParts{LoRa: &testLoRa, FSK: &FSKModulation{Datarate: 50000}}, true},
		{"invalid sf", ModulationParts{LoRa: &LoRaModulation{Bandwidth: 125000, SpreadingFactor: 13, CodeRate: CodeRate4_5}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parts.Modulation()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidVariant) {
					t.Fatalf("expected ErrInvalidVariant, got %v", err)
				}
				if !errors.Is(err, errs.ErrValidation) {
					t.Errorf("expected validation kind, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Modulation error: %v", err)
			}
		})
	}
}

func TestTimingPartsExclusive(t *testing.T) {
	if _, err := (TimingParts{}).Timing(); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant for empty timing, got %v", err)
	}

	both := TimingParts{Immediately: &ImmediatelyTiming{}, Delay: &DelayTiming{Delay: time.Second}}
	if _, err := both.Timing(); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant for two variants, got %v", err)
	}

	got, err := (TimingParts{Delay: &DelayTiming{Delay: time.Second}}).Timing()
	if err != nil {
		t.Fatalf("Timing error: %v", err)
	}
	if got != Delay(time.Second) {
		t.Errorf("timing = %#v", got)
	}
}

func TestDownlinkTxInfoDowngrade(t *testing.T) {
	base := DownlinkTxInfo{Frequency: 868100000, Power: 14, Modulation: testLoRa, Timing: Delay(time.Second)}

	legacy, err := DowngradeDownlinkTxInfo(base)
	if err != nil {
		t.Fatalf("DowngradeDownlinkTxInfo error: %v", err)
	}
	if legacy.Timing != TimingDelay || legacy.DelayTimingInfo.Delay != time.Second {
		t.Errorf("legacy timing = %s %v", legacy.Timing, legacy.DelayTimingInfo)
	}

	back, err := UpgradeDownlinkTxInfo(legacy)
	if err != nil {
		t.Fatalf("UpgradeDownlinkTxInfo error: %v", err)
	}
	if back.Modulation != base.Modulation || back.Timing != base.Timing || back.Frequency != base.Frequency {
		t.Errorf("round trip = %+v, want %+v", back, base)
	}

	gps := base
	gps.Timing = GPSEpoch(time.Hour)
	if _, err := DowngradeDownlinkTxInfo(gps); !errors.Is(err, ErrUnsupportedDowngrade) {
		t.Errorf("expected ErrUnsupportedDowngrade for gps timing, got %v", err)
	}

	lrfhss := base
	lrfhss.Modulation = LRFHSSModulation{OperatingChannelWidth: 137000, CodeRate: CodeRate1_3}
	_, err = DowngradeDownlinkTxInfo(lrfhss)
	if !errors.Is(err, ErrUnsupportedDowngrade) || !errors.Is(err, errs.ErrUnsupported) {
		t.Errorf("expected ErrUnsupportedDowngrade for lr-fhss, got %v", err)
	}
}

func TestUpgradeDownlinkTxInfoInvalid(t *testing.T) {
	l := DownlinkTxInfoLegacy{Modulation: ModulationLoRa, LoRaModulationInfo: &testLoRa, Timing: TimingDelay}
	if _, err := UpgradeDownlinkTxInfo(l); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant for missing delay info, got %v", err)
	}

	l = DownlinkTxInfoLegacy{Modulation: ModulationLoRa, FSKModulationInfo: &FSKModulation{Datarate: 50000}, Timing: TimingImmediately}
	if _, err := UpgradeDownlinkTxInfo(l); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant for mismatched modulation info, got %v", err)
	}
}

func TestUplinkRxInfoUpgrade(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	legacy := UplinkRxInfoLegacy{
		GatewayID:              []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RSSI:                   -60,
		LoRaSNR:                7.5,
		FineTimestampType:      FineTimestampEncrypted,
		EncryptedFineTimestamp: &EncryptedFineTimestamp{AESKeyIndex: 3, EncryptedNS: []byte{0xaa, 0xbb}},
		UplinkID:               []byte{0, 0, 0, 42, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		Time:                   &now,
		CRCStatus:              CRCStatusOK,
	}
	orig := legacy.EncryptedFineTimestamp.EncryptedNS

	cur, err := UpgradeUplinkRxInfo(legacy)
	if err != nil {
		t.Fatalf("UpgradeUplinkRxInfo error: %v", err)
	}
	if cur.GatewayID != "0102030405060708" {
		t.Errorf("gateway id = %s", cur.GatewayID)
	}
	if cur.UplinkID != 42 {
		t.Errorf("uplink id = %d, want 42", cur.UplinkID)
	}
	ts, ok := cur.FineTimestamp.(EncryptedFineTimestamp)
	if !ok || ts.AESKeyIndex != 3 {
		t.Fatalf("fine timestamp = %#v", cur.FineTimestamp)
	}

	// the upgrade must not alias its input
	ts.EncryptedNS[0] = 0x00
	if orig[0] != 0xaa {
		t.Error("upgrade modified its input")
	}

	down, err := DowngradeUplinkRxInfo(cur)
	if err != nil {
		t.Fatalf("DowngradeUplinkRxInfo error: %v", err)
	}
	if down.FineTimestampType != FineTimestampEncrypted || down.EncryptedFineTimestamp == nil {
		t.Errorf("legacy fine timestamp = %d %v", down.FineTimestampType, down.EncryptedFineTimestamp)
	}
	if !bytes.Equal(down.GatewayID, legacy.GatewayID) {
		t.Errorf("gateway id = %x", down.GatewayID)
	}
}

func TestUplinkRxInfoUpgradeMismatch(t *testing.T) {
	legacy := UplinkRxInfoLegacy{
		GatewayID:          []byte{1, 2, 3, 4, 5, 6, 7, 8},
		FineTimestampType:  FineTimestampPlain,
		PlainFineTimestamp: nil,
	}
	if _, err := UpgradeUplinkRxInfo(legacy); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant, got %v", err)
	}
}

func TestResolvePrefersCurrent(t *testing.T) {
	current := UplinkTxInfo{Frequency: 868300000, Modulation: testLoRa}
	legacy := UplinkTxInfoLegacy{Frequency: 868100000, Modulation: ModulationLoRa, LoRaModulationInfo: &testLoRa}

	got, err := Resolve(&legacy, &current, UpgradeUplinkTxInfo)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got.Frequency != current.Frequency {
		t.Errorf("frequency = %d, want current %d", got.Frequency, current.Frequency)
	}

	got, err = Resolve(&legacy, nil, UpgradeUplinkTxInfo)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got.Frequency != legacy.Frequency {
		t.Errorf("frequency = %d, want legacy %d", got.Frequency, legacy.Frequency)
	}

	if _, err := Resolve[UplinkTxInfoLegacy, UplinkTxInfo](nil, nil, UpgradeUplinkTxInfo); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

func TestDownlinkTxInfoJSON(t *testing.T) {
	in := DownlinkTxInfo{
		Frequency:  869525000,
		Power:      27,
		Modulation: FSKModulation{FrequencyDeviation: 25000, Datarate: 50000},
		Timing:     GPSEpoch(1234 * time.Second),
		Context:    []byte{1, 2, 3},
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var out DownlinkTxInfo
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if out.Modulation != in.Modulation || out.Timing != in.Timing || !bytes.Equal(out.Context, in.Context) {
		t.Errorf("decoded = %+v, want %+v", out, in)
	}

	if err := json.Unmarshal([]byte(`{"timing":{"immediately":{},"delay":{"delay":1}}}`), &out); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant, got %v", err)
	}
}

func TestDownlinkFrameProto(t *testing.T) {
	in := DownlinkFrame{
		DownlinkID: 7,
		GatewayID:  "0102030405060708",
		PHYPayload: []byte{0x60, 0x01, 0x02},
		TxInfo: DownlinkTxInfo{
			Frequency:  869525000,
			Power:      14,
			Modulation: testLoRa,
			Timing:     Delay(time.Second),
		},
	}

	b, err := in.MarshalProto()
	if err != nil {
		t.Fatalf("MarshalProto error: %v", err)
	}
	out, err := UnmarshalDownlinkFrameProto(b)
	if err != nil {
		t.Fatalf("UnmarshalDownlinkFrameProto error: %v", err)
	}
	if out.DownlinkID != in.DownlinkID || out.GatewayID != in.GatewayID || !bytes.Equal(out.PHYPayload, in.PHYPayload) {
		t.Errorf("frame = %+v, want %+v", out, in)
	}
	if out.TxInfo.Modulation != in.TxInfo.Modulation || out.TxInfo.Timing != in.TxInfo.Timing {
		t.Errorf("tx info = %+v, want %+v", out.TxInfo, in.TxInfo)
	}
}

func TestTxInfoRequiresVariants(t *testing.T) {
	tests := []struct {
		name string
		out  interface{}
		in   string
	}{
		{"uplink without modulation", &UplinkTxInfo{}, `{"frequency":868100000}`},
		{"uplink null modulation", &UplinkTxInfo{}, `{"frequency":868100000,"modulation":null}`},
		{"downlink empty", &DownlinkTxInfo{}, `{"frequency":1}`},
		{"downlink without timing", &DownlinkTxInfo{}, `{"frequency":1,"modulation":{"fsk":{"datarate":50000}}}`},
		{"downlink without modulation", &DownlinkTxInfo{}, `{"frequency":1,"timing":{"immediately":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := json.Unmarshal([]byte(tt.in), tt.out); !errors.Is(err, ErrInvalidVariant) {
				t.Errorf("expected ErrInvalidVariant, got %v", err)
			}
		})
	}

	var f UplinkFrame
	in := `{"phyPayload":"QA==","txInfo":{"frequency":868100000},"rxInfo":{"gatewayId":"0102030405060708"}}`
	if err := json.Unmarshal([]byte(in), &f); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("uplink frame: expected ErrInvalidVariant, got %v", err)
	}
}

func TestResolvedRejectsEmptyCurrentTxInfo(t *testing.T) {
	f := UplinkFrame{
		TxInfo:       &UplinkTxInfo{Frequency: 868100000},
		TxInfoLegacy: &UplinkTxInfoLegacy{Frequency: 868100000, Modulation: ModulationLoRa, LoRaModulationInfo: &testLoRa},
		RxInfo:       &UplinkRxInfo{GatewayID: "0102030405060708"},
	}
	if _, _, err := f.Resolved(); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant, got %v", err)
	}
}

func TestPointerVariantsRejected(t *testing.T) {
	if _, err := NewModulation(&testLoRa); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("NewModulation: expected ErrInvalidVariant, got %v", err)
	}
	if _, err := MarshalModulation(&FSKModulation{Datarate: 50000}); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("MarshalModulation: expected ErrInvalidVariant, got %v", err)
	}
	if _, err := NewTiming(&DelayTiming{Delay: time.Second}); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("NewTiming: expected ErrInvalidVariant, got %v", err)
	}

	tx := DownlinkTxInfo{Frequency: 869525000, Modulation: testLoRa, Timing: &ImmediatelyTiming{}}
	if err := tx.Validate(); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("Validate: expected ErrInvalidVariant, got %v", err)
	}
	if _, err := json.Marshal(tx); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("Marshal: expected ErrInvalidVariant, got %v", err)
	}

	if _, err := NewModulation(testLoRa); err != nil {
		t.Errorf("NewModulation value error: %v", err)
	}
	if _, err := NewTiming(Immediately()); err != nil {
		t.Errorf("NewTiming value error: %v", err)
	}
}

func TestFineTimestampPointerRejected(t *testing.T) {
	rx := UplinkRxInfo{GatewayID: "0102030405060708", FineTimestamp: &PlainFineTimestamp{Time: time.Unix(1, 0)}}
	if _, err := json.Marshal(rx); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("expected ErrInvalidVariant, got %v", err)
	}
}

package frame

import (
	"fmt"

	"github.com/chirpstack/chirpstack/api/go/v4/gw"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
)

var codeRateToProto = map[CodeRate]gw.CodeRate{
	CodeRate4_5: gw.CodeRate_CR_4_5,
	CodeRate4_6: gw.CodeRate_CR_4_6,
	CodeRate4_7: gw.CodeRate_CR_4_7,
	CodeRate4_8: gw.CodeRate_CR_4_8,
}

// ModulationToProto converts m to the gateway protobuf message.
func ModulationToProto(m Modulation) (*gw.Modulation, error) {
	switch v := m.(type) {
	case LoRaModulation:
		cr, ok := codeRateToProto[v.CodeRate]
		if !ok {
			return nil, fmt.Errorf("%w: lora code rate %q", ErrInvalidVariant, v.CodeRate)
		}
		return &gw.Modulation{
			Parameters: &gw.Modulation_Lora{
				Lora: &gw.LoraModulationInfo{
					Bandwidth:             v.Bandwidth,
					SpreadingFactor:       v.SpreadingFactor,
					CodeRate:              cr,
					PolarizationInversion: v.PolarizationInversion,
				},
			},
		}, nil
	case FSKModulation:
		return &gw.Modulation{
			Parameters: &gw.Modulation_Fsk{
				Fsk: &gw.FskModulationInfo{
					FrequencyDeviation: v.FrequencyDeviation,
					Datarate:           v.Datarate,
				},
			},
		}, nil
	case LRFHSSModulation:
		return &gw.Modulation{
			Parameters: &gw.Modulation_LrFhss{
				LrFhss: &gw.LrFhssModulationInfo{
					OperatingChannelWidth: v.OperatingChannelWidth,
					GridSteps:             v.GridSteps,
				},
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: modulation %T", ErrInvalidVariant, m)
	}
}

// ModulationFromProto converts the gateway protobuf message.
func ModulationFromProto(pb *gw.Modulation) (Modulation, error) {
	if pb == nil {
		return nil, fmt.Errorf("%w: modulation is not set", ErrInvalidVariant)
	}

	switch p := pb.GetParameters().(type) {
	case *gw.Modulation_Lora:
		var cr CodeRate
		for k, v := range codeRateToProto {
			if v == p.Lora.GetCodeRate() {
				cr = k
			}
		}
		return NewModulation(LoRaModulation{
			Bandwidth:             p.Lora.GetBandwidth(),
			SpreadingFactor:       p.Lora.GetSpreadingFactor(),
			CodeRate:              cr,
			PolarizationInversion: p.Lora.GetPolarizationInversion(),
		})
	case *gw.Modulation_Fsk:
		return NewModulation(FSKModulation{
			FrequencyDeviation: p.Fsk.GetFrequencyDeviation(),
			Datarate:           p.Fsk.GetDatarate(),
		})
	case *gw.Modulation_LrFhss:
		// the protobuf code rate enum carries no LR-FHSS rates
		return NewModulation(LRFHSSModulation{
			OperatingChannelWidth: p.LrFhss.GetOperatingChannelWidth(),
			CodeRate:              CodeRate1_3,
			GridSteps:             p.LrFhss.GetGridSteps(),
		})
	default:
		return nil, fmt.Errorf("%w: modulation has no variant set", ErrInvalidVariant)
	}
}

// TimingToProto converts t to the gateway protobuf message.
func TimingToProto(t Timing) (*gw.Timing, error) {
	switch v := t.(type) {
	case ImmediatelyTiming:
		return &gw.Timing{Parameters: &gw.Timing_Immediately{Immediately: &gw.ImmediatelyTimingInfo{}}}, nil
	case DelayTiming:
		return &gw.Timing{Parameters: &gw.Timing_Delay{Delay: &gw.DelayTimingInfo{
			Delay: durationpb.New(v.Delay),
		}}}, nil
	case GPSEpochTiming:
		return &gw.Timing{Parameters: &gw.Timing_GpsEpoch{GpsEpoch: &gw.GPSEpochTimingInfo{
			TimeSinceGpsEpoch: durationpb.New(v.TimeSinceGPSEpoch),
		}}}, nil
	default:
		return nil, fmt.Errorf("%w: timing %T", ErrInvalidVariant, t)
	}
}

// TimingFromProto converts the gateway protobuf message.
func TimingFromProto(pb *gw.Timing) (Timing, error) {
	if pb == nil {
		return nil, fmt.Errorf("%w: timing is not set", ErrInvalidVariant)
	}

	var t Timing
	switch p := pb.GetParameters().(type) {
	case *gw.Timing_Immediately:
		t = Immediately()
	case *gw.Timing_Delay:
		t = Delay(p.Delay.GetDelay().AsDuration())
	case *gw.Timing_GpsEpoch:
		t = GPSEpoch(p.GpsEpoch.GetTimeSinceGpsEpoch().AsDuration())
	default:
		return nil, fmt.Errorf("%w: timing has no variant set", ErrInvalidVariant)
	}
	return NewTiming(t)
}

// DownlinkTxInfoToProto converts t to the gateway protobuf message.
func DownlinkTxInfoToProto(t DownlinkTxInfo) (*gw.DownlinkTxInfo, error) {
	mod, err := ModulationToProto(t.Modulation)
	if err != nil {
		return nil, err
	}
	timing, err := TimingToProto(t.Timing)
	if err != nil {
		return nil, err
	}
	return &gw.DownlinkTxInfo{
		Frequency:  t.Frequency,
		Power:      t.Power,
		Modulation: mod,
		Board:      t.Board,
		Antenna:    t.Antenna,
		Timing:     timing,
		Context:    t.Context,
	}, nil
}

// DownlinkTxInfoFromProto converts the gateway protobuf message.
func DownlinkTxInfoFromProto(pb *gw.DownlinkTxInfo) (DownlinkTxInfo, error) {
	mod, err := ModulationFromProto(pb.GetModulation())
	if err != nil {
		return DownlinkTxInfo{}, err
	}
	timing, err := TimingFromProto(pb.GetTiming())
	if err != nil {
		return DownlinkTxInfo{}, err
	}
	return DownlinkTxInfo{
		Frequency:  pb.GetFrequency(),
		Power:      pb.GetPower(),
		Modulation: mod,
		Board:      pb.GetBoard(),
		Antenna:    pb.GetAntenna(),
		Timing:     timing,
		Context:    cloneBytes(pb.GetContext()),
	}, nil
}

// DownlinkFrame is a materialized downlink addressed to one gateway.
type DownlinkFrame struct {
	DownlinkID uint32         `json:"downlinkId"`
	GatewayID  string         `json:"gatewayId"`
	PHYPayload []byte         `json:"phyPayload"`
	TxInfo     DownlinkTxInfo `json:"txInfo"`
}

// MarshalProto encodes the frame as a gateway protobuf DownlinkFrame.
func (f DownlinkFrame) MarshalProto() ([]byte, error) {
	txInfo, err := DownlinkTxInfoToProto(f.TxInfo)
	if err != nil {
		return nil, err
	}
	pb := &gw.DownlinkFrame{
		DownlinkId: f.DownlinkID,
		GatewayId:  f.GatewayID,
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: f.PHYPayload,
				TxInfo:     txInfo,
			},
		},
	}
	return proto.Marshal(pb)
}

// UnmarshalDownlinkFrameProto decodes a gateway protobuf DownlinkFrame. Only
// the first item is used.
func UnmarshalDownlinkFrameProto(b []byte) (DownlinkFrame, error) {
	var pb gw.DownlinkFrame
	if err := proto.Unmarshal(b, &pb); err != nil {
		return DownlinkFrame{}, fmt.Errorf("unmarshal downlink frame: %w", err)
	}
	if len(pb.GetItems()) == 0 {
		return DownlinkFrame{}, fmt.Errorf("%w: downlink frame without items", ErrMissingField)
	}
	item := pb.GetItems()[0]
	txInfo, err := DownlinkTxInfoFromProto(item.GetTxInfo())
	if err != nil {
		return DownlinkFrame{}, err
	}
	return DownlinkFrame{
		DownlinkID: pb.GetDownlinkId(),
		GatewayID:  pb.GetGatewayId(),
		PHYPayload: cloneBytes(item.GetPhyPayload()),
		TxInfo:     txInfo,
	}, nil
}

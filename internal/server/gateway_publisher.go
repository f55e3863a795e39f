package server

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/framelog"
)

// GatewayPublisher sends downlink frames to gateway bridges as protobuf on
// gateway.<gateway_id>.tx and records them in the frame log.
type GatewayPublisher struct {
	nc       *nats.Conn
	frameLog framelog.Sink
}

// NewGatewayPublisher creates a gateway publisher. frameLog may be nil.
func NewGatewayPublisher(nc *nats.Conn, frameLog framelog.Sink) *GatewayPublisher {
	return &GatewayPublisher{nc: nc, frameLog: frameLog}
}

// GatewaySubject returns the subject of a gateway's downlinks.
func GatewaySubject(gatewayID string) string {
	return fmt.Sprintf("gateway.%s.tx", gatewayID)
}

// PublishDownlinkFrame implements multicast.FramePublisher.
func (p *GatewayPublisher) PublishDownlinkFrame(ctx context.Context, f frame.DownlinkFrame) error {
	data, err := f.MarshalProto()
	if err != nil {
		return fmt.Errorf("marshal downlink frame: %w", err)
	}
	if err := p.nc.Publish(GatewaySubject(f.GatewayID), data); err != nil {
		return fmt.Errorf("publish downlink frame: %w", err)
	}

	if p.frameLog != nil {
		// multicast frames never carry FOpts
		l, err := framelog.AssembleDownlink(f, nil, true, false)
		if err != nil {
			log.Warn().Err(err).Str("gatewayId", f.GatewayID).Msg("assemble frame log failed")
			return nil
		}
		if err := p.frameLog.Publish(ctx, l); err != nil {
			log.Warn().Err(err).Str("gatewayId", f.GatewayID).Msg("publish frame log failed")
		}
	}
	return nil
}

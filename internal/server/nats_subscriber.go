package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/downlink"
	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/framelog"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/multicast"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Subjects handled by the subscriber
const (
	SubjectDeviceTx    = "ns.device.*.tx"
	SubjectDeviceAck   = "ns.device.*.ack"
	SubjectMulticastTx = "ns.multicast.*.tx"
	SubjectGatewayRx   = "gateway.*.rx"
)

// DeviceDownlink is the body of ns.device.<dev_eui>.tx
type DeviceDownlink struct {
	FPort       uint8            `json:"fPort"`
	Data        []byte           `json:"data,omitempty"`
	Object      models.Variables `json:"object,omitempty"`
	Confirmed   bool             `json:"confirmed"`
	IsEncrypted bool             `json:"isEncrypted"`
	FCntDown    *uint32          `json:"fCntDown,omitempty"`
}

// MulticastDownlink is the body of ns.multicast.<group_id>.tx
type MulticastDownlink struct {
	FPort uint8  `json:"fPort"`
	Data  []byte `json:"data"`
}

// Reply is sent back when a request carries a reply subject.
type Reply struct {
	ID    string `json:"id,omitempty"`
	FCnt  uint32 `json:"fCnt,omitempty"`
	Acked bool   `json:"acked,omitempty"`
	Error string `json:"error,omitempty"`
}

// NATSSubscriber NATS subscriber
type NATSSubscriber struct {
	nc        *nats.Conn
	queue     *downlink.Queue
	scheduler *multicast.Scheduler
	frameLog  framelog.Sink
	subs      []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber. frameLog may be nil.
func NewNATSSubscriber(nc *nats.Conn, queue *downlink.Queue, scheduler *multicast.Scheduler, frameLog framelog.Sink) *NATSSubscriber {
	return &NATSSubscriber{
		nc:        nc,
		queue:     queue,
		scheduler: scheduler,
		frameLog:  frameLog,
		subs:      make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx is done.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, string, []byte) (*Reply, error){
		SubjectDeviceTx:    s.handleDeviceDownlink,
		SubjectDeviceAck:   s.handleDownlinkAck,
		SubjectMulticastTx: s.handleMulticastDownlink,
		SubjectGatewayRx:   s.handleUplinkFrame,
	}

	for subject, h := range handlers {
		h := h
		sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
			s.dispatch(ctx, msg, h)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

func (s *NATSSubscriber) dispatch(ctx context.Context, msg *nats.Msg, h func(context.Context, string, []byte) (*Reply, error)) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("message received")

	reply, err := h(ctx, msg.Subject, msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("handle message failed")
		reply = &Reply{Error: err.Error()}
	}

	if msg.Reply == "" || reply == nil {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("marshal reply failed")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("respond failed")
	}
}

// subjectToken returns the i-th token of a subject.
func subjectToken(subject string, i int) (string, error) {
	parts := strings.Split(subject, ".")
	if i >= len(parts) {
		return "", fmt.Errorf("subject %q has no token %d", subject, i)
	}
	return parts[i], nil
}

func subjectDevEUI(subject string) (lorawan.EUI64, error) {
	tok, err := subjectToken(subject, 2)
	if err != nil {
		return lorawan.EUI64{}, err
	}
	return lorawan.ParseEUI64(tok)
}

func (s *NATSSubscriber) handleDeviceDownlink(ctx context.Context, subject string, data []byte) (*Reply, error) {
	devEUI, err := subjectDevEUI(subject)
	if err != nil {
		return nil, err
	}

	var req DeviceDownlink
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal device downlink: %w", err)
	}

	id, err := s.queue.Enqueue(ctx, &models.DeviceQueueItem{
		DevEUI:      devEUI,
		FPort:       req.FPort,
		Data:        req.Data,
		Object:      req.Object,
		Confirmed:   req.Confirmed,
		IsEncrypted: req.IsEncrypted,
		FCntDown:    req.FCntDown,
	})
	if err != nil {
		return nil, err
	}
	return &Reply{ID: id.String()}, nil
}

func (s *NATSSubscriber) handleDownlinkAck(ctx context.Context, subject string, data []byte) (*Reply, error) {
	devEUI, err := subjectDevEUI(subject)
	if err != nil {
		return nil, err
	}

	var ack struct {
		FCnt uint32 `json:"fCnt"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal downlink ack: %w", err)
	}

	acked, err := s.queue.Acknowledge(ctx, devEUI, ack.FCnt)
	if err != nil {
		return nil, err
	}
	return &Reply{FCnt: ack.FCnt, Acked: acked}, nil
}

func (s *NATSSubscriber) handleMulticastDownlink(ctx context.Context, subject string, data []byte) (*Reply, error) {
	tok, err := subjectToken(subject, 2)
	if err != nil {
		return nil, err
	}
	groupID, err := uuid.Parse(tok)
	if err != nil {
		return nil, fmt.Errorf("parse multicast group id: %w", err)
	}

	var req MulticastDownlink
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal multicast downlink: %w", err)
	}

	item := &models.MulticastGroupQueueItem{FPort: req.FPort, Data: req.Data}
	fCnt, err := s.scheduler.EnqueueMulticast(ctx, groupID, item)
	if err != nil {
		return nil, err
	}
	return &Reply{ID: item.ID.String(), FCnt: fCnt}, nil
}

// handleUplinkFrame logs an uplink as received from a gateway bridge. Both
// the legacy and the current metadata representation are accepted.
func (s *NATSSubscriber) handleUplinkFrame(ctx context.Context, subject string, data []byte) (*Reply, error) {
	if s.frameLog == nil {
		return nil, nil
	}

	var up frame.UplinkFrame
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("unmarshal uplink frame: %w", err)
	}
	txInfo, rxInfo, err := up.Resolved()
	if err != nil {
		return nil, err
	}

	l, err := framelog.AssembleUplink(up.PHYPayload, txInfo, []frame.UplinkRxInfo{rxInfo}, nil, false, false)
	if err != nil {
		return nil, err
	}
	return nil, s.frameLog.Publish(ctx, l)
}

// Package multicast manages multicast groups, their shared downlink counter
// and the fan-out of group downlinks to gateways.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brocaar/lorawan/gps"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/downlink"
	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/keylock"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
	"github.com/lorawan-server/lorawan-ns-core/internal/validation"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	ErrGroupNotFound   = errs.New(errs.ErrNotFound, "multicast group not found")
	ErrDeviceNotFound  = errs.New(errs.ErrNotFound, "device not found")
	ErrInvalidGroup    = errs.New(errs.ErrValidation, "invalid multicast group")
	ErrInvalidFPort    = errs.New(errs.ErrValidation, "f_port must be between 1 and 255")
	ErrPayloadTooLarge = errs.New(errs.ErrValidation, "payload exceeds max payload size")
	ErrFCntExhausted   = errs.New(errs.ErrConflict, "multicast frame counter exhausted")
)

// FramePublisher sends a downlink frame to its gateway.
type FramePublisher interface {
	PublishDownlinkFrame(ctx context.Context, f frame.DownlinkFrame) error
}

// Scheduler owns the multicast groups and their queues.
type Scheduler struct {
	store     storage.Store
	validator *validation.Validator
	planner   Planner
	sizer     downlink.PayloadSizer
	dataRates []config.DataRateConfig
	txPower   int32
	publisher FramePublisher

	// gpsNow returns the current time since the GPS epoch
	gpsNow func() time.Duration

	locks      keylock.Map[uuid.UUID]
	downlinkID atomic.Uint32

	mu       sync.Mutex
	lastEmit map[uuid.UUID]time.Duration
}

// NewScheduler creates a multicast scheduler
func NewScheduler(store storage.Store, cfg config.MulticastConfig, dataRates []config.DataRateConfig) *Scheduler {
	return &Scheduler{
		store:     store,
		validator: validation.NewValidator(),
		planner: Planner{
			ClassCDelay: cfg.ClassCDelay,
			Margin:      cfg.SchedulingMargin,
			MinInterval: cfg.MinInterval,
		},
		sizer:     downlink.NewDRTable(dataRates),
		dataRates: dataRates,
		txPower:   cfg.TxPower,
		gpsNow: func() time.Duration {
			return gps.Time(time.Now()).TimeSinceGPSEpoch()
		},
		lastEmit: make(map[uuid.UUID]time.Duration),
	}
}

// SetFramePublisher sets where dispatched frames are sent.
func (s *Scheduler) SetFramePublisher(p FramePublisher) {
	s.publisher = p
}

// EnqueueMulticast stamps the item with the current group counter, annotates
// it with its timing and stores it. The group row stays locked until the
// counter is advanced and the item stored, so no two items of a group share
// an f_cnt.
func (s *Scheduler) EnqueueMulticast(ctx context.Context, groupID uuid.UUID, item *models.MulticastGroupQueueItem) (uint32, error) {
	if item.FPort == 0 {
		return 0, ErrInvalidFPort
	}

	unlock := s.locks.Lock(groupID)
	defer unlock()

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	group, err := tx.LockMulticastGroup(ctx, groupID)
	if err != nil {
		return 0, mapGroupError(err)
	}
	if limit := s.sizer.MaxPayloadSize(group.DR); len(item.Data) > limit {
		return 0, fmt.Errorf("%w: %d > %d bytes at dr %d", ErrPayloadTooLarge, len(item.Data), limit, group.DR)
	}
	if group.FCnt == math.MaxUint32 {
		return 0, ErrFCntExhausted
	}

	fCnt, err := tx.IncrementMulticastFCnt(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("increment multicast f_cnt: %w", err)
	}

	lastEmit, err := s.lastEmitAt(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	timing, emitAt, err := s.planner.Plan(group, s.gpsNow(), lastEmit)
	if err != nil {
		return 0, err
	}

	item.ID = uuid.New()
	item.MulticastGroupID = groupID
	item.FCnt = fCnt
	item.Timing = timing
	item.EmitAt = emitAt
	item.CreatedAt = time.Now()

	if err := tx.CreateMulticastQueueItem(ctx, item); err != nil {
		return 0, fmt.Errorf("create multicast queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	if emitAt != nil {
		s.mu.Lock()
		s.lastEmit[groupID] = *emitAt
		s.mu.Unlock()
	}

	ev := log.Info().
		Str("multicastGroupId", groupID.String()).
		Str("mcAddr", group.MCAddr.String()).
		Uint32("fCnt", fCnt).
		Uint8("fPort", item.FPort).
		Str("timing", string(timing.Kind()))
	if emitAt != nil {
		ev = ev.Dur("emitAt", *emitAt)
	}
	ev.Msg("multicast downlink enqueued")

	return fCnt, nil
}

// lastEmitAt returns the latest GPS emission time known for the group, from
// its queue or from items already dispatched.
func (s *Scheduler) lastEmitAt(ctx context.Context, tx storage.Store, groupID uuid.UUID) (*time.Duration, error) {
	items, err := tx.GetMulticastQueueItems(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get multicast queue items: %w", err)
	}

	var last *time.Duration
	s.mu.Lock()
	if d, ok := s.lastEmit[groupID]; ok {
		last = &d
	}
	s.mu.Unlock()

	for _, item := range items {
		if item.EmitAt != nil && (last == nil || *item.EmitAt > *last) {
			d := *item.EmitAt
			last = &d
		}
	}
	return last, nil
}

// FlushMulticastQueue deletes the queue of a group. The counter is kept.
func (s *Scheduler) FlushMulticastQueue(ctx context.Context, groupID uuid.UUID) (int64, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(groupID)
	defer unlock()

	n, err := s.store.FlushMulticastQueue(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("flush multicast queue: %w", err)
	}

	s.mu.Lock()
	delete(s.lastEmit, groupID)
	s.mu.Unlock()

	log.Info().Str("multicastGroupId", groupID.String()).Int64("items", n).Msg("multicast queue flushed")
	return n, nil
}

// ListQueue returns the queue of a group in f_cnt order.
func (s *Scheduler) ListQueue(ctx context.Context, groupID uuid.UUID) ([]*models.MulticastGroupQueueItem, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	items, err := s.store.GetMulticastQueueItems(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get multicast queue items: %w", err)
	}
	return items, nil
}

func mapGroupError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrGroupNotFound
	}
	return fmt.Errorf("get multicast group: %w", err)
}

// modulation returns the modulation of a data rate of the channel plan.
func (s *Scheduler) modulation(dr uint8) (frame.Modulation, error) {
	if int(dr) >= len(s.dataRates) {
		return nil, fmt.Errorf("%w: unknown dr %d", ErrInvalidGroup, dr)
	}

	rate := s.dataRates[dr]
	switch rate.Modulation {
	case "LORA":
		return frame.LoRaModulation{
			Bandwidth:             rate.Bandwidth,
			SpreadingFactor:       rate.SpreadingFactor,
			CodeRate:              frame.CodeRate4_5,
			PolarizationInversion: true,
		}, nil
	case "FSK":
		return frame.FSKModulation{
			Datarate:           rate.Bitrate,
			FrequencyDeviation: rate.Bitrate / 2,
		}, nil
	}
	return nil, fmt.Errorf("%w: dr %d has modulation %q", ErrInvalidGroup, dr, rate.Modulation)
}

// groupPayload builds the PHYPayload of a queue item. Multicast frames are
// always unconfirmed and use the LoRaWAN 1.0 MIC with McNwkSKey.
func groupPayload(g *models.MulticastGroup, item *models.MulticastGroupQueueItem) ([]byte, error) {
	fPort := item.FPort
	phy, err := lorawan.DataDown{
		Major:   lorawan.LoRaWAN1_0,
		DevAddr: g.MCAddr,
		FCnt:    item.FCnt,
		FPort:   &fPort,
		Payload: item.Data,
		EncKey:  g.MCAppSKey,
		MICKey:  g.MCNwkSKey,
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("build multicast downlink: %w", err)
	}
	return phy.MarshalBinary()
}

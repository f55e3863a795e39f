package multicast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brocaar/lorawan/gps"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ErrNoPublisher is returned by DispatchDue when no FramePublisher is set.
var ErrNoPublisher = errors.New("no frame publisher")

// Run dispatches due items every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("multicast dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("multicast dispatcher stopped")
			return
		case now := <-ticker.C:
			if _, err := s.DispatchDue(ctx, now); err != nil {
				log.Error().Err(err).Msg("dispatch multicast queue failed")
			}
		}
	}
}

// DispatchDue sends the items that are due at now and returns how many were
// sent. A delay timed group sends at most one item per call. A GPS timed
// item is due once its emission time is within the scheduling margin, and
// dropped once that time has passed. Items leave the queue before they are
// sent, so a failed send is not retried.
func (s *Scheduler) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	if s.publisher == nil {
		return 0, ErrNoPublisher
	}

	groups, err := s.store.ListMulticastGroups(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("list multicast groups: %w", err)
	}

	gpsNow := gps.Time(now).TimeSinceGPSEpoch()
	sent := 0
	for _, g := range groups {
		n, err := s.dispatchGroup(ctx, g, gpsNow)
		if err != nil {
			log.Error().Err(err).Str("multicastGroupId", g.ID.String()).Msg("dispatch multicast group failed")
		}
		sent += n
	}
	return sent, nil
}

func (s *Scheduler) dispatchGroup(ctx context.Context, g *models.MulticastGroup, gpsNow time.Duration) (int, error) {
	unlock := s.locks.Lock(g.ID)
	defer unlock()

	due, err := s.popDue(ctx, g.ID, gpsNow)
	if err != nil || len(due) == 0 {
		return 0, err
	}

	gateways, err := s.store.ListMulticastGroupGateways(ctx, g.ID)
	if err != nil {
		return 0, fmt.Errorf("list multicast group gateways: %w", err)
	}

	sent := 0
	for _, item := range due {
		if err := s.send(ctx, g, item, gateways); err != nil {
			log.Error().Err(err).
				Str("multicastGroupId", g.ID.String()).
				Uint32("fCnt", item.FCnt).
				Msg("send multicast downlink failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// popDue removes the due items of a group from its queue, holding the group
// row until they are gone. GPS timed items whose emission time has passed
// are dropped.
func (s *Scheduler) popDue(ctx context.Context, groupID uuid.UUID, gpsNow time.Duration) ([]*models.MulticastGroupQueueItem, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.LockMulticastGroup(ctx, groupID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock multicast group: %w", err)
	}

	items, err := tx.GetMulticastQueueItems(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get multicast queue items: %w", err)
	}

	var due []*models.MulticastGroupQueueItem
	for _, item := range items {
		if item.Timing == nil {
			return nil, fmt.Errorf("multicast queue item %s has no timing", item.ID)
		}
		if item.Timing.Kind() == frame.TimingDelay && len(due) > 0 {
			break
		}
		if item.EmitAt != nil && *item.EmitAt > gpsNow+s.planner.Margin {
			break
		}

		if err := tx.DeleteMulticastQueueItem(ctx, item.ID); err != nil {
			return nil, fmt.Errorf("delete multicast queue item: %w", err)
		}
		if item.EmitAt != nil && *item.EmitAt < gpsNow {
			log.Warn().
				Str("multicastGroupId", groupID.String()).
				Uint32("fCnt", item.FCnt).
				Dur("emitAt", *item.EmitAt).
				Dur("late", gpsNow-*item.EmitAt).
				Msg("multicast emission time passed, item dropped")
			continue
		}
		due = append(due, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return due, nil
}

// send fans one item out as a frame per gateway. Publish errors are logged;
// the item counts as sent.
func (s *Scheduler) send(ctx context.Context, g *models.MulticastGroup, item *models.MulticastGroupQueueItem, gateways []lorawan.EUI64) error {
	if len(gateways) == 0 {
		log.Warn().
			Str("multicastGroupId", g.ID.String()).
			Uint32("fCnt", item.FCnt).
			Msg("multicast group has no gateways, item dropped")
		return nil
	}

	phy, err := groupPayload(g, item)
	if err != nil {
		return err
	}
	mod, err := s.modulation(g.DR)
	if err != nil {
		return err
	}

	for _, gatewayID := range gateways {
		f := frame.DownlinkFrame{
			DownlinkID: s.downlinkID.Add(1),
			GatewayID:  gatewayID.String(),
			PHYPayload: phy,
			TxInfo: frame.DownlinkTxInfo{
				Frequency:  g.Frequency,
				Power:      s.txPower,
				Modulation: mod,
				Timing:     item.Timing,
			},
		}
		if err := s.publisher.PublishDownlinkFrame(ctx, f); err != nil {
			log.Error().Err(err).
				Str("multicastGroupId", g.ID.String()).
				Str("gatewayId", f.GatewayID).
				Uint32("fCnt", item.FCnt).
				Msg("publish multicast frame failed")
		}
	}

	log.Info().
		Str("multicastGroupId", g.ID.String()).
		Uint32("fCnt", item.FCnt).
		Int("gateways", len(gateways)).
		Msg("multicast downlink dispatched")
	return nil
}

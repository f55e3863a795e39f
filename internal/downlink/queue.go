// Package downlink keeps the per-device downlink queue and turns queued
// items into PHYPayloads.
package downlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/framelog"
	"github.com/lorawan-server/lorawan-ns-core/internal/keylock"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/session"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	ErrInvalidPayload    = errs.New(errs.ErrValidation, "exactly one of data and object must be set")
	ErrInvalidFPort      = errs.New(errs.ErrValidation, "invalid f_port")
	ErrPayloadTooLarge   = errs.New(errs.ErrValidation, "payload exceeds max payload size")
	ErrMissingFCntDown   = errs.New(errs.ErrValidation, "encrypted item needs f_cnt_down")
	ErrObjectUnsupported = errs.New(errs.ErrUnsupported, "object payloads need a codec")

	// ErrQueueEmpty means no item is eligible for transmission.
	ErrQueueEmpty = errors.New("queue is empty")
)

// ObjectEncoder turns a structured payload into bytes for a device.
type ObjectEncoder interface {
	EncodeObject(ctx context.Context, devEUI lorawan.EUI64, fPort uint8, obj models.Variables) ([]byte, error)
}

// DownlinkFrame is a dequeued item ready for transmission.
type DownlinkFrame struct {
	Item       models.DeviceQueueItem `json:"item"`
	DevAddr    lorawan.DevAddr        `json:"devAddr"`
	FCnt       uint32                 `json:"fCnt"`
	PHYPayload []byte                 `json:"phyPayload"`

	frameLog *framelog.FrameLog
}

// ListResult is the outcome of List. Items is nil for count-only listings.
type ListResult struct {
	Count int                       `json:"count"`
	Items []*models.DeviceQueueItem `json:"items,omitempty"`
}

// Queue is the downlink queue of all devices.
type Queue struct {
	store    storage.Store
	sessions *session.Manager
	sizer    PayloadSizer
	encoder  ObjectEncoder
	frameLog framelog.Sink

	confirmedTimeout time.Duration
	now              func() time.Time

	locks keylock.Map[lorawan.EUI64]
}

// NewQueue creates a downlink queue
func NewQueue(store storage.Store, sessions *session.Manager, sizer PayloadSizer, cfg config.NetworkConfig) *Queue {
	timeout := cfg.ConfirmedTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Queue{
		store:            store,
		sessions:         sessions,
		sizer:            sizer,
		confirmedTimeout: timeout,
		now:              time.Now,
	}
}

// SetObjectEncoder sets the codec used for object payloads.
func (q *Queue) SetObjectEncoder(enc ObjectEncoder) {
	q.encoder = enc
}

// SetFrameLog sets the sink every dequeued frame is logged to.
func (q *Queue) SetFrameLog(sink framelog.Sink) {
	q.frameLog = sink
}

// Enqueue validates an item and appends it to the queue of its device. No
// frame counter is assigned, unless the item was encrypted by the caller.
func (q *Queue) Enqueue(ctx context.Context, item *models.DeviceQueueItem) (uuid.UUID, error) {
	if (item.Data != nil) == (item.Object != nil) {
		return uuid.Nil, ErrInvalidPayload
	}
	if item.FPort == 0 && item.Object != nil {
		return uuid.Nil, fmt.Errorf("%w: f_port 0 carries mac commands only", ErrInvalidFPort)
	}
	if item.IsEncrypted && item.FCntDown == nil {
		return uuid.Nil, ErrMissingFCntDown
	}

	if _, err := q.sessions.GetDevice(ctx, item.DevEUI); err != nil {
		return uuid.Nil, err
	}

	if item.Object != nil {
		if q.encoder == nil {
			return uuid.Nil, ErrObjectUnsupported
		}
		data, err := q.encoder.EncodeObject(ctx, item.DevEUI, item.FPort, item.Object)
		if err != nil {
			return uuid.Nil, fmt.Errorf("encode object: %w", err)
		}
		item.Data = data
	}

	var dr uint8
	ds, err := q.sessions.GetSession(ctx, item.DevEUI)
	switch {
	case err == nil:
		dr = ds.DR
	case errors.Is(err, session.ErrNoSession):
	default:
		return uuid.Nil, err
	}
	if limit := q.sizer.MaxPayloadSize(dr); len(item.Data) > limit {
		return uuid.Nil, fmt.Errorf("%w: %d > %d bytes at dr %d", ErrPayloadTooLarge, len(item.Data), limit, dr)
	}

	item.ID = uuid.New()
	item.IsPending = false
	item.TimeoutAfter = nil
	item.CreatedAt = q.now()
	if !item.IsEncrypted {
		item.FCntDown = nil
	}

	unlock := q.locks.Lock(item.DevEUI)
	defer unlock()

	if err := q.store.CreateDeviceQueueItem(ctx, item); err != nil {
		return uuid.Nil, fmt.Errorf("create queue item: %w", err)
	}

	log.Info().
		Str("devEUI", item.DevEUI.String()).
		Str("id", item.ID.String()).
		Uint8("fPort", item.FPort).
		Bool("confirmed", item.Confirmed).
		Int("dataLen", len(item.Data)).
		Msg("downlink enqueued")

	return item.ID, nil
}

// Dequeue returns the oldest eligible item of a device as a ready-to-send
// frame. While a confirmed item waits for its ACK nothing else is eligible.
func (q *Queue) Dequeue(ctx context.Context, devEUI lorawan.EUI64) (*DownlinkFrame, error) {
	unlock := q.locks.Lock(devEUI)
	defer unlock()

	tx, err := q.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.LockDeviceQueue(ctx, devEUI); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, session.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("lock device queue: %w", err)
	}

	items, err := tx.GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		return nil, fmt.Errorf("get queue items: %w", err)
	}

	now := q.now()
	var next *models.DeviceQueueItem
	blocked := false
	for _, item := range items {
		if !item.IsPending {
			next = item
			break
		}
		if item.TimeoutAfter != nil && now.After(*item.TimeoutAfter) {
			if err := tx.DeleteDeviceQueueItem(ctx, item.ID); err != nil {
				return nil, fmt.Errorf("delete queue item: %w", err)
			}
			log.Warn().
				Str("devEUI", devEUI.String()).
				Str("id", item.ID.String()).
				Uint32("fCnt", derefFCnt(item.FCntDown)).
				Msg("confirmed downlink not acknowledged")
			continue
		}
		blocked = true
		break
	}

	if next == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		if blocked {
			log.Debug().Str("devEUI", devEUI.String()).Msg("confirmed downlink pending")
		}
		return nil, ErrQueueEmpty
	}

	out, err := q.materialize(ctx, next)
	if err != nil {
		return nil, err
	}

	if next.Confirmed {
		timeout := now.Add(q.confirmedTimeout)
		next.TimeoutAfter = &timeout
		if err := tx.UpdateDeviceQueueItem(ctx, next); err != nil {
			return nil, fmt.Errorf("update queue item: %w", err)
		}
	} else if err := tx.DeleteDeviceQueueItem(ctx, next.ID); err != nil {
		return nil, fmt.Errorf("delete queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	log.Info().
		Str("devEUI", devEUI.String()).
		Str("id", next.ID.String()).
		Str("devAddr", out.DevAddr.String()).
		Uint32("fCnt", out.FCnt).
		Uint8("fPort", next.FPort).
		Bool("confirmed", next.Confirmed).
		Msg("downlink dequeued")

	if out.frameLog != nil {
		if err := q.frameLog.Publish(ctx, out.frameLog); err != nil {
			log.Warn().Err(err).Str("devEUI", devEUI.String()).Msg("publish frame log failed")
		}
		out.frameLog = nil
	}

	out.Item = next.Clone()
	return out, nil
}

// materialize assigns the frame counter and builds the PHYPayload. The item
// is marked pending and encrypted, with Data holding the FRMPayload
// ciphertext.
func (q *Queue) materialize(ctx context.Context, item *models.DeviceQueueItem) (*DownlinkFrame, error) {
	var ds *models.DeviceSession
	var fCnt uint32
	var err error

	if item.IsEncrypted {
		if ds, err = q.sessions.GetSession(ctx, item.DevEUI); err != nil {
			return nil, err
		}
		fCnt = *item.FCntDown
	} else if ds, fCnt, err = q.sessions.AllocateFCntDown(ctx, item.DevEUI, item.FPort); err != nil {
		return nil, err
	}

	encKey := ds.Keys.AppSKey
	if item.FPort == 0 {
		encKey = ds.Keys.NwkSEncKey
	}
	fPort := item.FPort

	phy, err := lorawan.DataDown{
		Major:     ds.MACVersion.Major(),
		Confirmed: item.Confirmed,
		DevAddr:   ds.DevAddr,
		FCnt:      fCnt,
		FPort:     &fPort,
		Payload:   item.Data,
		Encrypted: item.IsEncrypted,
		EncKey:    encKey,
		MICKey:    ds.Keys.SNwkSIntKey,
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("build downlink: %w", err)
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal downlink: %w", err)
	}
	mac, err := phy.DecodeMACPayload()
	if err != nil {
		return nil, fmt.Errorf("decode downlink: %w", err)
	}

	out := &DownlinkFrame{DevAddr: ds.DevAddr, FCnt: fCnt, PHYPayload: b}
	if q.frameLog != nil {
		if out.frameLog, err = assembleFrameLog(item.DevEUI, *phy, fCnt, item.FPort, ds.Keys.NwkSEncKey); err != nil {
			log.Warn().Err(err).Str("devEUI", item.DevEUI.String()).Msg("assemble frame log failed")
		}
	}

	item.Data = mac.FRMPayload
	item.FCntDown = &fCnt
	item.IsEncrypted = true
	item.IsPending = true

	return out, nil
}

// assembleFrameLog logs FOpts in the clear, as the network server builds
// them. Only f_port 0 payloads are decrypted; application payloads stay
// under the AppSKey.
func assembleFrameLog(devEUI lorawan.EUI64, phy lorawan.PHYPayload, fCnt uint32, fPort uint8, nwkSEncKey lorawan.AES128Key) (*framelog.FrameLog, error) {
	macCommands := fPort == 0
	if macCommands {
		if err := phy.DecryptFRMPayload(fCnt, nwkSEncKey); err != nil {
			return nil, err
		}
	}
	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return framelog.AssembleDownlink(frame.DownlinkFrame{PHYPayload: b}, &devEUI, true, macCommands)
}

// Acknowledge removes the pending item sent with fCntDown. An ACK without a
// matching item is logged and reported as false.
func (q *Queue) Acknowledge(ctx context.Context, devEUI lorawan.EUI64, fCntDown uint32) (bool, error) {
	unlock := q.locks.Lock(devEUI)
	defer unlock()

	items, err := q.store.GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		return false, fmt.Errorf("get queue items: %w", err)
	}

	for _, item := range items {
		if !item.IsPending || item.FCntDown == nil || *item.FCntDown != fCntDown {
			continue
		}
		if err := q.store.DeleteDeviceQueueItem(ctx, item.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			return false, fmt.Errorf("delete queue item: %w", err)
		}
		log.Info().
			Str("devEUI", devEUI.String()).
			Str("id", item.ID.String()).
			Uint32("fCnt", fCntDown).
			Msg("downlink acknowledged")
		return true, nil
	}

	log.Warn().
		Str("devEUI", devEUI.String()).
		Uint32("fCnt", fCntDown).
		Msg("acknowledgement without pending downlink")
	return false, nil
}

// Flush deletes every queued item of a device. Frame counters are not
// touched.
func (q *Queue) Flush(ctx context.Context, devEUI lorawan.EUI64) (int64, error) {
	if _, err := q.sessions.GetDevice(ctx, devEUI); err != nil {
		return 0, err
	}

	unlock := q.locks.Lock(devEUI)
	defer unlock()

	n, err := q.store.FlushDeviceQueue(ctx, devEUI)
	if err != nil {
		return 0, fmt.Errorf("flush device queue: %w", err)
	}

	log.Info().Str("devEUI", devEUI.String()).Int64("items", n).Msg("device queue flushed")
	return n, nil
}

// List returns the queue of a device. With countOnly only the length is
// read.
func (q *Queue) List(ctx context.Context, devEUI lorawan.EUI64, countOnly bool) (*ListResult, error) {
	if _, err := q.sessions.GetDevice(ctx, devEUI); err != nil {
		return nil, err
	}

	if countOnly {
		n, err := q.store.CountDeviceQueueItems(ctx, devEUI)
		if err != nil {
			return nil, fmt.Errorf("count queue items: %w", err)
		}
		return &ListResult{Count: n}, nil
	}

	items, err := q.store.GetDeviceQueueItems(ctx, devEUI)
	if err != nil {
		return nil, fmt.Errorf("get queue items: %w", err)
	}
	return &ListResult{Count: len(items), Items: items}, nil
}

func derefFCnt(f *uint32) uint32 {
	if f == nil {
		return 0
	}
	return *f
}

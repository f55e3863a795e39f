// Package session owns device sessions and hands out downlink frame
// counters.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/keyenvelope"
	"github.com/lorawan-server/lorawan-ns-core/internal/keylock"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
	"github.com/lorawan-server/lorawan-ns-core/internal/validation"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	ErrInvalidSession        = errs.New(errs.ErrValidation, "invalid session")
	ErrNoSession             = errs.New(errs.ErrNotFound, "device has no session")
	ErrDeviceNotFound        = errs.New(errs.ErrNotFound, "device does not exist")
	ErrDeviceProfileNotFound = errs.New(errs.ErrNotFound, "device profile does not exist")
	ErrFCntExhausted         = errs.New(errs.ErrConflict, "downlink frame counter exhausted")
)

// QueueFlusher removes every queued downlink of a device.
type QueueFlusher interface {
	Flush(ctx context.Context, devEUI lorawan.EUI64) (int64, error)
}

// ActivationPublisher delivers activation events to the application layer.
type ActivationPublisher interface {
	PublishActivation(ctx context.Context, ev ActivationEvent) error
}

// ActivationEvent tells the application layer about a new session. The
// AppSKey is wrapped under the configured KEK.
type ActivationEvent struct {
	DevEUI        lorawan.EUI64        `json:"devEui"`
	ApplicationID uuid.UUID            `json:"applicationId"`
	DevAddr       lorawan.DevAddr      `json:"devAddr"`
	MACVersion    models.MACVersion    `json:"macVersion"`
	AppSKey       keyenvelope.Envelope `json:"appSKey"`
	FCntUp        uint32               `json:"fCntUp"`
	NFCntDown     uint32               `json:"nFCntDown"`
	AFCntDown     uint32               `json:"aFCntDown"`
	Time          time.Time            `json:"time"`
}

// ActivateRequest carries the state of a new session. Counters start at the
// given values.
type ActivateRequest struct {
	DevEUI     lorawan.EUI64      `json:"devEui"`
	DevAddr    lorawan.DevAddr    `json:"devAddr"`
	MACVersion models.MACVersion  `json:"macVersion"`
	Keys       models.SessionKeys `json:"keys"`
	FCntUp     uint32             `json:"fCntUp"`
	NFCntDown  uint32             `json:"nFCntDown"`
	AFCntDown  uint32             `json:"aFCntDown"`
	DR         uint8              `json:"dr"`
}

// Activation is a session as handed to the application layer.
type Activation struct {
	DevEUI      lorawan.EUI64        `json:"devEui"`
	DevAddr     lorawan.DevAddr      `json:"devAddr"`
	MACVersion  models.MACVersion    `json:"macVersion"`
	AppSKey     keyenvelope.Envelope `json:"appSKey"`
	NwkSEncKey  keyenvelope.Envelope `json:"nwkSEncKey"`
	SNwkSIntKey keyenvelope.Envelope `json:"sNwkSIntKey"`
	FNwkSIntKey keyenvelope.Envelope `json:"fNwkSIntKey"`
	FCntUp      uint32               `json:"fCntUp"`
	NFCntDown   uint32               `json:"nFCntDown"`
	AFCntDown   uint32               `json:"aFCntDown"`
}

// Manager owns device sessions. Every read-modify-write on a device runs
// under that device's lock.
type Manager struct {
	store     storage.Store
	codec     *keyenvelope.Codec
	validator *validation.Validator
	netID     lorawan.NetID
	kekLabel  string

	flusher   QueueFlusher
	publisher ActivationPublisher

	locks keylock.Map[lorawan.EUI64]
}

// NewManager creates a session manager
func NewManager(store storage.Store, codec *keyenvelope.Codec, cfg config.NetworkConfig) (*Manager, error) {
	netID, err := lorawan.ParseNetID(cfg.NetID)
	if err != nil {
		return nil, fmt.Errorf("parse net id: %w", err)
	}

	return &Manager{
		store:     store,
		codec:     codec,
		validator: validation.NewValidator(),
		netID:     netID,
		kekLabel:  cfg.KEKLabel,
	}, nil
}

// SetQueueFlusher sets the queue used by flush-on-activate. Without one the
// store queue is flushed directly.
func (m *Manager) SetQueueFlusher(f QueueFlusher) {
	m.flusher = f
}

// SetActivationPublisher sets where activation events are sent.
func (m *Manager) SetActivationPublisher(p ActivationPublisher) {
	m.publisher = p
}

// Activate replaces the session of a device.
func (m *Manager) Activate(ctx context.Context, req ActivateRequest) (*models.DeviceSession, error) {
	if req.DevAddr.IsReserved() {
		return nil, fmt.Errorf("%w: dev_addr %s is reserved", ErrInvalidSession, req.DevAddr)
	}

	ds, device, flush, err := m.activate(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("devEUI", ds.DevEUI.String()).
		Str("devAddr", ds.DevAddr.String()).
		Str("macVersion", string(ds.MACVersion)).
		Uint32("nFCntDown", ds.NFCntDown).
		Uint32("aFCntDown", ds.AFCntDown).
		Msg("device activated")

	if flush {
		m.flushQueue(ctx, ds.DevEUI)
	}

	m.publishActivation(ctx, device, ds)
	return ds, nil
}

func (m *Manager) activate(ctx context.Context, req ActivateRequest) (*models.DeviceSession, *models.Device, bool, error) {
	unlock := m.locks.Lock(req.DevEUI)
	defer unlock()

	device, err := m.store.GetDevice(ctx, req.DevEUI)
	if err != nil {
		return nil, nil, false, mapDeviceError(err)
	}
	profile, err := m.store.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, false, ErrDeviceProfileNotFound
		}
		return nil, nil, false, fmt.Errorf("get device profile: %w", err)
	}

	version := req.MACVersion
	if version == "" {
		version = profile.MACVersion
	}
	if version == "" {
		version = models.MACVersion1_0
	}
	if version != models.MACVersion1_0 && version != models.MACVersion1_1 {
		return nil, nil, false, fmt.Errorf("%w: unknown mac version %q", ErrInvalidSession, version)
	}

	keys, err := coherentKeys(version, req.Keys)
	if err != nil {
		return nil, nil, false, err
	}

	ds := &models.DeviceSession{
		DevEUI:     req.DevEUI,
		DevAddr:    req.DevAddr,
		MACVersion: version,
		Keys:       keys,
		FCntUp:     req.FCntUp,
		NFCntDown:  req.NFCntDown,
		AFCntDown:  req.AFCntDown,
		DR:         req.DR,
	}

	if err := m.store.SaveDeviceSession(ctx, ds); err != nil {
		return nil, nil, false, fmt.Errorf("save device session: %w", err)
	}

	return ds, device, profile.FlushQueueOnActivate, nil
}

// coherentKeys checks the session keys against the MAC version. A 1.0.x
// session has one network key; if only FNwkSIntKey is given the other two
// take its value.
func coherentKeys(version models.MACVersion, k models.SessionKeys) (models.SessionKeys, error) {
	if k.AppSKey.IsZero() {
		return k, fmt.Errorf("%w: app_s_key is required", ErrInvalidSession)
	}

	if version.IsLegacy() {
		nwk := k.FNwkSIntKey
		for _, candidate := range []lorawan.AES128Key{k.SNwkSIntKey, k.NwkSEncKey} {
			if nwk.IsZero() {
				nwk = candidate
			}
		}
		if nwk.IsZero() {
			return k, fmt.Errorf("%w: network session key is required", ErrInvalidSession)
		}
		for _, other := range []lorawan.AES128Key{k.SNwkSIntKey, k.NwkSEncKey} {
			if !other.IsZero() && other != nwk {
				return k, fmt.Errorf("%w: lorawan 1.0 session with different network keys", ErrInvalidSession)
			}
		}
		return models.NewLegacySessionKeys(k.AppSKey, nwk), nil
	}

	if k.NwkSEncKey.IsZero() || k.SNwkSIntKey.IsZero() || k.FNwkSIntKey.IsZero() {
		return k, fmt.Errorf("%w: lorawan 1.1 session needs nwk_s_enc_key, s_nwk_s_int_key and f_nwk_s_int_key", ErrInvalidSession)
	}
	return k, nil
}

func (m *Manager) flushQueue(ctx context.Context, devEUI lorawan.EUI64) {
	var n int64
	var err error
	if m.flusher != nil {
		n, err = m.flusher.Flush(ctx, devEUI)
	} else {
		n, err = m.store.FlushDeviceQueue(ctx, devEUI)
	}
	if err != nil {
		log.Error().Err(err).Str("devEUI", devEUI.String()).Msg("flush queue on activate failed")
		return
	}
	log.Info().Str("devEUI", devEUI.String()).Int64("items", n).Msg("queue flushed on activate")
}

func (m *Manager) publishActivation(ctx context.Context, device *models.Device, ds *models.DeviceSession) {
	if m.publisher == nil {
		return
	}

	appSKey, err := m.codec.WrapAES128(m.kekLabel, ds.Keys.AppSKey)
	if err != nil {
		log.Error().Err(err).Str("devEUI", ds.DevEUI.String()).Msg("wrap app_s_key failed")
		return
	}

	ev := ActivationEvent{
		DevEUI:        ds.DevEUI,
		ApplicationID: device.ApplicationID,
		DevAddr:       ds.DevAddr,
		MACVersion:    ds.MACVersion,
		AppSKey:       appSKey,
		FCntUp:        ds.FCntUp,
		NFCntDown:     ds.NFCntDown,
		AFCntDown:     ds.AFCntDown,
		Time:          time.Now(),
	}
	if err := m.publisher.PublishActivation(ctx, ev); err != nil {
		log.Error().Err(err).Str("devEUI", ds.DevEUI.String()).Msg("publish activation failed")
	}
}

// Deactivate removes the session of a device. Its queue is kept.
func (m *Manager) Deactivate(ctx context.Context, devEUI lorawan.EUI64) error {
	unlock := m.locks.Lock(devEUI)
	defer unlock()

	if err := m.store.DeleteDeviceSession(ctx, devEUI); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoSession
		}
		return fmt.Errorf("delete device session: %w", err)
	}

	log.Info().Str("devEUI", devEUI.String()).Msg("device deactivated")
	return nil
}

// GetSession returns a copy of the session of a device.
func (m *Manager) GetSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	ds, err := m.store.GetDeviceSession(ctx, devEUI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("get device session: %w", err)
	}
	return ds, nil
}

// GetActivation returns the session with its keys wrapped under the
// configured KEK.
func (m *Manager) GetActivation(ctx context.Context, devEUI lorawan.EUI64) (*Activation, error) {
	ds, err := m.GetSession(ctx, devEUI)
	if err != nil {
		return nil, err
	}

	act := &Activation{
		DevEUI:     ds.DevEUI,
		DevAddr:    ds.DevAddr,
		MACVersion: ds.MACVersion,
		FCntUp:     ds.FCntUp,
		NFCntDown:  ds.NFCntDown,
		AFCntDown:  ds.AFCntDown,
	}
	for _, k := range []struct {
		dst *keyenvelope.Envelope
		key lorawan.AES128Key
	}{
		{&act.AppSKey, ds.Keys.AppSKey},
		{&act.NwkSEncKey, ds.Keys.NwkSEncKey},
		{&act.SNwkSIntKey, ds.Keys.SNwkSIntKey},
		{&act.FNwkSIntKey, ds.Keys.FNwkSIntKey},
	} {
		if *k.dst, err = m.codec.WrapAES128(m.kekLabel, k.key); err != nil {
			return nil, err
		}
	}
	return act, nil
}

// NextFCntDown returns the next downlink counter and advances it. MAC
// commands use the network counter; application data uses the application
// counter on LoRaWAN 1.1 and the network counter otherwise.
func (m *Manager) NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, isMACCommand bool) (uint32, error) {
	var fPort uint8 = 1
	if isMACCommand {
		fPort = 0
	}
	_, fCnt, err := m.AllocateFCntDown(ctx, devEUI, fPort)
	return fCnt, err
}

// AllocateFCntDown hands out the counter a downlink on fPort uses, together
// with the session it belongs to. The returned session reflects the state
// before the increment.
func (m *Manager) AllocateFCntDown(ctx context.Context, devEUI lorawan.EUI64, fPort uint8) (*models.DeviceSession, uint32, error) {
	unlock := m.locks.Lock(devEUI)
	defer unlock()

	ds, err := m.GetSession(ctx, devEUI)
	if err != nil {
		return nil, 0, err
	}

	kind := ds.CounterFor(fPort)
	current := ds.NFCntDown
	if kind == models.FCntApp {
		current = ds.AFCntDown
	}
	if current == math.MaxUint32 {
		return nil, 0, fmt.Errorf("%w: %s", ErrFCntExhausted, kind)
	}

	fCnt, err := m.store.IncrementFCntDown(ctx, devEUI, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, ErrNoSession
		}
		return nil, 0, fmt.Errorf("increment %s: %w", kind, err)
	}

	log.Debug().
		Str("devEUI", devEUI.String()).
		Str("counter", kind.String()).
		Uint32("fCnt", fCnt).
		Msg("downlink frame counter allocated")

	return ds, fCnt, nil
}

// RandomDevAddr returns a DevAddr within the configured NetID. The device
// must exist; nothing is stored.
func (m *Manager) RandomDevAddr(ctx context.Context, devEUI lorawan.EUI64) (lorawan.DevAddr, error) {
	if _, err := m.GetDevice(ctx, devEUI); err != nil {
		return lorawan.DevAddr{}, err
	}
	return lorawan.RandomDevAddr(m.netID)
}

func mapDeviceError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDeviceNotFound
	}
	return fmt.Errorf("get device: %w", err)
}

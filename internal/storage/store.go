package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/errs"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound     = errs.New(errs.ErrNotFound, "object does not exist")
	ErrDuplicateKey = errs.New(errs.ErrConflict, "object already exists")
	ErrInvalidData  = errs.New(errs.ErrValidation, "invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support. Counter increments done through a transaction
	// hold the row lock until Commit or Rollback.
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error

	// Device profile methods
	CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error
	GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error)

	// Device session methods
	GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error)
	SaveDeviceSession(ctx context.Context, session *models.DeviceSession) error
	DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error
	// IncrementFCntDown atomically returns the current value of the selected
	// counter and advances it by one.
	IncrementFCntDown(ctx context.Context, devEUI lorawan.EUI64, kind models.FCntKind) (uint32, error)

	// Device queue methods
	CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error
	// GetDeviceQueueItems returns the items of a device in enqueue order.
	GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error)
	CountDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) (int, error)
	UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error
	DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error
	FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) (int64, error)
	// LockDeviceQueue serializes queue mutations of a device until the
	// surrounding transaction ends.
	LockDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error

	// Multicast group methods
	CreateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error
	GetMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error)
	// LockMulticastGroup reads a group and holds its row until the
	// surrounding transaction ends.
	LockMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error)
	UpdateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error
	DeleteMulticastGroup(ctx context.Context, id uuid.UUID) error
	ListMulticastGroups(ctx context.Context, applicationID *uuid.UUID) ([]*models.MulticastGroup, error)
	// IncrementMulticastFCnt atomically returns the group counter and
	// advances it by one.
	IncrementMulticastFCnt(ctx context.Context, id uuid.UUID) (uint32, error)

	// Multicast membership methods
	AddDeviceToMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error
	RemoveDeviceFromMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error
	ListMulticastGroupDevices(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error)
	AddGatewayToMulticastGroup(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error
	RemoveGatewayFromMulticastGroup(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error
	ListMulticastGroupGateways(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error)

	// Multicast queue methods
	CreateMulticastQueueItem(ctx context.Context, item *models.MulticastGroupQueueItem) error
	// GetMulticastQueueItems returns the items of a group in f_cnt order.
	GetMulticastQueueItems(ctx context.Context, id uuid.UUID) ([]*models.MulticastGroupQueueItem, error)
	DeleteMulticastQueueItem(ctx context.Context, id uuid.UUID) error
	FlushMulticastQueue(ctx context.Context, id uuid.UUID) (int64, error)

	// Close the store
	Close() error
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Device represents a LoRaWAN device
type Device struct {
	DevEUI          lorawan.EUI64 `json:"devEui" db:"dev_eui" validate:"required"`
	ApplicationID   uuid.UUID     `json:"applicationId" db:"application_id"`
	DeviceProfileID uuid.UUID     `json:"deviceProfileId" db:"device_profile_id" validate:"required"`

	Name        string `json:"name" db:"name" validate:"required,max=100"`
	Description string `json:"description" db:"description"`
	IsDisabled  bool   `json:"isDisabled" db:"is_disabled"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DeviceProfile holds the per-profile downlink policy.
type DeviceProfile struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ApplicationID uuid.UUID `json:"applicationId" db:"application_id"`
	Name          string    `json:"name" db:"name" validate:"required,max=100"`

	MACVersion MACVersion `json:"macVersion" db:"mac_version" validate:"omitempty,oneof=1.0 1.1"`

	SupportsClassB bool `json:"supportsClassB" db:"supports_class_b"`
	SupportsClassC bool `json:"supportsClassC" db:"supports_class_c"`

	// FlushQueueOnActivate drops all queued downlinks when the device is
	// (re)activated.
	FlushQueueOnActivate bool `json:"flushQueueOnActivate" db:"flush_queue_on_activate"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// MulticastGroupType is the device class the group is addressed as.
type MulticastGroupType string

const (
	MulticastGroupClassB MulticastGroupType = "CLASS_B"
	MulticastGroupClassC MulticastGroupType = "CLASS_C"
)

// ClassCSchedulingType selects how class-C multicast downlinks are timed.
type ClassCSchedulingType string

const (
	ClassCSchedulingDelay   ClassCSchedulingType = "DELAY"
	ClassCSchedulingGPSTime ClassCSchedulingType = "GPS_TIME"
)

// MulticastGroup shares a DevAddr, keys and a downlink counter between its
// member devices.
type MulticastGroup struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ApplicationID uuid.UUID `json:"applicationId" db:"application_id"`
	Name          string    `json:"name" db:"name" validate:"required,max=100"`

	MCAddr    lorawan.DevAddr   `json:"mcAddr" db:"mc_addr" validate:"required"`
	MCNwkSKey lorawan.AES128Key `json:"mcNwkSKey" db:"mc_nwk_s_key" validate:"required"`
	MCAppSKey lorawan.AES128Key `json:"mcAppSKey" db:"mc_app_s_key" validate:"required"`

	// FCnt is the next value to hand out. It only advances through the
	// scheduler.
	FCnt uint32 `json:"fCnt" db:"f_cnt"`

	GroupType MulticastGroupType `json:"groupType" db:"group_type" validate:"oneof=CLASS_B CLASS_C"`
	DR        uint8              `json:"dr" db:"dr"`
	Frequency uint32             `json:"frequency" db:"frequency"`

	ClassBPingSlotPeriod int                  `json:"classBPingSlotPeriod" db:"class_b_ping_slot_period" validate:"omitempty,pingperiod"`
	ClassCSchedulingType ClassCSchedulingType `json:"classCSchedulingType" db:"class_c_scheduling_type" validate:"omitempty,oneof=DELAY GPS_TIME"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// MulticastGroupQueueItem is a downlink for all members of a group. Its FCnt
// is fixed at enqueue time.
type MulticastGroupQueueItem struct {
	ID               uuid.UUID `json:"id" db:"id"`
	MulticastGroupID uuid.UUID `json:"multicastGroupId" db:"multicast_group_id"`
	FCnt             uint32    `json:"fCnt" db:"f_cnt"`
	FPort            uint8     `json:"fPort" db:"f_port"`
	Data             []byte    `json:"data" db:"data"`

	// Timing is the transmit timing the gateway must use.
	Timing frame.Timing `json:"-" db:"timing"`
	// EmitAt is the GPS epoch emission time for GPS based timing.
	EmitAt *time.Duration `json:"emitAtTimeSinceGpsEpoch,omitempty" db:"emit_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type multicastQueueItemJSON MulticastGroupQueueItem

func (i MulticastGroupQueueItem) MarshalJSON() ([]byte, error) {
	timing, err := frame.MarshalTiming(i.Timing)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		multicastQueueItemJSON
		Timing json.RawMessage `json:"timing"`
	}{multicastQueueItemJSON(i), timing})
}

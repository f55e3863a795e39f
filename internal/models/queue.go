package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// DeviceQueueItem is a pending downlink for one device.
type DeviceQueueItem struct {
	ID     uuid.UUID     `json:"id" db:"id"`
	DevEUI lorawan.EUI64 `json:"devEui" db:"dev_eui"`

	// FPort 0 carries MAC commands only; 1-255 are application ports.
	FPort uint8 `json:"fPort" db:"f_port"`

	// Exactly one of Data and Object is authoritative at enqueue time.
	Data   []byte    `json:"data,omitempty" db:"data"`
	Object Variables `json:"object,omitempty" db:"object"`

	Confirmed   bool    `json:"confirmed" db:"confirmed"`
	IsEncrypted bool    `json:"isEncrypted" db:"is_encrypted"`
	FCntDown    *uint32 `json:"fCntDown,omitempty" db:"f_cnt_down"`
	IsPending   bool    `json:"isPending" db:"is_pending"`

	// TimeoutAfter is set while a confirmed item waits for its ACK.
	TimeoutAfter *time.Time `json:"timeoutAfter,omitempty" db:"timeout_after"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	// Seq orders items with equal CreatedAt.
	Seq int64 `json:"-" db:"seq"`
}

// Clone returns a deep copy of the item.
func (i DeviceQueueItem) Clone() DeviceQueueItem {
	out := i
	if i.Data != nil {
		out.Data = append([]byte(nil), i.Data...)
	}
	if i.Object != nil {
		out.Object = make(Variables, len(i.Object))
		for k, v := range i.Object {
			out.Object[k] = v
		}
	}
	if i.FCntDown != nil {
		f := *i.FCntDown
		out.FCntDown = &f
	}
	if i.TimeoutAfter != nil {
		t := *i.TimeoutAfter
		out.TimeoutAfter = &t
	}
	return out
}

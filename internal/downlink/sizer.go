package downlink

import (
	"github.com/lorawan-server/lorawan-ns-core/internal/config"
)

// PayloadSizer bounds the FRMPayload size of a downlink at a data rate.
type PayloadSizer interface {
	MaxPayloadSize(dr uint8) int
}

// DRTable is a PayloadSizer backed by the data rate table of the channel
// plan. Unknown data rates get the smallest bound of the table.
type DRTable []int

// NewDRTable builds the table from the configured data rates.
func NewDRTable(rates []config.DataRateConfig) DRTable {
	t := make(DRTable, len(rates))
	for i, dr := range rates {
		t[i] = dr.MaxPayloadSize
	}
	return t
}

func (t DRTable) MaxPayloadSize(dr uint8) int {
	if int(dr) < len(t) {
		return t[dr]
	}
	smallest := 0
	for i, n := range t {
		if i == 0 || n < smallest {
			smallest = n
		}
	}
	return smallest
}

package multicast

import (
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Discipline is how the downlinks of a group are timed.
type Discipline int

const (
	ClassBPingSlot Discipline = iota + 1
	ClassCDelay
	ClassCGPSTime
)

func (d Discipline) String() string {
	switch d {
	case ClassBPingSlot:
		return "CLASS_B_PING_SLOT"
	case ClassCDelay:
		return "CLASS_C_DELAY"
	case ClassCGPSTime:
		return "CLASS_C_GPS_TIME"
	}
	return fmt.Sprintf("Discipline(%d)", int(d))
}

// DisciplineFor returns the discipline of a group.
func DisciplineFor(g *models.MulticastGroup) (Discipline, error) {
	switch g.GroupType {
	case models.MulticastGroupClassB:
		return ClassBPingSlot, nil
	case models.MulticastGroupClassC:
		switch g.ClassCSchedulingType {
		case models.ClassCSchedulingDelay:
			return ClassCDelay, nil
		case models.ClassCSchedulingGPSTime:
			return ClassCGPSTime, nil
		}
		return 0, fmt.Errorf("%w: unknown class-c scheduling type %q", ErrInvalidGroup, g.ClassCSchedulingType)
	}
	return 0, fmt.Errorf("%w: unknown group type %q", ErrInvalidGroup, g.GroupType)
}

// Planner computes the timing annotation of multicast queue items.
type Planner struct {
	// ClassCDelay is the delay used by class-C groups without GPS time.
	ClassCDelay time.Duration
	// Margin is the minimum distance between now and a GPS timed emission.
	Margin time.Duration
	// MinInterval separates two GPS timed emissions of the same group.
	MinInterval time.Duration
}

// Plan returns the timing of the next item of g. gpsNow is the current time
// since the GPS epoch, lastEmit the emission time of the latest item of the
// group if any. The returned emit time is nil for delay timing.
func (p Planner) Plan(g *models.MulticastGroup, gpsNow time.Duration, lastEmit *time.Duration) (frame.Timing, *time.Duration, error) {
	d, err := DisciplineFor(g)
	if err != nil {
		return nil, nil, err
	}

	if d == ClassCDelay {
		return frame.Delay(p.ClassCDelay), nil, nil
	}

	earliest := gpsNow + p.Margin
	if lastEmit != nil && *lastEmit+p.MinInterval > earliest {
		earliest = *lastEmit + p.MinInterval
	}

	emitAt := earliest
	if d == ClassBPingSlot {
		// NextPingSlotAfter is exclusive
		emitAt, err = lorawan.NextPingSlotAfter(earliest-1, g.MCAddr, g.ClassBPingSlotPeriod)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidGroup, err)
		}
	}

	return frame.GPSEpoch(emitAt), &emitAt, nil
}

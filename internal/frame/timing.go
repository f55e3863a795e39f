package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimingKind names a Timing variant.
type TimingKind string

const (
	TimingImmediately TimingKind = "IMMEDIATELY"
	TimingDelay       TimingKind = "DELAY"
	TimingGPSEpoch    TimingKind = "GPS_EPOCH"
)

// Timing tells the gateway when to emit a downlink. It is exactly one of
// ImmediatelyTiming, DelayTiming or GPSEpochTiming.
type Timing interface {
	Kind() TimingKind
	validate() error
}

// ImmediatelyTiming emits as soon as possible.
type ImmediatelyTiming struct{}

func (ImmediatelyTiming) Kind() TimingKind { return TimingImmediately }
func (ImmediatelyTiming) validate() error  { return nil }

// DelayTiming emits Delay after the gateway internal timestamp held in the
// downlink context.
type DelayTiming struct {
	Delay time.Duration `json:"delay"`
}

func (DelayTiming) Kind() TimingKind { return TimingDelay }

func (t DelayTiming) validate() error {
	if t.Delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidVariant, t.Delay)
	}
	return nil
}

// GPSEpochTiming emits at an absolute time since the GPS epoch.
type GPSEpochTiming struct {
	TimeSinceGPSEpoch time.Duration `json:"timeSinceGpsEpoch"`
}

func (GPSEpochTiming) Kind() TimingKind { return TimingGPSEpoch }

func (t GPSEpochTiming) validate() error {
	if t.TimeSinceGPSEpoch <= 0 {
		return fmt.Errorf("%w: gps epoch time must be positive", ErrInvalidVariant)
	}
	return nil
}

// Immediately returns the immediate timing variant.
func Immediately() Timing { return ImmediatelyTiming{} }

// Delay returns a delay timing variant.
func Delay(d time.Duration) Timing { return DelayTiming{Delay: d} }

// GPSEpoch returns a GPS epoch timing variant.
func GPSEpoch(sinceEpoch time.Duration) Timing { return GPSEpochTiming{TimeSinceGPSEpoch: sinceEpoch} }

// NewTiming validates a single variant. Only the value types are variants;
// a pointer to one is rejected.
func NewTiming(t Timing) (Timing, error) {
	switch t.(type) {
	case ImmediatelyTiming, DelayTiming, GPSEpochTiming:
	case nil:
		return nil, fmt.Errorf("%w: timing is not set", ErrInvalidVariant)
	default:
		return nil, fmt.Errorf("%w: timing %T", ErrInvalidVariant, t)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// TimingParts is the open representation of a Timing.
type TimingParts struct {
	Immediately *ImmediatelyTiming `json:"immediately,omitempty"`
	Delay       *DelayTiming       `json:"delay,omitempty"`
	GPSEpoch    *GPSEpochTiming    `json:"gpsEpoch,omitempty"`
}

// Timing validates the parts and returns the single variant.
func (p TimingParts) Timing() (Timing, error) {
	var set []Timing
	if p.Immediately != nil {
		set = append(set, *p.Immediately)
	}
	if p.Delay != nil {
		set = append(set, *p.Delay)
	}
	if p.GPSEpoch != nil {
		set = append(set, *p.GPSEpoch)
	}

	if len(set) != 1 {
		return nil, fmt.Errorf("%w: timing has %d variants set", ErrInvalidVariant, len(set))
	}
	if err := set[0].validate(); err != nil {
		return nil, err
	}
	return set[0], nil
}

// TimingToParts returns the open representation of t.
func TimingToParts(t Timing) TimingParts {
	switch v := t.(type) {
	case ImmediatelyTiming:
		return TimingParts{Immediately: &v}
	case DelayTiming:
		return TimingParts{Delay: &v}
	case GPSEpochTiming:
		return TimingParts{GPSEpoch: &v}
	}
	return TimingParts{}
}

// MarshalTiming encodes t as a single-key JSON object.
func MarshalTiming(t Timing) ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	if _, err := NewTiming(t); err != nil {
		return nil, err
	}
	return json.Marshal(TimingToParts(t))
}

// UnmarshalTiming decodes the output of MarshalTiming. A JSON null gives a
// nil Timing.
func UnmarshalTiming(b []byte) (Timing, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var p TimingParts
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode timing: %w", err)
	}
	return p.Timing()
}

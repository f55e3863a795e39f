package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"time"
)

// Class-B beacon timing.
const (
	BeaconPeriod   = 128 * time.Second
	BeaconReserved = 2120 * time.Millisecond
	PingSlotLen    = 30 * time.Millisecond

	// MinPingPeriod and MaxPingPeriod bound the number of slots between two
	// ping slots (2^5 .. 2^12).
	MinPingPeriod = 32
	MaxPingPeriod = 4096
)

// ValidPingPeriod reports whether n is a power of two within the class-B range.
func ValidPingPeriod(n int) bool {
	return n >= MinPingPeriod && n <= MaxPingPeriod && n&(n-1) == 0
}

// PingOffset computes the randomized ping-slot offset of devAddr for the beacon
// period starting at beaconTime (time since GPS epoch).
func PingOffset(beaconTime time.Duration, devAddr DevAddr, pingPeriod int) (int, error) {
	if !ValidPingPeriod(pingPeriod) {
		return 0, fmt.Errorf("invalid ping period: %d", pingPeriod)
	}

	block, err := aes.NewCipher(make([]byte, 16))
	if err != nil {
		return 0, err
	}

	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], uint32(beaconTime/time.Second))
	copy(b[4:8], devAddr.wireBytes())

	rnd := make([]byte, 16)
	block.Encrypt(rnd, b)

	return (int(rnd[0]) + int(rnd[1])*256) % pingPeriod, nil
}

// NextPingSlotAfter returns the start (time since GPS epoch) of the first ping
// slot of devAddr that begins strictly after the given time.
func NextPingSlotAfter(after time.Duration, devAddr DevAddr, pingPeriod int) (time.Duration, error) {
	beacon := after - (after % BeaconPeriod)

	// the current and the next beacon period always contain a candidate
	for i := 0; i < 2; i++ {
		offset, err := PingOffset(beacon, devAddr, pingPeriod)
		if err != nil {
			return 0, err
		}

		for n := 0; n*pingPeriod+offset < MaxPingPeriod; n++ {
			slot := beacon + BeaconReserved + time.Duration(offset+n*pingPeriod)*PingSlotLen
			if slot > after {
				return slot, nil
			}
		}

		beacon += BeaconPeriod
	}

	return 0, fmt.Errorf("no ping slot found after %s", after)
}

package lorawan

import (
	"crypto/rand"
	"fmt"
	"io"

	blorawan "github.com/brocaar/lorawan"
)

// NetID is the 3-byte network identifier. The type carries the NetID class
// and the address-prefix rules.
type NetID = blorawan.NetID

// ParseNetID parses a hex encoded NetID such as "000013".
func ParseNetID(s string) (NetID, error) {
	var n NetID
	if err := n.UnmarshalText([]byte(s)); err != nil {
		return n, fmt.Errorf("parse NetID %q: %w", s, err)
	}
	return n, nil
}

const maxDevAddrAttempts = 32

// RandomDevAddr returns a random address carrying the AddrPrefix of netID.
// The all-zero and broadcast addresses are never returned.
func RandomDevAddr(netID NetID) (DevAddr, error) {
	return randomDevAddr(rand.Reader, netID)
}

func randomDevAddr(r io.Reader, netID NetID) (DevAddr, error) {
	for i := 0; i < maxDevAddrAttempts; i++ {
		var d blorawan.DevAddr
		if _, err := io.ReadFull(r, d[:]); err != nil {
			return DevAddr{}, fmt.Errorf("read random bytes: %w", err)
		}
		d.SetAddrPrefix(netID)

		addr := DevAddr(d)
		if !addr.IsReserved() {
			return addr, nil
		}
	}
	return DevAddr{}, fmt.Errorf("no usable DevAddr for NetID %s after %d attempts", netID, maxDevAddrAttempts)
}

// HasNetID reports whether the address carries the AddrPrefix of netID.
func (d DevAddr) HasNetID(netID NetID) bool {
	return blorawan.DevAddr(d).IsNetID(netID)
}

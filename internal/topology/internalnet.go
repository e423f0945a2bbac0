package topology

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// Internalnet describes the head node's address on the internal cluster network.
type Internalnet struct {
	Base      netip.Addr
	PrefixLen int
	Primary   netip.Addr
	Secondary netip.Addr
}

// Network renders base/prefixlen.
func (n Internalnet) Network() string {
	return fmt.Sprintf("%s/%d", n.Base, n.PrefixLen)
}

// ParseInternalnet derives head node addresses from an IPv4 CIDR.
// A /24 uses .254 (primary) and .253 (secondary); any other size uses the
// last two usable addresses. Host bits in the input are ignored.
// Networks smaller than /29 are rejected.
func ParseInternalnet(cidr string) (Internalnet, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return Internalnet{}, fmt.Errorf("invalid internalnet network %q: %w", cidr, err)
	}
	if !p.Addr().Is4() {
		return Internalnet{}, fmt.Errorf("internalnet network must be IPv4, got %s", p)
	}
	if p.Bits() > 29 {
		return Internalnet{}, fmt.Errorf("internalnet network must be /29 or larger (prefixlen <= 29), got %s", p)
	}
	p = p.Masked()

	base := p.Addr().As4()
	baseN := binary.BigEndian.Uint32(base[:])
	broadcast := baseN | (^uint32(0) >> p.Bits())

	var primary, secondary uint32
	if p.Bits() == 24 {
		primary, secondary = baseN+254, baseN+253
	} else {
		primary, secondary = broadcast-1, broadcast-2
	}

	return Internalnet{
		Base:      p.Addr(),
		PrefixLen: p.Bits(),
		Primary:   u32ToAddr(primary),
		Secondary: u32ToAddr(secondary),
	}, nil
}

func u32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

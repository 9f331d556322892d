package cfgmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Route addresses a router in the fabric. Byte i is the adapter (hop) taken
// at depth i, low-order hop first. The root router's route is zero.
type Route uint64

// MaxDepth is the deepest a route can reach.
const MaxDepth = 8

// RouteValid is set by the fabric in the high word of a response's route
// to mark the route as an echo of the request.
const RouteValid = 1 << 31

// RouteFromHiLo builds a route from the high and low words carried on the wire.
func RouteFromHiLo(hi, lo uint32) Route {
	return Route(uint64(hi)<<32 | uint64(lo))
}

// Hi returns the high word of the route.
func (r Route) Hi() uint32 {
	return uint32(r >> 32)
}

// Lo returns the low word of the route.
func (r Route) Lo() uint32 {
	return uint32(r)
}

// Hop returns the adapter taken at depth i.
func (r Route) Hop(i int) uint8 {
	if i < 0 || i >= MaxDepth {
		return 0
	}

	return uint8(r >> (8 * i))
}

// Depth returns the number of hops in the route, which is the index of the
// highest non-zero hop plus one.
func (r Route) Depth() int {
	d := 0
	for v := r; v != 0; v >>= 8 {
		d++
	}

	return d
}

// Parent returns the route of the router one hop closer to the root.
func (r Route) Parent() Route {
	d := r.Depth()
	if d == 0 {
		return 0
	}

	return r &^ (0xff << (8 * (d - 1)))
}

// Child returns the route reached by taking adapter hop from a router at the
// given depth whose route is r.
func (r Route) Child(depth int, hop uint8) Route {
	return r | Route(hop)<<(8*depth)
}

func (r Route) String() string {
	return fmt.Sprintf("%016x", uint64(r))
}

// ParseRoute parses a route written as a hex number, with or without a 0x prefix.
func ParseRoute(s string) (Route, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("cfgmsg: parse route %q: %w", s, err)
	}

	return Route(v), nil
}

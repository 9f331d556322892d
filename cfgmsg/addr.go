package cfgmsg

import "fmt"

// Space selects the configuration space addressed by a request.
type Space uint8

const (
	SpacePath     = Space(0)
	SpaceAdapter  = Space(1)
	SpaceRouter   = Space(2)
	SpaceCounters = Space(3)
)

func (s Space) String() string {
	switch s {
	case SpacePath:
		return "path"

	case SpaceAdapter:
		return "adapter"

	case SpaceRouter:
		return "router"

	case SpaceCounters:
		return "counters"

	default:
		return fmt.Sprintf("Space(%d)", s)
	}
}

// AddrAttrs is the address/attributes word of a read or write request.
type AddrAttrs uint32

const (
	attrOffsetMask  = 0x1fff
	attrLenShift    = 13
	attrLenMask     = 0x3f << attrLenShift
	attrAdapShift   = 19
	attrAdapMask    = 0x3f << attrAdapShift
	attrSpaceShift  = 25
	attrSpaceMask   = 0x3 << attrSpaceShift
	attrSeqShift    = 27
	attrSeqMask     = 0x3 << attrSeqShift
	attrReserveMask = ^uint32(attrOffsetMask | attrLenMask | attrAdapMask | attrSpaceMask | attrSeqMask)
)

const (
	// MaxOffset is the highest double-word offset a request can address.
	MaxOffset = attrOffsetMask

	// MaxDWLen is the largest number of double-words a single request can carry.
	MaxDWLen = attrLenMask >> attrLenShift

	// MaxAdapter is the highest adapter index a request can address.
	MaxAdapter = attrAdapMask >> attrAdapShift
)

// Addr packs an address/attributes word. It returns an error if a field
// doesn't fit its bit range.
func Addr(space Space, adapter, dwlen, offset int) (AddrAttrs, error) {
	switch {
	case space > SpaceCounters:
		return 0, fmt.Errorf("%w: space %d", ErrBadAddr, space)

	case adapter < 0 || adapter > MaxAdapter:
		return 0, fmt.Errorf("%w: adapter %d", ErrBadAddr, adapter)

	case dwlen <= 0 || dwlen > MaxDWLen:
		return 0, fmt.Errorf("%w: length %d", ErrBadLength, dwlen)

	case offset < 0 || offset+dwlen-1 > MaxOffset:
		return 0, fmt.Errorf("%w: offset %d", ErrBadAddr, offset)
	}

	return AddrAttrs(uint32(offset) |
		uint32(dwlen)<<attrLenShift |
		uint32(adapter)<<attrAdapShift |
		uint32(space)<<attrSpaceShift), nil
}

func (a AddrAttrs) Offset() int {
	return int(a & attrOffsetMask)
}

func (a AddrAttrs) Len() int {
	return int(a&attrLenMask) >> attrLenShift
}

func (a AddrAttrs) Adapter() int {
	return int(a&attrAdapMask) >> attrAdapShift
}

func (a AddrAttrs) Space() Space {
	return Space((a & attrSpaceMask) >> attrSpaceShift)
}

func (a AddrAttrs) Seq() int {
	return int(a&attrSeqMask) >> attrSeqShift
}

// Reserved returns the bits that must be zero.
func (a AddrAttrs) Reserved() uint32 {
	return uint32(a) & attrReserveMask
}

// WithLen returns a copy of a with its length field replaced.
func (a AddrAttrs) WithLen(dwlen int) AddrAttrs {
	return a&^attrLenMask | AddrAttrs(uint32(dwlen)<<attrLenShift)&attrLenMask
}

// SameTarget reports whether a and b address the same space, adapter and
// offset. The length and attribute bits are ignored.
func (a AddrAttrs) SameTarget(b AddrAttrs) bool {
	const target = attrOffsetMask | attrAdapMask | attrSpaceMask
	return a&target == b&target
}

func (a AddrAttrs) String() string {
	return fmt.Sprintf("%v adapter=%d offset=%d len=%d", a.Space(), a.Adapter(), a.Offset(), a.Len())
}

package cfgmsg

// Router configuration space registers.
const (
	RouterCS0 = 0 // vendor and product id
	RouterCS1 = 1 // next capability, upstream adapter, max adapter, depth, revision
	RouterCS2 = 2 // topology id low
	RouterCS3 = 3 // topology id high
	RouterCS4 = 4 // notification timeout
	RouterCS5 = 5 // control
	RouterCS6 = 6 // status
	RouterCS7 = 7 // uuid low
	RouterCS8 = 8 // uuid high

	// RouterHeaderLen is the number of double-words read to enumerate a router.
	RouterHeaderLen = 9
)

// ROUTER_CS_1 fields.
const (
	cs1NextCapMask   = 0xff
	cs1UpstreamShift = 8
	cs1UpstreamMask  = 0x3f
	cs1MaxAdapShift  = 14
	cs1MaxAdapMask   = 0x3f
	cs1DepthShift    = 20
	cs1DepthMask     = 0x7
	cs1RevShift      = 24
	cs1RevMask       = 0xff
)

// ROUTER_CS_5 bits.
const (
	RouterSLP = 1 << 0 // enter sleep
	RouterWOP = 1 << 1 // wake on PCIe
	RouterWOU = 1 << 2 // wake on USB3
	RouterWOD = 1 << 3 // wake on DisplayPort
	RouterCV  = 1 << 31
)

// ROUTER_CS_6 bits.
const (
	RouterSLPR = 1 << 0 // sleep ready
	RouterTNS  = 1 << 1 // TMU not synchronized
	RouterCR   = 1 << 25
)

// RouterHeader is the decoded first words of a router's configuration space.
type RouterHeader struct {
	VendorID   uint16
	DeviceID   uint16
	NextCap    int
	Upstream   int
	MaxAdapter int
	Depth      int
	Revision   uint8
	UUIDLo     uint32
	UUIDHi     uint32
}

// ParseRouterHeader decodes ROUTER_CS_0 through ROUTER_CS_8.
func ParseRouterHeader(cs []uint32) (RouterHeader, error) {
	if len(cs) < RouterHeaderLen {
		return RouterHeader{}, ErrTooShort
	}

	cs1 := cs[RouterCS1]
	return RouterHeader{
		VendorID:   uint16(cs[RouterCS0]),
		DeviceID:   uint16(cs[RouterCS0] >> 16),
		NextCap:    int(cs1 & cs1NextCapMask),
		Upstream:   int(cs1>>cs1UpstreamShift) & cs1UpstreamMask,
		MaxAdapter: int(cs1>>cs1MaxAdapShift) & cs1MaxAdapMask,
		Depth:      int(cs1>>cs1DepthShift) & cs1DepthMask,
		Revision:   uint8(cs1 >> cs1RevShift),
		UUIDLo:     cs[RouterCS7],
		UUIDHi:     cs[RouterCS8],
	}, nil
}

// Words encodes the header back into ROUTER_CS_0 through ROUTER_CS_8.
// Registers the header doesn't describe are zero.
func (h RouterHeader) Words() []uint32 {
	cs := make([]uint32, RouterHeaderLen)
	cs[RouterCS0] = uint32(h.VendorID) | uint32(h.DeviceID)<<16
	cs[RouterCS1] = uint32(h.NextCap)&cs1NextCapMask |
		uint32(h.Upstream&cs1UpstreamMask)<<cs1UpstreamShift |
		uint32(h.MaxAdapter&cs1MaxAdapMask)<<cs1MaxAdapShift |
		uint32(h.Depth&cs1DepthMask)<<cs1DepthShift |
		uint32(h.Revision)<<cs1RevShift
	cs[RouterCS7] = h.UUIDLo
	cs[RouterCS8] = h.UUIDHi
	return cs
}

// RouterNextCap returns the head of a router's capability chain from ROUTER_CS_1.
func RouterNextCap(cs1 uint32) int {
	return int(cs1 & cs1NextCapMask)
}

// Adapter configuration space registers.
const (
	AdapterCS0 = 0 // vendor and product id
	AdapterCS1 = 1 // next capability

	// AdapterHeaderLen is the number of double-words read to find an
	// adapter's capability chain.
	AdapterHeaderLen = 8

	adpCS1NextCapMask = 0xff
)

// AdapterNextCap returns the head of an adapter's capability chain from ADP_CS_1.
func AdapterNextCap(cs1 uint32) int {
	return int(cs1 & adpCS1NextCapMask)
}

// Capability ids.
const (
	CapPHY     = 0x01 // adapter lane capability
	CapTMU     = 0x03 // router time management unit
	CapAdapter = 0x04 // adapter-specific capability
	CapVSC     = 0x05 // vendor specific; short or extended (VSEC) form
	CapUSB4    = 0x06 // USB4 port capability

	// CapOffsetMax is the largest offset a capability can sit at.
	CapOffsetMax = MaxOffset
)

// Vendor specific capability ids.
const (
	VSCLinkController = 0x06
)

// Capability header fields. The first word is next (bits 0..7), id (8..15),
// vendor id (16..23) and length (24..31). A vendor specific capability with
// zero length is extended: its second word is next (0..15) and length (16..31).
type CapHeader struct {
	Next    int
	ID      uint8
	VSCID   uint8
	VSCLen  uint8
	VSECLen uint16
}

// ParseCapHeader decodes a capability header from one or two words. The
// vendor fields are only decoded for vendor specific capabilities, and only
// from two words.
func ParseCapHeader(w []uint32) CapHeader {
	if len(w) == 0 {
		return CapHeader{}
	}

	h := CapHeader{
		Next: int(w[0] & 0xff),
		ID:   uint8(w[0] >> 8),
	}

	if len(w) < 2 || h.ID != CapVSC {
		return h
	}

	h.VSCID = uint8(w[0] >> 16)
	h.VSCLen = uint8(w[0] >> 24)
	if h.VSCLen == 0 {
		h.Next = int(w[1] & 0xffff)
		h.VSECLen = uint16(w[1] >> 16)
	}

	return h
}

// Words encodes a capability header. Extended headers take two words.
func (h CapHeader) Words() []uint32 {
	if h.ID == CapVSC && h.VSCLen == 0 {
		return []uint32{
			uint32(h.ID)<<8 | uint32(h.VSCID)<<16,
			uint32(h.Next)&0xffff | uint32(h.VSECLen)<<16,
		}
	}

	return []uint32{uint32(h.Next)&0xff | uint32(h.ID)<<8 | uint32(h.VSCID)<<16 | uint32(h.VSCLen)<<24}
}

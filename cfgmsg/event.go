package cfgmsg

import "fmt"

// Event is the code carried by a notification packet. It reports an
// asynchronous fabric condition outside the request/response cycle.
type Event uint8

const (
	EventNone     = Event(0xff) // not an on-wire value; marks "no event"
	ErrConn       = Event(0x00) // adapter not connected
	ErrLink       = Event(0x01) // link error
	ErrAddr       = Event(0x02) // invalid configuration space address
	ErrAdapter    = Event(0x04) // no such adapter
	ErrEnum       = Event(0x08) // enumeration loop
	ErrNUA        = Event(0x09) // not a unique address
	ErrLen        = Event(0x0b) // invalid request length
	ErrHEC        = Event(0x0c) // header error
	ErrFC         = Event(0x0d) // flow control error
	ErrPlug       = Event(0x0e) // plug event while enumerating
	ErrLock       = Event(0x0f) // router locked
	HotplugAck    = Event(0x07) // acknowledgement of a hotplug packet
	DPBandwidth   = Event(0x20) // DisplayPort bandwidth allocation changed
	eventCodeMask = 0x3f
)

// IsError reports whether e is one of the notification codes that pre-empt a
// router's in-flight command.
func (e Event) IsError() bool {
	switch e {
	case ErrConn, ErrLink, ErrAddr, ErrAdapter, ErrEnum, ErrNUA,
		ErrLen, ErrHEC, ErrFC, ErrPlug, ErrLock, HotplugAck, DPBandwidth:
		return true
	}

	return false
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"

	case ErrConn:
		return "connection error"

	case ErrLink:
		return "link error"

	case ErrAddr:
		return "address error"

	case ErrAdapter:
		return "adapter error"

	case ErrEnum:
		return "enumeration error"

	case ErrNUA:
		return "not unique address"

	case ErrLen:
		return "length error"

	case ErrHEC:
		return "header error"

	case ErrFC:
		return "flow control error"

	case ErrPlug:
		return "plug error"

	case ErrLock:
		return "lock error"

	case HotplugAck:
		return "hotplug ack"

	case DPBandwidth:
		return "bandwidth change"

	default:
		return fmt.Sprintf("Event(%#02x)", uint8(e))
	}
}

// Notification word layout: event code in bits 0..5, adapter in bits 8..13,
// plug/unplug acknowledgement code in bits 30..31.
const (
	notifyAdapShift = 8
	notifyAdapMask  = 0x3f << notifyAdapShift
	notifyPGShift   = 30

	pgPlug   = 0x2
	pgUnplug = 0x3
)

// Hotplug word layout: adapter in bits 0..5, unplug flag in bit 31.
const (
	hotplugAdapMask = 0x3f
	hotplugUnplug   = 1 << 31
)

// Notify is a decoded notification packet.
type Notify struct {
	Route   Route
	Event   Event
	Adapter int

	// Unplug is only meaningful for hotplug acknowledgements.
	Unplug bool

	// PG is the raw plug/unplug code; zero unless the packet is a hotplug ack.
	PG uint8
}

func (n Notify) word() uint32 {
	w := uint32(n.Event)&eventCodeMask | uint32(n.Adapter)<<notifyAdapShift&notifyAdapMask
	if n.Event == HotplugAck {
		pg := uint32(pgPlug)
		if n.Unplug {
			pg = pgUnplug
		}

		w |= pg << notifyPGShift
	}

	return w
}

func parseNotify(r Route, w uint32) Notify {
	pg := uint8(w >> notifyPGShift)
	return Notify{
		Route:   r,
		Event:   Event(w & eventCodeMask),
		Adapter: int(w&notifyAdapMask) >> notifyAdapShift,
		Unplug:  pg == pgUnplug,
		PG:      pg,
	}
}

// Hotplug is a decoded hotplug packet.
type Hotplug struct {
	Route   Route
	Adapter int
	Unplug  bool
}

func (h Hotplug) word() uint32 {
	w := uint32(h.Adapter) & hotplugAdapMask
	if h.Unplug {
		w |= hotplugUnplug
	}

	return w
}

func parseHotplug(r Route, w uint32) Hotplug {
	return Hotplug{
		Route:   r,
		Adapter: int(w & hotplugAdapMask),
		Unplug:  w&hotplugUnplug != 0,
	}
}

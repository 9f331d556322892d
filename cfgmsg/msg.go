// Package cfgmsg builds and parses USB4/Thunderbolt control packets: the
// configuration read/write requests and responses, notifications, hotplug
// events and their acknowledgements.
//
// Every packet is a sequence of big-endian double-words ending with a CRC-32C
// of all preceding bytes in wire order.
package cfgmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var be = binary.BigEndian

var (
	ErrTooShort  = errors.New("cfgmsg: packet too short")
	ErrBadCRC    = errors.New("cfgmsg: CRC mismatch")
	ErrBadLength = errors.New("cfgmsg: bad length")
	ErrBadAddr   = errors.New("cfgmsg: bad address")
	ErrUnaligned = errors.New("cfgmsg: packet is not dword aligned")
)

const (
	dwordLen = 4

	// headerLen is route.hi, route.lo and the address/attributes word.
	headerLen = 3 * dwordLen

	// MaxPacketLen is the largest packet: header, payload and CRC.
	MaxPacketLen = headerLen + MaxDWLen*dwordLen + dwordLen
)

// MaxPayload returns the most double-words a packet can carry in a frame of
// frameLen bytes.
func MaxPayload(frameLen int) int {
	return max(0, min((frameLen-headerLen-dwordLen)/dwordLen, MaxDWLen))
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC returns the CRC-32C of b.
func CRC(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Check verifies the trailing CRC of a packet.
func Check(b []byte) error {
	if len(b)%dwordLen != 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnaligned, len(b))
	}

	if len(b) < 2*dwordLen {
		return fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	n := len(b) - dwordLen
	if want, got := CRC(b[:n]), be.Uint32(b[n:]); want != got {
		return fmt.Errorf("%w: %08x != %08x", ErrBadCRC, got, want)
	}

	return nil
}

// encode lays out words big-endian into a new packet and appends the CRC.
func encode(words ...uint32) []byte {
	b := make([]byte, (len(words)+1)*dwordLen)
	for i, w := range words {
		be.PutUint32(b[i*dwordLen:], w)
	}

	n := len(words) * dwordLen
	be.PutUint32(b[n:], CRC(b[:n]))
	return b
}

// Request is a configuration read or write request.
type Request struct {
	Route Route
	Addr  AddrAttrs

	// Data is the payload of a write; it is nil for reads.
	Data []uint32
}

// IsWrite reports whether the request carries a payload.
func (r *Request) IsWrite() bool {
	return r.Data != nil
}

// EncodeRead returns the wire form of a read request.
func EncodeRead(route Route, addr AddrAttrs) []byte {
	return encode(route.Hi(), route.Lo(), uint32(addr))
}

// EncodeWrite returns the wire form of a write request. The payload length
// must match the length in addr.
func EncodeWrite(route Route, addr AddrAttrs, data []uint32) ([]byte, error) {
	if len(data) != addr.Len() {
		return nil, fmt.Errorf("%w: %d dwords for a %d dword write", ErrBadLength, len(data), addr.Len())
	}

	words := make([]uint32, 0, 3+len(data))
	words = append(words, route.Hi(), route.Lo(), uint32(addr))
	words = append(words, data...)
	return encode(words...), nil
}

// DecodeRequest parses a read (write=false) or write request. The CRC is
// verified first.
func DecodeRequest(b []byte, write bool) (*Request, error) {
	if err := Check(b); err != nil {
		return nil, err
	}

	if len(b) < headerLen+dwordLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	r := &Request{
		Route: RouteFromHiLo(be.Uint32(b[0:]), be.Uint32(b[4:])),
		Addr:  AddrAttrs(be.Uint32(b[8:])),
	}

	if !write {
		return r, nil
	}

	n := (len(b) - headerLen - dwordLen) / dwordLen
	if n != r.Addr.Len() {
		return nil, fmt.Errorf("%w: %d payload dwords, header says %d", ErrBadLength, n, r.Addr.Len())
	}

	r.Data = make([]uint32, n)
	for i := range r.Data {
		r.Data[i] = be.Uint32(b[headerLen+i*dwordLen:])
	}

	return r, nil
}

// Response is a configuration read or write response. Route.Hi carries the
// RouteValid bit as received.
type Response struct {
	Route Route
	Addr  AddrAttrs

	// Data holds the payload words actually present in a read response.
	Data []uint32
}

// EncodeReadResponse returns the wire form of a read response.
func EncodeReadResponse(route Route, addr AddrAttrs, data []uint32) []byte {
	words := make([]uint32, 0, 3+len(data))
	words = append(words, route.Hi(), route.Lo(), uint32(addr))
	words = append(words, data...)
	return encode(words...)
}

// EncodeWriteResponse returns the wire form of a write response.
func EncodeWriteResponse(route Route, addr AddrAttrs) []byte {
	return encode(route.Hi(), route.Lo(), uint32(addr))
}

// DecodeResponse parses a read or write response after verifying its CRC.
// The payload is returned as received; callers validate its length against
// the request.
func DecodeResponse(b []byte) (*Response, error) {
	if err := Check(b); err != nil {
		return nil, err
	}

	if len(b) < headerLen+dwordLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	r := &Response{
		Route: RouteFromHiLo(be.Uint32(b[0:]), be.Uint32(b[4:])),
		Addr:  AddrAttrs(be.Uint32(b[8:])),
	}

	n := (len(b) - headerLen - dwordLen) / dwordLen
	if n > 0 {
		r.Data = make([]uint32, n)
		for i := range r.Data {
			r.Data[i] = be.Uint32(b[headerLen+i*dwordLen:])
		}
	}

	return r, nil
}

// EncodeNotify returns the wire form of a notification packet.
func EncodeNotify(n Notify) []byte {
	return encode(n.Route.Hi(), n.Route.Lo(), n.word())
}

// DecodeNotify parses a notification packet after verifying its CRC.
func DecodeNotify(b []byte) (Notify, error) {
	if err := Check(b); err != nil {
		return Notify{}, err
	}

	if len(b) < headerLen+dwordLen {
		return Notify{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	r := RouteFromHiLo(be.Uint32(b[0:]), be.Uint32(b[4:]))
	return parseNotify(r, be.Uint32(b[8:])), nil
}

// EncodeHotplugAck returns the acknowledgement a router expects after it
// reports a hotplug event. Without it the router retransmits the event.
func EncodeHotplugAck(h Hotplug) []byte {
	return EncodeNotify(Notify{
		Route:   h.Route,
		Event:   HotplugAck,
		Adapter: h.Adapter,
		Unplug:  h.Unplug,
	})
}

// EncodeHotplug returns the wire form of a hotplug packet.
func EncodeHotplug(h Hotplug) []byte {
	return encode(h.Route.Hi(), h.Route.Lo(), h.word())
}

// DecodeHotplug parses a hotplug packet after verifying its CRC.
func DecodeHotplug(b []byte) (Hotplug, error) {
	if err := Check(b); err != nil {
		return Hotplug{}, err
	}

	if len(b) < headerLen+dwordLen {
		return Hotplug{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	r := RouteFromHiLo(be.Uint32(b[0:]), be.Uint32(b[4:]))
	return parseHotplug(r, be.Uint32(b[8:])), nil
}

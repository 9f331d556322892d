package cfgmsg_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c35s/tbcfg/cfgmsg"
)

func TestAddr(t *testing.T) {
	a, err := cfgmsg.Addr(cfgmsg.SpaceAdapter, 5, 2, 0x123)
	require.NoError(t, err)

	assert.Equal(t, cfgmsg.SpaceAdapter, a.Space())
	assert.Equal(t, 5, a.Adapter())
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 0x123, a.Offset())
	assert.Equal(t, 0, a.Seq())
	assert.Zero(t, a.Reserved())

	// bit layout: offset 0..12, len 13..18, adapter 19..24, space 25..26
	assert.Equal(t, cfgmsg.AddrAttrs(0x123|2<<13|5<<19|1<<25), a)

	b := a.WithLen(7)
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, a.Offset(), b.Offset())
	assert.Equal(t, a.Adapter(), b.Adapter())
	assert.True(t, a.SameTarget(b))

	for _, other := range []cfgmsg.AddrAttrs{
		mustAddr(t, cfgmsg.SpaceAdapter, 5, 2, 0x124),
		mustAddr(t, cfgmsg.SpaceAdapter, 6, 2, 0x123),
		mustAddr(t, cfgmsg.SpaceRouter, 5, 2, 0x123),
	} {
		assert.False(t, a.SameTarget(other), "%v", other)
	}
}

func mustAddr(t *testing.T, space cfgmsg.Space, adapter, dwlen, offset int) cfgmsg.AddrAttrs {
	t.Helper()

	a, err := cfgmsg.Addr(space, adapter, dwlen, offset)
	require.NoError(t, err)
	return a
}

func TestMaxPayload(t *testing.T) {
	assert.Equal(t, 60, cfgmsg.MaxPayload(256))
	assert.Equal(t, cfgmsg.MaxDWLen, cfgmsg.MaxPayload(cfgmsg.MaxPacketLen))
	assert.Equal(t, cfgmsg.MaxDWLen, cfgmsg.MaxPayload(4096))
	assert.Equal(t, 0, cfgmsg.MaxPayload(8))
}

func TestAddrBounds(t *testing.T) {
	tests := []struct {
		space   cfgmsg.Space
		adapter int
		dwlen   int
		offset  int
		want    error
	}{
		{cfgmsg.SpaceRouter, 0, 0, 0, cfgmsg.ErrBadLength},
		{cfgmsg.SpaceRouter, 0, cfgmsg.MaxDWLen + 1, 0, cfgmsg.ErrBadLength},
		{cfgmsg.SpaceRouter, -1, 1, 0, cfgmsg.ErrBadAddr},
		{cfgmsg.SpaceRouter, cfgmsg.MaxAdapter + 1, 1, 0, cfgmsg.ErrBadAddr},
		{cfgmsg.SpaceRouter, 0, 2, cfgmsg.MaxOffset, cfgmsg.ErrBadAddr},
		{cfgmsg.Space(4), 0, 1, 0, cfgmsg.ErrBadAddr},
		{cfgmsg.SpaceCounters, cfgmsg.MaxAdapter, cfgmsg.MaxDWLen, 0, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%d/%d/%d", tt.space, tt.adapter, tt.dwlen, tt.offset), func(t *testing.T) {
			_, err := cfgmsg.Addr(tt.space, tt.adapter, tt.dwlen, tt.offset)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRead(t *testing.T) {
	route := cfgmsg.RouteFromHiLo(0x1, 0x0201)
	addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 2, 5)
	require.NoError(t, err)

	b := cfgmsg.EncodeRead(route, addr)
	require.Len(t, b, 16)

	assert.Equal(t, uint32(0x1), binary.BigEndian.Uint32(b[0:]))
	assert.Equal(t, uint32(0x0201), binary.BigEndian.Uint32(b[4:]))
	assert.Equal(t, uint32(addr), binary.BigEndian.Uint32(b[8:]))
	assert.Equal(t, cfgmsg.CRC(b[:12]), binary.BigEndian.Uint32(b[12:]))
	require.NoError(t, cfgmsg.Check(b))

	req, err := cfgmsg.DecodeRequest(b, false)
	require.NoError(t, err)
	assert.Equal(t, route, req.Route)
	assert.Equal(t, addr, req.Addr)
	assert.False(t, req.IsWrite())
}

func TestEncodeWrite(t *testing.T) {
	route := cfgmsg.Route(0x0301)
	data := []uint32{0xdeadbeef, 0x01020304, 0}
	addr, err := cfgmsg.Addr(cfgmsg.SpaceAdapter, 3, len(data), 0x40)
	require.NoError(t, err)

	b, err := cfgmsg.EncodeWrite(route, addr, data)
	require.NoError(t, err)
	require.Len(t, b, (3+len(data)+1)*4)

	req, err := cfgmsg.DecodeRequest(b, true)
	require.NoError(t, err)
	assert.True(t, req.IsWrite())
	if diff := cmp.Diff(data, req.Data); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	_, err = cfgmsg.EncodeWrite(route, addr, data[:2])
	assert.ErrorIs(t, err, cfgmsg.ErrBadLength)
}

func TestCRCSingleBitFlip(t *testing.T) {
	addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 4, 0x10)
	require.NoError(t, err)

	b, err := cfgmsg.EncodeWrite(0x050403, addr, []uint32{1, 2, 0xffffffff, 0x80000000})
	require.NoError(t, err)
	require.NoError(t, cfgmsg.Check(b))

	body := len(b) - 4
	for bit := 0; bit < body*8; bit++ {
		c := append([]byte(nil), b...)
		c[bit/8] ^= 1 << (bit % 8)
		if err := cfgmsg.Check(c); !errors.Is(err, cfgmsg.ErrBadCRC) {
			t.Fatalf("bit %d: err=%v", bit, err)
		}
	}
}

func TestCheckShape(t *testing.T) {
	assert.ErrorIs(t, cfgmsg.Check([]byte{1, 2, 3}), cfgmsg.ErrUnaligned)
	assert.ErrorIs(t, cfgmsg.Check([]byte{1, 2, 3, 4}), cfgmsg.ErrTooShort)
}

func TestResponse(t *testing.T) {
	route := cfgmsg.Route(0x0201) | cfgmsg.Route(cfgmsg.RouteValid)<<32
	addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 2, 5)
	require.NoError(t, err)

	b := cfgmsg.EncodeReadResponse(route, addr, []uint32{7, 8})
	r, err := cfgmsg.DecodeResponse(b)
	require.NoError(t, err)

	assert.Equal(t, route, r.Route)
	assert.NotZero(t, r.Route.Hi()&cfgmsg.RouteValid)
	assert.Equal(t, []uint32{7, 8}, r.Data)

	w, err := cfgmsg.DecodeResponse(cfgmsg.EncodeWriteResponse(route, addr))
	require.NoError(t, err)
	assert.Nil(t, w.Data)
	assert.Equal(t, addr, w.Addr)
}

func TestNotify(t *testing.T) {
	n := cfgmsg.Notify{Route: 0x0102, Event: cfgmsg.ErrLink, Adapter: 9}
	got, err := cfgmsg.DecodeNotify(cfgmsg.EncodeNotify(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
	assert.True(t, got.Event.IsError())
	assert.Equal(t, "link error", got.Event.String())
	assert.False(t, cfgmsg.Event(0x21).IsError())
}

func TestHotplugAck(t *testing.T) {
	for _, unplug := range []bool{false, true} {
		h := cfgmsg.Hotplug{Route: 0x03, Adapter: 12, Unplug: unplug}

		got, err := cfgmsg.DecodeHotplug(cfgmsg.EncodeHotplug(h))
		require.NoError(t, err)
		assert.Equal(t, h, got)

		ack, err := cfgmsg.DecodeNotify(cfgmsg.EncodeHotplugAck(h))
		require.NoError(t, err)
		assert.Equal(t, cfgmsg.HotplugAck, ack.Event)
		assert.Equal(t, 12, ack.Adapter)
		assert.Equal(t, unplug, ack.Unplug)
		assert.NotZero(t, ack.PG)
	}
}

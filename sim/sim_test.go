package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
	"github.com/c35s/tbcfg/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const topology = `
[[router]]
route = "0"
vendor = 0x8086
device = 0x9a1b
max_adapter = 16
uuid = 0x0123456789abcdef
sleep_ready_after = 1

[[router]]
route = "0x3"
vendor = 0x8087
max_adapter = 4
upstream = 1

  [[router.cap]]
  offset = 0x20
  id = 5
  vsc = 6
  len = 16
  extended = true
`

func TestParseTopology(t *testing.T) {
	top, err := sim.ParseTopology([]byte(topology))
	require.NoError(t, err)
	require.Len(t, top.Routers, 2)

	want := sim.RouterConfig{
		Route:      "0x3",
		Vendor:     0x8087,
		MaxAdapter: 4,
		Upstream:   1,
		Caps: []sim.CapConfig{
			{Offset: 0x20, ID: cfgmsg.CapVSC, VSC: cfgmsg.VSCLinkController, Len: 16, Extended: true},
		},
	}

	if diff := cmp.Diff(want, top.Routers[1]); diff != "" {
		t.Errorf("router mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, uint64(0x0123456789abcdef), top.Routers[0].UUID)

	_, err = sim.ParseTopology([]byte("[[router]]\nroute = \"zz\"\n"))
	assert.Error(t, err)
}

// host is the host end of a Loopback served by a simulated fabric.
type host struct {
	l  *nhi.Loopback
	sf *sim.Fabric
	rx chan *nhi.Frame
}

func newHost(t *testing.T, cfg sim.Config) *host {
	t.Helper()

	cfg.Logger = zaptest.NewLogger(t)

	l := nhi.NewLoopback(nhi.LoopbackConfig{})
	sf, err := sim.New(l, cfg)
	require.NoError(t, err)

	h := &host{l: l, sf: sf, rx: make(chan *nhi.Frame, 16)}
	rx := func(f *nhi.Frame) {
		select {
		case h.rx <- f:
		default:
			t.Log("dropped received frame")
		}
	}
	require.NoError(t, l.Register(nil, []nhi.Dispatch{
		{PDF: nhi.PDFRead, Handler: rx},
		{PDF: nhi.PDFWrite, Handler: rx},
		{PDF: nhi.PDFNotify, Handler: rx},
		{PDF: nhi.PDFHotplug, Handler: rx},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return sf.Serve(ctx) })

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
		l.Close()
	})

	return h
}

func (h *host) send(t *testing.T, pdf nhi.PDF, pkt []byte) {
	t.Helper()

	f, err := h.l.AllocFrame()
	require.NoError(t, err)

	f.PDF = pdf
	f.Data = append(f.Data, pkt...)
	require.NoError(t, h.l.Submit(f))
	h.l.FreeFrame(f)
}

func (h *host) recv(t *testing.T) *nhi.Frame {
	t.Helper()

	select {
	case f := <-h.rx:
		return f

	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

func TestFabricRead(t *testing.T) {
	top, err := sim.ParseTopology([]byte(topology))
	require.NoError(t, err)

	h := newHost(t, sim.Config{Routers: top.Routers})

	addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 0, cfgmsg.RouterHeaderLen)
	require.NoError(t, err)
	h.send(t, nhi.PDFRead, cfgmsg.EncodeRead(0, addr))

	f := h.recv(t)
	require.Equal(t, nhi.PDFRead, f.PDF)

	resp, err := cfgmsg.DecodeResponse(f.Data)
	require.NoError(t, err)
	assert.NotZero(t, resp.Route.Hi()&cfgmsg.RouteValid)

	hdr, err := cfgmsg.ParseRouterHeader(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8086), hdr.VendorID)
	assert.Equal(t, uint16(0x9a1b), hdr.DeviceID)
	assert.Equal(t, 16, hdr.MaxAdapter)
	assert.Equal(t, 0x10, hdr.NextCap)
	assert.Equal(t, uint32(0x89abcdef), hdr.UUIDLo)
	assert.Equal(t, uint32(0x01234567), hdr.UUIDHi)

	// the child's header reports its depth
	h.send(t, nhi.PDFRead, cfgmsg.EncodeRead(3, addr))
	resp, err = cfgmsg.DecodeResponse(h.recv(t).Data)
	require.NoError(t, err)
	hdr, err = cfgmsg.ParseRouterHeader(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, 1, hdr.Depth)
	assert.Equal(t, 0x20, hdr.NextCap)
}

func TestFabricWrite(t *testing.T) {
	h := newHost(t, sim.Config{
		Routers:       []sim.RouterConfig{{Route: "0"}},
		ClearRouteBit: true,
	})

	addr, err := cfgmsg.Addr(cfgmsg.SpaceAdapter, 2, 2, 0x100)
	require.NoError(t, err)

	pkt, err := cfgmsg.EncodeWrite(0, addr, []uint32{0xaa, 0xbb})
	require.NoError(t, err)
	h.send(t, nhi.PDFWrite, pkt)

	f := h.recv(t)
	require.Equal(t, nhi.PDFWrite, f.PDF)

	resp, err := cfgmsg.DecodeResponse(f.Data)
	require.NoError(t, err)
	assert.Zero(t, resp.Route.Hi()&cfgmsg.RouteValid)

	v, ok := h.sf.Reg(0, cfgmsg.SpaceAdapter, 2, 0x101)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xbb), v)
	assert.Equal(t, 1, h.sf.Requests())
}

func TestFabricErrors(t *testing.T) {
	h := newHost(t, sim.Config{Routers: []sim.RouterConfig{{Route: "0", MaxAdapter: 2}}})

	tests := []struct {
		name  string
		route cfgmsg.Route
		space cfgmsg.Space
		adp   int
		want  cfgmsg.Event
	}{
		{"no router", 0x1, cfgmsg.SpaceRouter, 0, cfgmsg.ErrConn},
		{"no adapter", 0, cfgmsg.SpaceAdapter, 5, cfgmsg.ErrAdapter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := cfgmsg.Addr(tt.space, tt.adp, 1, 0)
			require.NoError(t, err)
			h.send(t, nhi.PDFRead, cfgmsg.EncodeRead(tt.route, addr))

			f := h.recv(t)
			require.Equal(t, nhi.PDFNotify, f.PDF)

			n, err := cfgmsg.DecodeNotify(f.Data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Event)
			assert.Equal(t, tt.route, n.Route&^(cfgmsg.RouteValid<<32))
		})
	}
}

func TestFabricHook(t *testing.T) {
	h := newHost(t, sim.Config{
		Routers: []sim.RouterConfig{{Route: "0"}},
		Hook: func(req *sim.Request) sim.Action {
			if req.Addr.Offset() == 1 {
				return sim.Action{Drop: true}
			}

			return sim.Action{Notify: []cfgmsg.Event{cfgmsg.ErrLock}}
		},
	})

	for off := 0; off < 2; off++ {
		addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 1, 1-off)
		require.NoError(t, err)
		h.send(t, nhi.PDFRead, cfgmsg.EncodeRead(0, addr))
	}

	// the dropped request gets nothing; the other a notification then its response
	f := h.recv(t)
	require.Equal(t, nhi.PDFNotify, f.PDF)
	n, err := cfgmsg.DecodeNotify(f.Data)
	require.NoError(t, err)
	assert.Equal(t, cfgmsg.ErrLock, n.Event)

	assert.Equal(t, nhi.PDFRead, h.recv(t).PDF)
	assert.Equal(t, 2, h.sf.Requests())
}

func TestFabricSleep(t *testing.T) {
	h := newHost(t, sim.Config{Routers: []sim.RouterConfig{{Route: "0", SleepReadyAfter: 1}}})

	readCS6 := func() uint32 {
		addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 1, cfgmsg.RouterCS6)
		require.NoError(t, err)
		h.send(t, nhi.PDFRead, cfgmsg.EncodeRead(0, addr))

		resp, err := cfgmsg.DecodeResponse(h.recv(t).Data)
		require.NoError(t, err)
		return resp.Data[0]
	}

	assert.Zero(t, readCS6()&cfgmsg.RouterSLPR)

	addr, err := cfgmsg.Addr(cfgmsg.SpaceRouter, 0, 1, cfgmsg.RouterCS5)
	require.NoError(t, err)
	pkt, err := cfgmsg.EncodeWrite(0, addr, []uint32{cfgmsg.RouterSLP | cfgmsg.RouterWOU})
	require.NoError(t, err)
	h.send(t, nhi.PDFWrite, pkt)
	h.recv(t)

	assert.Zero(t, readCS6()&cfgmsg.RouterSLPR)
	assert.NotZero(t, readCS6()&cfgmsg.RouterSLPR)
}

func TestFabricHotplug(t *testing.T) {
	h := newHost(t, sim.Config{
		Routers:           []sim.RouterConfig{{Route: "0"}},
		HotplugRetransmit: 10 * time.Millisecond,
	})

	require.NoError(t, h.sf.Unplug(0, 3))

	f := h.recv(t)
	require.Equal(t, nhi.PDFHotplug, f.PDF)
	hp, err := cfgmsg.DecodeHotplug(f.Data)
	require.NoError(t, err)
	assert.Equal(t, 3, hp.Adapter)
	assert.True(t, hp.Unplug)

	// unacknowledged events come back
	assert.Equal(t, nhi.PDFHotplug, h.recv(t).PDF)
	assert.Equal(t, 1, h.sf.Unacked())

	// acks echo the route with its valid bit
	h.send(t, nhi.PDFNotify, cfgmsg.EncodeHotplugAck(hp))

	require.Eventually(t, func() bool { return h.sf.Unacked() == 0 }, time.Second, time.Millisecond)

	acks := h.sf.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, cfgmsg.HotplugAck, acks[0].Event)
	assert.Equal(t, 3, acks[0].Adapter)
	assert.True(t, acks[0].Unplug)
	assert.Equal(t, cfgmsg.Route(cfgmsg.RouteValid<<32), acks[0].Route)
}

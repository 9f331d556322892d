package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
	"github.com/c35s/tbcfg/router"
	"github.com/c35s/tbcfg/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chain is a root with a line of routers below it, each reached through
// the previous one's adapter 1, 2 and 3.
var chain = []sim.RouterConfig{
	{Route: "0", Vendor: 0x8086, Device: 0x1137, MaxAdapter: 8, UUID: 0xfeed},
	{Route: "1", Vendor: 0x8086, MaxAdapter: 4, Upstream: 1},
	{Route: "201", Vendor: 0x8086, MaxAdapter: 4, Upstream: 1},
	{Route: "30201", Vendor: 0x8086, MaxAdapter: 4, Upstream: 1},
}

type testFabric struct {
	*router.Fabric
	sim *sim.Fabric
	l   *nhi.Loopback
	m   *router.Metrics
}

// newFabric attaches a fabric to a simulated one. Unset timeouts are short.
func newFabric(t *testing.T, scfg sim.Config, cfg router.Config) *testFabric {
	t.Helper()

	if scfg.Routers == nil {
		scfg.Routers = chain[:1]
	}

	scfg.Logger = zaptest.NewLogger(t).Named("sim")

	l := nhi.NewLoopback(nhi.LoopbackConfig{})
	sf, err := sim.New(l, scfg)
	require.NoError(t, err)

	t.Cleanup(serve(t, sf, l))

	tf := &testFabric{sim: sf, l: l, m: router.NewMetrics(prometheus.NewRegistry())}

	cfg.Metrics = tf.m
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 250 * time.Millisecond
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}

	if cfg.BusyBackoff == 0 {
		cfg.BusyBackoff = time.Millisecond
	}

	f, err := router.AttachRoot(l, 0, cfg)
	require.NoError(t, err)

	tf.Fabric = f
	return tf
}

// serve runs sf until the returned func is called. The func also closes l.
func serve(t *testing.T, sf *sim.Fabric, l *nhi.Loopback) func() {
	ctx, cancel := context.WithCancel(context.Background())

	var g errgroup.Group
	g.Go(func() error { return sf.Serve(ctx) })

	return func() {
		cancel()
		assert.NoError(t, g.Wait())
		l.Close()
	}
}

// attachChain attaches every router of chain below the root.
func (tf *testFabric) attachChain(t *testing.T) []*router.Router {
	t.Helper()

	rs := []*router.Router{tf.Root()}
	for _, rc := range chain[1:] {
		route, err := cfgmsg.ParseRoute(rc.Route)
		require.NoError(t, err)

		r, err := tf.AttachChild(rs[len(rs)-1], route)
		require.NoError(t, err)
		rs = append(rs, r)
	}

	return rs
}

func TestAttachRoot(t *testing.T) {
	tf := newFabric(t, sim.Config{}, router.Config{})

	root := tf.Root()
	require.NotNil(t, root)

	hdr := root.Header()
	assert.Equal(t, uint16(0x8086), hdr.VendorID)
	assert.Equal(t, uint16(0x1137), hdr.DeviceID)
	assert.Equal(t, 8, root.MaxAdapter())
	assert.Equal(t, 0, root.Depth())
	assert.Equal(t, router.UUID{0xfeed, 0, 0xffffffff, 0xffffffff}, root.UUID())
	assert.Equal(t, "ffffffff-ffffffff-00000000-0000feed", root.UUID().String())
	assert.Same(t, tf.Fabric, root.Fabric())
	assert.Same(t, root, tf.Router(root.Handle()))
}

func TestAttachRootNoRouter(t *testing.T) {
	l := nhi.NewLoopback(nhi.LoopbackConfig{})
	defer l.Close()

	// nothing answers the ring
	_, err := router.AttachRoot(l, 0, router.Config{
		Logger:       zaptest.NewLogger(t),
		Timeout:      20 * time.Millisecond,
		PollInterval: time.Millisecond,
		Retries:      -1,
	})

	assert.ErrorIs(t, err, router.ErrTimeout)
}

func TestAttachRootBadConfig(t *testing.T) {
	l := nhi.NewLoopback(nhi.LoopbackConfig{})
	defer l.Close()

	_, err := router.AttachRoot(l, 0, router.Config{Timeout: time.Millisecond, PollInterval: time.Second})
	assert.ErrorIs(t, err, router.ErrInvalid)

	_, err = router.AttachRoot(l, 0x1, router.Config{})
	assert.ErrorIs(t, err, router.ErrTopology)
}

func TestLookup(t *testing.T) {
	tf := newFabric(t, sim.Config{Routers: chain}, router.Config{})
	rs := tf.attachChain(t)

	for depth, want := range rs {
		r, steps, err := tf.LookupSteps(want.Route())
		require.NoError(t, err)
		assert.Same(t, want, r)
		assert.Equal(t, depth, steps)
		assert.Equal(t, depth, r.Depth())
	}

	tests := []struct {
		name  string
		route cfgmsg.Route
		want  error
	}{
		{"empty adapter", 0x4, router.ErrNotFound},
		{"below a leaf", 0x1030201, router.ErrNotFound},
		{"hop past max adapter", 0x9, router.ErrOutOfRange},
		{"deep hop past max adapter", 0x501, router.ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tf.Lookup(tt.route)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLookupUninitialized(t *testing.T) {
	tf := newFabric(t, sim.Config{}, router.Config{})

	tf.Root().DropChildren()
	_, err := tf.Lookup(0x1)
	assert.ErrorIs(t, err, router.ErrUninitialized)

	r, err := tf.Lookup(0)
	require.NoError(t, err)
	assert.Same(t, tf.Root(), r)
}

func TestAttachChild(t *testing.T) {
	tf := newFabric(t, sim.Config{Routers: chain}, router.Config{})
	root := tf.Root()

	c, err := tf.AttachChild(root, 0x1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Depth())
	assert.Equal(t, 4, c.MaxAdapter())
	assert.Same(t, c, root.Child(1))

	// attaching again leaves the tree alone
	again, err := tf.AttachChild(root, 0x1)
	assert.ErrorIs(t, err, router.ErrExists)
	assert.Same(t, c, again)
	assert.Len(t, root.Children(), 1)

	tests := []struct {
		name   string
		parent *router.Router
		route  cfgmsg.Route
		want   error
	}{
		{"skips a level", root, 0x201, router.ErrTopology},
		{"not below parent", c, 0x202, router.ErrTopology},
		{"past max adapter", root, 0x9, router.ErrOutOfRange},
		{"nil parent", nil, 0x2, router.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tf.AttachChild(tt.parent, tt.route)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAttachChildNotPresent(t *testing.T) {
	tf := newFabric(t, sim.Config{}, router.Config{})

	// the fabric reports a connection error for a missing router
	_, err := tf.AttachChild(tf.Root(), 0x2)

	var ee *router.EventError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, cfgmsg.ErrConn, ee.Event)

	_, err = tf.Lookup(0x2)
	assert.ErrorIs(t, err, router.ErrNotFound)
	assert.Empty(t, tf.Root().Children())
}

func TestWalk(t *testing.T) {
	routers := append([]sim.RouterConfig{}, chain...)
	routers = append(routers, sim.RouterConfig{Route: "3"})

	tf := newFabric(t, sim.Config{Routers: routers}, router.Config{})
	tf.attachChain(t)

	_, err := tf.AttachChild(tf.Root(), 0x3)
	require.NoError(t, err)

	var got []cfgmsg.Route
	require.NoError(t, tf.Walk(func(r *router.Router) error {
		got = append(got, r.Route())
		return nil
	}))

	assert.Equal(t, []cfgmsg.Route{0, 0x1, 0x201, 0x30201, 0x3}, got)
}

func TestDetach(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	tf := newFabric(t, sim.Config{
		Routers: chain[:2],
		Hook: func(req *sim.Request) sim.Action {
			if req.Route == 0x1 && req.Addr.Offset() == 0x40 {
				close(entered)
				<-release
			}

			return sim.Action{}
		},
	}, router.Config{Timeout: 5 * time.Second})

	root := tf.Root()
	c, err := tf.AttachChild(root, 0x1)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		var buf [1]uint32
		return c.Read(cfgmsg.SpaceRouter, 0, 0x40, 1, buf[:])
	})

	<-entered
	assert.Equal(t, 1, c.Pending())
	assert.ErrorIs(t, tf.Detach(c), router.ErrBusy)
	assert.ErrorIs(t, tf.Detach(root), router.ErrBusy)

	close(release)
	require.NoError(t, g.Wait())

	require.NoError(t, tf.Detach(c))
	assert.Nil(t, root.Child(1))
	assert.ErrorIs(t, tf.Detach(c), router.ErrDetached)

	_, err = tf.Lookup(0x1)
	assert.ErrorIs(t, err, router.ErrNotFound)

	var buf [1]uint32
	assert.ErrorIs(t, c.Read(cfgmsg.SpaceRouter, 0, 0, 1, buf[:]), router.ErrDetached)

	// the slot is reused
	c2, err := tf.AttachChild(root, 0x1)
	require.NoError(t, err)
	assert.Equal(t, c.Handle(), c2.Handle())
	assert.Same(t, c2, root.Child(1))

	require.NoError(t, tf.Close())
	assert.Nil(t, tf.Root())
}

func TestHotplug(t *testing.T) {
	events := make(chan router.HotplugEvent, 1)
	tf := newFabric(t, sim.Config{Routers: chain[:2]}, router.Config{
		OnHotplug: func(ev router.HotplugEvent) { events <- ev },
	})

	_, err := tf.AttachChild(tf.Root(), 0x1)
	require.NoError(t, err)

	require.NoError(t, tf.sim.Plug(0x1, 3))

	select {
	case ev := <-events:
		assert.Equal(t, router.HotplugEvent{Route: 0x1, Adapter: 3}, ev)

	case <-time.After(time.Second):
		t.Fatal("no hotplug event")
	}

	require.Eventually(t, func() bool { return tf.sim.Unacked() == 0 }, time.Second, time.Millisecond)

	acks := tf.sim.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, cfgmsg.Route(cfgmsg.RouteValid<<32|0x1), acks[0].Route)
	assert.Equal(t, 3, acks[0].Adapter)
	assert.False(t, acks[0].Unplug)
}

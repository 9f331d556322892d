// Package sim emulates a USB4/Thunderbolt fabric on the far side of an
// nhi.Loopback. Simulated routers answer configuration reads and writes
// from their register spaces, raise notifications and hotplug events, and
// record the acknowledgements the host sends back.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
)

// Config configures a simulated fabric.
type Config struct {

	// Routers are the fabric's routers. A router at route 0 is the root.
	Routers []RouterConfig

	// Logger receives the fabric's logs. If Logger is nil, nothing is logged.
	Logger *zap.Logger

	// Hook, if set, sees every request before it is served and decides
	// what the fabric does with it.
	Hook func(req *Request) Action

	// ClearRouteBit makes responses omit the valid bit of their route.
	ClearRouteBit bool

	// ResponseFirst delivers each response before the request's transmit
	// completion.
	ResponseFirst bool

	// Delay is added before every response.
	Delay time.Duration

	// HotplugRetransmit is how often unacknowledged hotplug events are
	// sent again. If it is 0, they are sent once.
	HotplugRetransmit time.Duration
}

// Request is a configuration request seen by a Hook.
type Request struct {
	PDF nhi.PDF
	*cfgmsg.Request
}

// Action tells the fabric how to treat a request.
type Action struct {

	// Drop swallows the request: it completes on the ring but is never
	// answered.
	Drop bool

	// Notify lists events raised against the request's route before the
	// response is sent.
	Notify []cfgmsg.Event
}

type hotplugKey struct {
	route   cfgmsg.Route
	adapter int
	unplug  bool
}

// Fabric is a simulated fabric serving one Loopback.
type Fabric struct {
	l   *nhi.Loopback
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	routers  map[cfgmsg.Route]*router
	acks     []cfgmsg.Notify
	unacked  map[hotplugKey]cfgmsg.Hotplug
	requests int
}

// New builds a fabric from cfg. Call Serve to start answering requests.
func New(l *nhi.Loopback, cfg Config) (*Fabric, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	f := &Fabric{
		l:       l,
		cfg:     cfg,
		log:     cfg.Logger,
		routers: make(map[cfgmsg.Route]*router),
		unacked: make(map[hotplugKey]cfgmsg.Hotplug),
	}

	for _, rc := range cfg.Routers {
		if err := f.AddRouter(rc); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// NewFromTopology builds a fabric from a topology file's routers.
func NewFromTopology(l *nhi.Loopback, t *Topology, cfg Config) (*Fabric, error) {
	cfg.Routers = append(cfg.Routers, t.Routers...)
	return New(l, cfg)
}

// AddRouter plugs in a router. Its parent need not exist.
func (f *Fabric) AddRouter(rc RouterConfig) error {
	rc = rc.withDefaults()
	route, err := rc.route()
	if err != nil {
		return err
	}

	if err := rc.validate(); err != nil {
		return fmt.Errorf("sim: router %v: %w", route, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.routers[route]; ok {
		return fmt.Errorf("sim: router %v already exists", route)
	}

	f.routers[route] = newRouter(rc, route)
	return nil
}

// RemoveRouter unplugs the router at route. Requests to it fail with a
// connection error notification.
func (f *Fabric) RemoveRouter(route cfgmsg.Route) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.routers, route)
}

// Routes returns the routes of all routers, sorted.
func (f *Fabric) Routes() []cfgmsg.Route {
	f.mu.Lock()
	defer f.mu.Unlock()

	rs := make([]cfgmsg.Route, 0, len(f.routers))
	for r := range f.routers {
		rs = append(rs, r)
	}

	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
	return rs
}

// Reg returns a register of the router at route.
func (f *Fabric) Reg(route cfgmsg.Route, space cfgmsg.Space, adapter, offset int) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.routers[route]
	if !ok {
		return 0, false
	}

	if space == cfgmsg.SpaceRouter {
		adapter = 0
	}

	return r.regs[regKey{space, adapter, offset}], true
}

// SetReg sets a register of the router at route.
func (f *Fabric) SetReg(route cfgmsg.Route, space cfgmsg.Space, adapter, offset int, v uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.routers[route]
	if !ok {
		return fmt.Errorf("sim: no router at %v", route)
	}

	if space == cfgmsg.SpaceRouter {
		adapter = 0
	}

	r.regs[regKey{space, adapter, offset}] = v
	return nil
}

// Requests returns the number of configuration requests received.
func (f *Fabric) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.requests
}

// Acks returns the hotplug acknowledgements received, oldest first.
func (f *Fabric) Acks() []cfgmsg.Notify {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]cfgmsg.Notify(nil), f.acks...)
}

// Unacked returns the number of hotplug events awaiting acknowledgement.
func (f *Fabric) Unacked() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.unacked)
}

// Serve answers requests until ctx is done or the Loopback is closed.
func (f *Fabric) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.serveRequests(ctx)
	})

	if f.cfg.HotplugRetransmit > 0 {
		g.Go(func() error {
			return f.retransmit(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (f *Fabric) serveRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-f.l.Done():
			return nil

		case <-f.l.Kick():
			for tx := f.l.NextTx(); tx != nil; tx = f.l.NextTx() {
				f.handle(tx)
			}
		}
	}
}

func (f *Fabric) retransmit(ctx context.Context) error {
	t := time.NewTicker(f.cfg.HotplugRetransmit)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-f.l.Done():
			return nil

		case <-t.C:
			f.mu.Lock()
			hs := make([]cfgmsg.Hotplug, 0, len(f.unacked))
			for _, h := range f.unacked {
				hs = append(hs, h)
			}
			f.mu.Unlock()

			for _, h := range hs {
				f.log.Debug("retransmitting hotplug", zap.Stringer("route", h.Route), zap.Int("adapter", h.Adapter))
				if err := f.sendHotplug(h); err != nil && !errors.Is(err, nhi.ErrClosed) {
					return err
				}
			}
		}
	}
}

func (f *Fabric) handle(tx *nhi.TxFrame) {
	switch tx.PDF {
	case nhi.PDFRead, nhi.PDFWrite:
		f.request(tx)

	case nhi.PDFNotify:
		tx.Complete()
		f.ack(tx.Data)

	default:
		tx.Complete()
		f.log.Debug("ignoring frame", zap.Stringer("pdf", tx.PDF))
	}
}

func (f *Fabric) request(tx *nhi.TxFrame) {
	req, err := cfgmsg.DecodeRequest(tx.Data, tx.PDF == nhi.PDFWrite)
	if err != nil {
		tx.Complete()
		f.log.Warn("bad request", zap.Stringer("pdf", tx.PDF), zap.Error(err))
		return
	}

	f.mu.Lock()
	f.requests++
	f.mu.Unlock()

	var act Action
	if f.cfg.Hook != nil {
		act = f.cfg.Hook(&Request{PDF: tx.PDF, Request: req})
	}

	if act.Drop {
		tx.Complete()
		return
	}

	if f.cfg.Delay > 0 {
		time.Sleep(f.cfg.Delay)
	}

	resp, ev := f.serve(tx.PDF, req)

	if !f.cfg.ResponseFirst {
		tx.Complete()
	}

	for _, e := range act.Notify {
		f.deliverNotify(cfgmsg.Notify{Route: req.Route, Event: e, Adapter: req.Addr.Adapter()})
	}

	if ev != cfgmsg.EventNone {
		f.deliverNotify(cfgmsg.Notify{Route: req.Route, Event: ev, Adapter: req.Addr.Adapter()})
	} else if err := f.l.Deliver(tx.PDF, resp); err != nil {
		f.log.Debug("deliver response", zap.Error(err))
	}

	if f.cfg.ResponseFirst {
		tx.Complete()
	}
}

// serve applies a request to its router and returns the response, or the
// event the router reports instead.
func (f *Fabric) serve(pdf nhi.PDF, req *cfgmsg.Request) ([]byte, cfgmsg.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.routers[req.Route]
	if !ok {
		return nil, cfgmsg.ErrConn
	}

	if ev := r.check(req.Addr); ev != cfgmsg.EventNone {
		return nil, ev
	}

	route := f.echo(req.Route)
	if pdf == nhi.PDFWrite {
		r.write(req.Addr, req.Data)
		return cfgmsg.EncodeWriteResponse(route, req.Addr), cfgmsg.EventNone
	}

	return cfgmsg.EncodeReadResponse(route, req.Addr, r.read(req.Addr)), cfgmsg.EventNone
}

// echo marks a route as echoed by the fabric.
func (f *Fabric) echo(route cfgmsg.Route) cfgmsg.Route {
	if f.cfg.ClearRouteBit {
		return route
	}

	return route | cfgmsg.RouteValid<<32
}

func (f *Fabric) deliverNotify(n cfgmsg.Notify) {
	n.Route = f.echo(n.Route)
	if err := f.l.Deliver(nhi.PDFNotify, cfgmsg.EncodeNotify(n)); err != nil {
		f.log.Debug("deliver notification", zap.Error(err))
	}
}

// Notify raises an event against route.
func (f *Fabric) Notify(route cfgmsg.Route, ev cfgmsg.Event, adapter int) error {
	n := cfgmsg.Notify{Route: f.echo(route), Event: ev, Adapter: adapter}
	return f.l.Deliver(nhi.PDFNotify, cfgmsg.EncodeNotify(n))
}

// Plug reports a device connected to an adapter of the router at route.
func (f *Fabric) Plug(route cfgmsg.Route, adapter int) error {
	return f.hotplug(cfgmsg.Hotplug{Route: route, Adapter: adapter})
}

// Unplug reports a device disconnected from an adapter.
func (f *Fabric) Unplug(route cfgmsg.Route, adapter int) error {
	return f.hotplug(cfgmsg.Hotplug{Route: route, Adapter: adapter, Unplug: true})
}

func (f *Fabric) hotplug(h cfgmsg.Hotplug) error {
	f.mu.Lock()
	f.unacked[hotplugKey{h.Route, h.Adapter, h.Unplug}] = h
	f.mu.Unlock()

	return f.sendHotplug(h)
}

func (f *Fabric) sendHotplug(h cfgmsg.Hotplug) error {
	h.Route = f.echo(h.Route)
	return f.l.Deliver(nhi.PDFHotplug, cfgmsg.EncodeHotplug(h))
}

func (f *Fabric) ack(b []byte) {
	n, err := cfgmsg.DecodeNotify(b)
	if err != nil {
		f.log.Warn("bad notification from host", zap.Error(err))
		return
	}

	if n.Event != cfgmsg.HotplugAck {
		f.log.Debug("ignoring notification from host", zap.Stringer("event", n.Event))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks = append(f.acks, n)
	delete(f.unacked, hotplugKey{n.Route &^ (cfgmsg.RouteValid << 32), n.Adapter, n.Unplug})
}

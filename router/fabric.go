// Package router manages the routers of a USB4/Thunderbolt fabric: the tree
// of routers addressed by route strings, the configuration read and write
// commands sent to them, and the notifications they raise.
//
// A Fabric is created by attaching its root router to a transport. Every
// router serializes its commands: at most one is outstanding on the wire at a
// time, and the rest wait in a FIFO queue. Commands may block until done,
// poll for completion, or finish asynchronously with a callback.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"
	"go.uber.org/zap"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
)

// Handle identifies a router within its fabric. The zero Handle is no router.
type Handle uint32

// Fabric is the tree of routers reachable through one transport.
type Fabric struct {
	tr  nhi.Transport
	cfg Config
	log *zap.Logger
	m   *Metrics

	// mu guards the arena. Routers guard their own state.
	mu    sync.RWMutex
	nodes []*Router
	free  []Handle
	root  Handle

	cache *arc.ARCCache[cfgmsg.Route, Handle]
}

// AttachRoot registers the fabric's interrupt handlers with tr and enumerates
// the root router at route. The root router must be the only router
// attached through tr.
func AttachRoot(tr nhi.Transport, route cfgmsg.Route, cfg Config) (*Fabric, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if route.Depth() != 0 {
		return nil, fmt.Errorf("%w: root route %v has hops", ErrTopology, route)
	}

	cache, err := arc.NewARC[cfgmsg.Route, Handle](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	f := &Fabric{
		tr:    tr,
		cfg:   cfg,
		log:   cfg.Logger,
		m:     cfg.Metrics,
		cache: cache,
	}

	if err := f.register(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	r := f.newRouterLocked(route, 0)
	f.root = r.h
	f.mu.Unlock()

	if err := r.enumerate(); err != nil {
		f.mu.Lock()
		f.root = 0
		f.removeLocked(r)
		f.mu.Unlock()
		return nil, fmt.Errorf("enumerate root router: %w", err)
	}

	r.log.Info("attached root router", r.fields()...)
	return f, nil
}

// newRouterLocked places a new router in the arena.
func (f *Fabric) newRouterLocked(route cfgmsg.Route, hop uint8) *Router {
	r := &Router{
		f:     f,
		route: route,
		depth: route.Depth(),
		hop:   hop,
		log:   f.log.With(zap.Stringer("route", route)),
	}

	if n := len(f.free); n > 0 {
		r.h = f.free[n-1]
		f.free = f.free[:n-1]
		f.nodes[r.h-1] = r
	} else {
		f.nodes = append(f.nodes, r)
		r.h = Handle(len(f.nodes))
	}

	f.m.Routers.Inc()
	return r
}

func (f *Fabric) removeLocked(r *Router) {
	if f.node(r.h) != r {
		return
	}

	f.nodes[r.h-1] = nil
	f.free = append(f.free, r.h)
	f.cache.Remove(r.route)
	f.m.Routers.Dec()
}

// node returns the router for h, or nil. The caller holds f.mu.
func (f *Fabric) node(h Handle) *Router {
	if h == 0 || int(h) > len(f.nodes) {
		return nil
	}

	return f.nodes[h-1]
}

// Router returns the router for h, or nil if h is no longer attached.
func (f *Fabric) Router(h Handle) *Router {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.node(h)
}

// Root returns the root router, or nil after it has been detached.
func (f *Fabric) Root() *Router {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.node(f.root)
}

// Lookup finds the router at route by walking down from the root, taking
// one hop per level.
func (f *Fabric) Lookup(route cfgmsg.Route) (*Router, error) {
	r, _, err := f.lookup(route)
	return r, err
}

func (f *Fabric) lookup(route cfgmsg.Route) (*Router, int, error) {
	cur := f.Root()
	if cur == nil {
		return nil, 0, ErrNotFound
	}

	for steps := 0; ; steps++ {
		if cur.route == route {
			return cur, steps, nil
		}

		hop := route.Hop(cur.depth)
		if hop == 0 {
			return nil, steps, fmt.Errorf("%w: %v", ErrNotFound, route)
		}

		h, err := cur.child(hop)
		if err != nil {
			return nil, steps, fmt.Errorf("%w: %v hop %d", err, route, hop)
		}

		next := f.Router(h)
		if next == nil {
			return nil, steps, fmt.Errorf("%w: %v", ErrNotFound, route)
		}

		cur = next
	}
}

// resolve is Lookup for the interrupt handlers, fronted by the route cache.
func (f *Fabric) resolve(route cfgmsg.Route) (*Router, error) {
	if h, ok := f.cache.Get(route); ok {
		if r := f.Router(h); r != nil && r.route == route {
			return r, nil
		}

		f.cache.Remove(route)
	}

	r, err := f.Lookup(route)
	if err != nil {
		return nil, err
	}

	f.cache.Add(route, r.h)
	return r, nil
}

// insert links child into parent's child array.
func (f *Fabric) insert(child, parent *Router) error {
	if parent == nil || child == nil {
		return ErrInvalid
	}

	if child.depth != parent.depth+1 ||
		child.route.Parent() != parent.route ||
		child.route.Hop(parent.depth) == 0 {
		return fmt.Errorf("%w: %v under %v", ErrTopology, child.route, parent.route)
	}

	hop := child.route.Hop(parent.depth)

	parent.mu.Lock()
	defer parent.mu.Unlock()

	switch {
	case parent.detached:
		return ErrDetached

	case int(hop) > parent.maxAdapter:
		return fmt.Errorf("%w: hop %d > %d", ErrOutOfRange, hop, parent.maxAdapter)

	case parent.adapters == nil:
		return ErrUninitialized

	case parent.adapters[hop] != 0:
		return fmt.Errorf("%w: %v", ErrExists, child.route)
	}

	parent.adapters[hop] = child.h
	return nil
}

// AttachChild enumerates the router at route, one hop below parent, and links
// it into the tree. If a router is already attached at route, AttachChild
// returns it along with an error wrapping ErrExists.
func (f *Fabric) AttachChild(parent *Router, route cfgmsg.Route) (*Router, error) {
	if parent == nil {
		return nil, ErrInvalid
	}

	f.mu.Lock()
	r := f.newRouterLocked(route, route.Hop(parent.depth))
	f.mu.Unlock()

	if err := f.insert(r, parent); err != nil {
		f.mu.Lock()
		f.removeLocked(r)
		f.mu.Unlock()

		if errors.Is(err, ErrExists) {
			if old, lerr := f.Lookup(route); lerr == nil {
				old.log.Debug("router already attached")
				return old, err
			}
		}

		return nil, err
	}

	if err := r.enumerate(); err != nil {
		f.unlink(r)
		f.mu.Lock()
		f.removeLocked(r)
		f.mu.Unlock()
		return nil, fmt.Errorf("enumerate router %v: %w", route, err)
	}

	r.log.Info("attached router", r.fields()...)
	return r, nil
}

// unlink clears r from its parent's child array.
func (f *Fabric) unlink(r *Router) {
	if r.depth == 0 {
		f.mu.Lock()
		if f.root == r.h {
			f.root = 0
		}
		f.mu.Unlock()
		return
	}

	parent, err := f.Lookup(r.route.Parent())
	if err != nil {
		return
	}

	parent.mu.Lock()
	if int(r.hop) < len(parent.adapters) && parent.adapters[r.hop] == r.h {
		parent.adapters[r.hop] = 0
	}
	parent.mu.Unlock()
}

// Detach removes r from the fabric. It fails with ErrBusy while r has
// commands queued or in flight, or routers attached below it.
func (f *Fabric) Detach(r *Router) error {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return ErrDetached
	}

	if r.inflight != nil || len(r.queue) > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: commands pending on %v", ErrBusy, r.route)
	}

	for hop, h := range r.adapters {
		if h != 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: router attached at hop %d of %v", ErrBusy, hop, r.route)
		}
	}

	r.detached = true
	if r.redrain != nil {
		r.redrain.Stop()
		r.redrain = nil
	}
	r.mu.Unlock()

	f.unlink(r)

	f.mu.Lock()
	f.removeLocked(r)
	f.mu.Unlock()

	r.log.Info("detached router")
	return nil
}

// Walk calls fn for every attached router, parents before children and
// siblings in hop order. It stops at the first error fn returns.
func (f *Fabric) Walk(fn func(r *Router) error) error {
	root := f.Root()
	if root == nil {
		return nil
	}

	return f.walk(root, fn)
}

func (f *Fabric) walk(r *Router, fn func(r *Router) error) error {
	if err := fn(r); err != nil {
		return err
	}

	for _, c := range r.Children() {
		if err := f.walk(c, fn); err != nil {
			return err
		}
	}

	return nil
}

// Close detaches every router, deepest first. It fails with ErrBusy if any
// router still has commands pending.
func (f *Fabric) Close() error {
	root := f.Root()
	if root == nil {
		return nil
	}

	return f.detachTree(root)
}

func (f *Fabric) detachTree(r *Router) error {
	for _, c := range r.Children() {
		if err := f.detachTree(c); err != nil {
			return err
		}
	}

	return f.Detach(r)
}

package router

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/c35s/tbcfg/cfgmsg"
)

// UUID is a router's unique id. Routers report the low 64 bits; the high
// words are always all ones.
type UUID [4]uint32

func (u UUID) String() string {
	return fmt.Sprintf("%08x-%08x-%08x-%08x", u[3], u[2], u[1], u[0])
}

// Router is a node of the fabric tree. It is created by AttachRoot or
// AttachChild and is valid until it is detached.
type Router struct {
	f     *Fabric
	h     Handle
	route cfgmsg.Route
	depth int
	hop   uint8
	log   *zap.Logger

	mu         sync.Mutex
	hdr        cfgmsg.RouterHeader
	uuid       UUID
	maxAdapter int
	adapters   []Handle // indexed by hop; nil until enumerated
	suspended  bool
	detached   bool

	queue    []*Command
	inflight *Command
	redrain  *time.Timer

	// deferred holds callbacks queued under mu. They run after unlock.
	deferred []func()
}

// unlock releases r.mu and runs the callbacks queued while it was held.
func (r *Router) unlock() {
	fns := r.deferred
	r.deferred = nil
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Handle returns the router's handle within its fabric.
func (r *Router) Handle() Handle {
	return r.h
}

// Route returns the router's route string.
func (r *Router) Route() cfgmsg.Route {
	return r.route
}

// Depth returns the number of hops between the root and r.
func (r *Router) Depth() int {
	return r.depth
}

// Fabric returns the fabric r belongs to.
func (r *Router) Fabric() *Fabric {
	return r.f
}

// Header returns the router's enumerated configuration header.
func (r *Router) Header() cfgmsg.RouterHeader {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.hdr
}

// MaxAdapter returns the highest adapter index of the router.
func (r *Router) MaxAdapter() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.maxAdapter
}

func (r *Router) UUID() UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.uuid
}

// Suspended reports whether the router has entered sleep.
func (r *Router) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.suspended
}

// Child returns the router attached at hop, or nil.
func (r *Router) Child(hop uint8) *Router {
	h, err := r.child(hop)
	if err != nil {
		return nil
	}

	return r.f.Router(h)
}

func (r *Router) child(hop uint8) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.detached:
		return 0, ErrDetached

	case int(hop) > r.maxAdapter:
		return 0, ErrOutOfRange

	case r.adapters == nil:
		return 0, ErrUninitialized
	}

	return r.adapters[hop], nil
}

// Children returns the routers attached below r in hop order.
func (r *Router) Children() []*Router {
	r.mu.Lock()
	hs := make([]Handle, 0, len(r.adapters))
	for _, h := range r.adapters {
		if h != 0 {
			hs = append(hs, h)
		}
	}
	r.mu.Unlock()

	cs := make([]*Router, 0, len(hs))
	for _, h := range hs {
		if c := r.f.Router(h); c != nil {
			cs = append(cs, c)
		}
	}

	return cs
}

// enumerate reads the router's header and allocates its child array.
func (r *Router) enumerate() error {
	cs := make([]uint32, cfgmsg.RouterHeaderLen)
	if err := r.ReadPolled(cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS0, len(cs), cs); err != nil {
		return err
	}

	hdr, err := cfgmsg.ParseRouterHeader(cs)
	if err != nil {
		return err
	}

	if hdr.Depth != r.depth {
		r.log.Warn("router reports unexpected depth",
			zap.Int("depth", hdr.Depth),
			zap.Int("expected", r.depth))
	}

	r.mu.Lock()
	r.hdr = hdr
	r.uuid = UUID{hdr.UUIDLo, hdr.UUIDHi, 0xffffffff, 0xffffffff}
	r.maxAdapter = hdr.MaxAdapter
	r.adapters = make([]Handle, hdr.MaxAdapter+1)
	r.mu.Unlock()

	return nil
}

func (r *Router) fields() []zap.Field {
	r.mu.Lock()
	defer r.mu.Unlock()

	return []zap.Field{
		zap.String("vendor", fmt.Sprintf("%04x", r.hdr.VendorID)),
		zap.String("device", fmt.Sprintf("%04x", r.hdr.DeviceID)),
		zap.Int("max_adapter", r.maxAdapter),
		zap.Int("upstream", r.hdr.Upstream),
		zap.Stringer("uuid", r.uuid),
	}
}

package sim

import (
	"github.com/c35s/tbcfg/cfgmsg"
)

type regKey struct {
	space   cfgmsg.Space
	adapter int
	offset  int
}

// router is a simulated router's configuration spaces. Registers that were
// never written read as zero. The fabric's lock guards it.
type router struct {
	cfg   RouterConfig
	route cfgmsg.Route
	regs  map[regKey]uint32

	// sleepIn counts ROUTER_CS_6 reads until the sleep ready bit sets; it
	// is -1 when no sleep is pending.
	sleepIn int
}

func newRouter(rc RouterConfig, route cfgmsg.Route) *router {
	r := &router{
		cfg:     rc,
		route:   route,
		regs:    make(map[regKey]uint32),
		sleepIn: -1,
	}

	hdr := cfgmsg.RouterHeader{
		VendorID:   rc.Vendor,
		DeviceID:   rc.Device,
		NextCap:    head(rc.Caps),
		Upstream:   rc.Upstream,
		MaxAdapter: rc.MaxAdapter,
		Depth:      route.Depth(),
		Revision:   rc.Revision,
		UUIDLo:     uint32(rc.UUID),
		UUIDHi:     uint32(rc.UUID >> 32),
	}

	for off, w := range hdr.Words() {
		r.regs[regKey{cfgmsg.SpaceRouter, 0, off}] = w
	}

	for off, w := range chain(rc.Caps) {
		r.regs[regKey{cfgmsg.SpaceRouter, 0, off}] = w
	}

	adpCaps := chain(rc.AdapterCaps)
	for adp := 0; adp <= rc.MaxAdapter; adp++ {
		r.regs[regKey{cfgmsg.SpaceAdapter, adp, cfgmsg.AdapterCS0}] = uint32(rc.Vendor) | uint32(rc.Device)<<16
		r.regs[regKey{cfgmsg.SpaceAdapter, adp, cfgmsg.AdapterCS1}] = uint32(head(rc.AdapterCaps))

		for off, w := range adpCaps {
			r.regs[regKey{cfgmsg.SpaceAdapter, adp, off}] = w
		}
	}

	return r
}

func (r *router) key(a cfgmsg.AddrAttrs, i int) regKey {
	k := regKey{space: a.Space(), offset: a.Offset() + i}
	if k.space != cfgmsg.SpaceRouter {
		k.adapter = a.Adapter()
	}

	return k
}

// check returns the error a router reports for a request it can't serve.
func (r *router) check(a cfgmsg.AddrAttrs) cfgmsg.Event {
	switch {
	case a.Len() == 0:
		return cfgmsg.ErrLen

	case a.Space() != cfgmsg.SpaceRouter && a.Adapter() > r.cfg.MaxAdapter:
		return cfgmsg.ErrAdapter
	}

	return cfgmsg.EventNone
}

func (r *router) read(a cfgmsg.AddrAttrs) []uint32 {
	data := make([]uint32, a.Len())
	for i := range data {
		k := r.key(a, i)
		if k.space == cfgmsg.SpaceRouter && k.offset == cfgmsg.RouterCS6 {
			r.tickSleep()
		}

		data[i] = r.regs[k]
	}

	return data
}

func (r *router) write(a cfgmsg.AddrAttrs, data []uint32) {
	for i, w := range data {
		k := r.key(a, i)
		r.regs[k] = w

		if k.space == cfgmsg.SpaceRouter && k.offset == cfgmsg.RouterCS5 && w&cfgmsg.RouterSLP != 0 {
			r.sleepIn = r.cfg.SleepReadyAfter
		}
	}
}

func (r *router) tickSleep() {
	switch {
	case r.sleepIn < 0:

	case r.sleepIn == 0:
		r.regs[regKey{cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS6}] |= cfgmsg.RouterSLPR
		r.sleepIn = -1

	default:
		r.sleepIn--
	}
}

package router

import (
	"fmt"

	"github.com/c35s/tbcfg/cfgmsg"
)

// maxCapChain bounds a capability walk so a looping chain can't hang it.
const maxCapChain = 256

// Cap is a cursor over a capability chain in one configuration space.
// Offset is the capability the cursor is at; Next is where the following
// one starts.
type Cap struct {
	Space   cfgmsg.Space
	Adapter int
	Offset  int
	cfgmsg.CapHeader
}

// IsVSEC reports whether the cursor is at an extended vendor specific capability.
func (c *Cap) IsVSEC() bool {
	return c.ID == cfgmsg.CapVSC && c.VSCLen == 0
}

// NextCap reads the capability at c.Next and moves c to it. Vendor specific
// capabilities, and every capability in the router space, take a second
// word to decode.
func (r *Router) NextCap(c *Cap) error {
	if c.Next == 0 || c.Next > cfgmsg.CapOffsetMax {
		return fmt.Errorf("%w: next offset %#x", ErrNoCap, c.Next)
	}

	off := c.Next

	var w [2]uint32
	if err := r.Read(c.Space, c.Adapter, off, 1, w[:1]); err != nil {
		return err
	}

	h := cfgmsg.ParseCapHeader(w[:1])
	if h.ID == cfgmsg.CapVSC || c.Space == cfgmsg.SpaceRouter {
		if err := r.Read(c.Space, c.Adapter, off, 2, w[:]); err != nil {
			return err
		}

		h = cfgmsg.ParseCapHeader(w[:])
	}

	c.Offset = off
	c.CapHeader = h
	return nil
}

// FindCap walks the chain from c.Next until it reaches a capability with
// c.ID and, for vendor specific capabilities, c.VSCID. On success c is at
// the match.
func (r *Router) FindCap(c *Cap) error {
	return r.findCap(c, func(c *Cap) bool { return true })
}

func (r *Router) findCap(c *Cap, ok func(*Cap) bool) error {
	id, vsc := c.ID, c.VSCID
	if id == 0 {
		return fmt.Errorf("%w: capability id 0", ErrInvalid)
	}

	c.ID, c.VSCID = 0, 0
	for i := 0; ; i++ {
		if c.ID == id && c.VSCID == vsc && ok(c) {
			return nil
		}

		if i == maxCapChain {
			return fmt.Errorf("%w: chain longer than %d", ErrNoCap, maxCapChain)
		}

		c.VSCID = 0
		if err := r.NextCap(c); err != nil {
			return err
		}
	}
}

// routerCapHead returns a cursor at the start of the router space chain.
func (r *Router) routerCapHead() (*Cap, error) {
	cs := make([]uint32, cfgmsg.RouterCS4+1)
	if err := r.Read(cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS0, len(cs), cs); err != nil {
		return nil, err
	}

	return &Cap{
		Space:     cfgmsg.SpaceRouter,
		CapHeader: cfgmsg.CapHeader{Next: cfgmsg.RouterNextCap(cs[cfgmsg.RouterCS1])},
	}, nil
}

// adapterCapHead returns a cursor at the start of an adapter's chain.
func (r *Router) adapterCapHead(adapter int) (*Cap, error) {
	cs := make([]uint32, cfgmsg.AdapterHeaderLen)
	if err := r.Read(cfgmsg.SpaceAdapter, adapter, cfgmsg.AdapterCS0, len(cs), cs); err != nil {
		return nil, err
	}

	return &Cap{
		Space:     cfgmsg.SpaceAdapter,
		Adapter:   adapter,
		CapHeader: cfgmsg.CapHeader{Next: cfgmsg.AdapterNextCap(cs[cfgmsg.AdapterCS1])},
	}, nil
}

// capHead returns a cursor at the start of a chain. Only the router and
// adapter spaces have chains.
func (r *Router) capHead(space cfgmsg.Space, adapter int) (*Cap, error) {
	switch space {
	case cfgmsg.SpaceRouter:
		return r.routerCapHead()

	case cfgmsg.SpaceAdapter:
		return r.adapterCapHead(adapter)
	}

	return nil, fmt.Errorf("%w: %v space has no capabilities", ErrInvalid, space)
}

// FindCapability returns the offset of capability id, and for vendor
// specific capabilities vendor id vsc, in the given space.
func (r *Router) FindCapability(space cfgmsg.Space, adapter int, id, vsc uint8) (int, error) {
	c, err := r.capHead(space, adapter)
	if err != nil {
		return 0, err
	}

	c.ID, c.VSCID = id, vsc
	if err := r.FindCap(c); err != nil {
		return 0, err
	}

	return c.Offset, nil
}

// FindRouterCap returns the offset of capability id (and vendor id vsc) in
// the router space.
func (r *Router) FindRouterCap(id, vsc uint8) (int, error) {
	return r.FindCapability(cfgmsg.SpaceRouter, 0, id, vsc)
}

// FindRouterVSC returns the offset of a vendor specific capability in the
// router space, short or extended.
func (r *Router) FindRouterVSC(vsc uint8) (int, error) {
	return r.FindRouterCap(cfgmsg.CapVSC, vsc)
}

// FindRouterVSEC is FindRouterVSC restricted to extended capabilities.
func (r *Router) FindRouterVSEC(vsc uint8) (int, error) {
	c, err := r.routerCapHead()
	if err != nil {
		return 0, err
	}

	c.ID, c.VSCID = cfgmsg.CapVSC, vsc
	if err := r.findCap(c, (*Cap).IsVSEC); err != nil {
		return 0, err
	}

	return c.Offset, nil
}

// FindAdapterCap returns the offset of capability id in an adapter's space.
func (r *Router) FindAdapterCap(adapter int, id uint8) (int, error) {
	return r.FindCapability(cfgmsg.SpaceAdapter, adapter, id, 0)
}

// Caps returns every capability in a chain.
func (r *Router) Caps(space cfgmsg.Space, adapter int) ([]Cap, error) {
	c, err := r.capHead(space, adapter)
	if err != nil {
		return nil, err
	}

	var caps []Cap
	for c.Next != 0 {
		if len(caps) == maxCapChain {
			return caps, fmt.Errorf("%w: chain longer than %d", ErrNoCap, maxCapChain)
		}

		if err := r.NextCap(c); err != nil {
			return caps, err
		}

		caps = append(caps, *c)
	}

	return caps, nil
}

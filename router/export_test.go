package router

import "github.com/c35s/tbcfg/cfgmsg"

// LookupSteps is Lookup that also returns the number of hops taken.
func (f *Fabric) LookupSteps(route cfgmsg.Route) (*Router, int, error) {
	return f.lookup(route)
}

// DropChildren forgets r's child array, as if r were never enumerated.
func (r *Router) DropChildren() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters = nil
}

// Pending returns the number of commands queued or in flight on r.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.queue)
	if r.inflight != nil {
		n++
	}

	return n
}

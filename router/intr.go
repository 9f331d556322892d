package router

import (
	"go.uber.org/zap"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
)

// register installs the fabric's interrupt handlers. Transmit completions
// carry their command in the frame's context; received frames are matched
// to a router by route.
func (f *Fabric) register() error {
	return f.tr.Register(
		[]nhi.Dispatch{
			{PDF: nhi.PDFRead, Handler: f.txDone},
			{PDF: nhi.PDFWrite, Handler: f.txDone},
		},
		[]nhi.Dispatch{
			{PDF: nhi.PDFRead, Handler: f.readResponse},
			{PDF: nhi.PDFWrite, Handler: f.writeResponse},
			{PDF: nhi.PDFNotify, Handler: f.notify},
			{PDF: nhi.PDFHotplug, Handler: f.hotplug},
		})
}

func (f *Fabric) drop(pdf nhi.PDF, reason string, fields ...zap.Field) {
	f.m.DroppedFramesTotal.WithLabelValues(pdf.String(), reason).Inc()
	f.log.Debug("dropped frame", append(fields, zap.Stringer("pdf", pdf), zap.String("reason", reason))...)
}

// stripValid clears the valid bit the fabric sets on routes it echoes. The
// bit is advisory: a route without it is logged and accepted.
func (f *Fabric) stripValid(route cfgmsg.Route) cfgmsg.Route {
	if route.Hi()&cfgmsg.RouteValid == 0 {
		f.m.ProtocolErrorsTotal.WithLabelValues("route_valid").Inc()
		f.log.Warn("response route missing valid bit", zap.Stringer("route", route))
		return route
	}

	return route &^ (cfgmsg.RouteValid << 32)
}

// txDone handles the transmit completion of a request frame: the request
// phase of its command is over.
func (f *Fabric) txDone(fr *nhi.Frame) {
	c, ok := fr.Context.(*Command)
	if !ok {
		return
	}

	r := c.r
	r.mu.Lock()
	if r.inflight != c || c.flags&flagDone != 0 {
		r.unlock()
		return
	}

	c.flags |= flagReqDone
	if c.flags&flagRespDone != 0 {
		r.completeLocked(c)
	}

	r.unlock()
}

func (f *Fabric) readResponse(fr *nhi.Frame) {
	f.response(fr, cmdRead)
}

func (f *Fabric) writeResponse(fr *nhi.Frame) {
	f.response(fr, cmdWrite)
}

// response matches a read or write response to its router's in-flight
// command. Responses arriving with nothing in flight are stale and dropped.
func (f *Fabric) response(fr *nhi.Frame, kind cmdKind) {
	resp, err := cfgmsg.DecodeResponse(fr.Data)
	if err != nil {
		f.drop(fr.PDF, "malformed", zap.Error(err))
		return
	}

	route := f.stripValid(resp.Route)
	r, err := f.resolve(route)
	if err != nil {
		f.drop(fr.PDF, "unknown_route", zap.Stringer("route", route))
		return
	}

	r.mu.Lock()
	c := r.inflight
	switch {
	case c == nil || c.flags&flagDone != 0:
		r.unlock()
		f.drop(fr.PDF, "no_command", zap.Stringer("route", route))
		return

	case c.kind != kind:
		r.unlock()
		f.drop(fr.PDF, "kind_mismatch", zap.Stringer("route", route))
		return

	// a late answer to a command that a notification or timeout ended
	case !resp.Addr.SameTarget(c.addr):
		r.unlock()
		f.drop(fr.PDF, "stale",
			zap.Stringer("route", route),
			zap.Stringer("addr", resp.Addr),
			zap.Stringer("want", c.addr))
		return
	}

	if kind == cmdRead {
		n := resp.Addr.Len()
		if n == 0 || n > len(c.resp) || n > len(resp.Data) {
			f.m.ProtocolErrorsTotal.WithLabelValues("length").Inc()
			r.log.Warn("read response length mismatch",
				zap.Int("len", n),
				zap.Int("requested", len(c.resp)),
				zap.Int("received", len(resp.Data)))

			n = min(n, len(c.resp), len(resp.Data))
		}

		c.respLen = copy(c.resp, resp.Data[:n])
	}

	c.flags |= flagRespDone
	if c.flags&flagReqDone != 0 {
		r.completeLocked(c)
	}

	r.unlock()
}

// notify handles a notification packet. An error notification pre-empts
// the in-flight command of the router it names; the command fails with the
// event even if its response arrives later.
func (f *Fabric) notify(fr *nhi.Frame) {
	n, err := cfgmsg.DecodeNotify(fr.Data)
	if err != nil {
		f.drop(fr.PDF, "malformed", zap.Error(err))
		return
	}

	route := n.Route &^ (cfgmsg.RouteValid << 32)
	f.m.NotificationsTotal.WithLabelValues(n.Event.String()).Inc()

	if !n.Event.IsError() {
		f.log.Debug("notification", zap.Stringer("route", route), zap.Stringer("event", n.Event))
		return
	}

	r, err := f.resolve(route)
	if err != nil {
		f.drop(fr.PDF, "unknown_route", zap.Stringer("route", route), zap.Stringer("event", n.Event))
		return
	}

	r.mu.Lock()
	c := r.inflight
	if c == nil || c.flags&flagDone != 0 {
		r.unlock()
		r.log.Debug("notification with no command in flight",
			zap.Stringer("event", n.Event),
			zap.Int("adapter", n.Adapter))
		return
	}

	r.log.Warn("command pre-empted by notification",
		zap.Stringer("addr", c.addr),
		zap.Stringer("event", n.Event),
		zap.Int("adapter", n.Adapter))

	c.ev = n.Event
	c.hasEv = true
	r.completeLocked(c)
	r.unlock()
}

// hotplug acknowledges a hotplug packet and reports it to Config.OnHotplug.
// Routers retransmit unacknowledged hotplug packets, so the ack goes out
// before anything else.
func (f *Fabric) hotplug(fr *nhi.Frame) {
	h, err := cfgmsg.DecodeHotplug(fr.Data)
	if err != nil {
		f.drop(fr.PDF, "malformed", zap.Error(err))
		return
	}

	// the ack echoes the route as received
	raw := h.Route
	h.Route &^= cfgmsg.RouteValid << 32

	typ := "plug"
	if h.Unplug {
		typ = "unplug"
	}

	f.m.HotplugEventsTotal.WithLabelValues(typ).Inc()
	f.log.Info("hotplug",
		zap.Stringer("route", h.Route),
		zap.Int("adapter", h.Adapter),
		zap.Bool("unplug", h.Unplug))

	f.ackHotplug(cfgmsg.Hotplug{Route: raw, Adapter: h.Adapter, Unplug: h.Unplug})

	if f.cfg.OnHotplug != nil {
		f.cfg.OnHotplug(HotplugEvent{Route: h.Route, Adapter: h.Adapter, Unplug: h.Unplug})
	}
}

// ackHotplug sends a hotplug acknowledgement. It is not retried: a lost
// ack makes the router send the event again.
func (f *Fabric) ackHotplug(h cfgmsg.Hotplug) {
	fr, err := f.tr.AllocFrame()
	if err != nil {
		f.log.Warn("no frame for hotplug ack", zap.Error(err))
		return
	}

	fr.PDF = nhi.PDFNotify
	fr.Data = append(fr.Data[:0], cfgmsg.EncodeHotplugAck(h)...)

	if err := f.tr.Submit(fr); err != nil {
		f.log.Warn("send hotplug ack", zap.Stringer("route", h.Route), zap.Error(err))
	}

	f.tr.FreeFrame(fr)
}

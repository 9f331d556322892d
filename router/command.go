package router

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
)

type cmdKind uint8

const (
	cmdRead cmdKind = iota
	cmdWrite
)

func (k cmdKind) String() string {
	if k == cmdWrite {
		return "write"
	}

	return "read"
}

// maxDWLen is the most double-words one command moves: a write request or
// read response has to fit a transport frame.
var maxDWLen = cfgmsg.MaxPayload(nhi.MaxFrameLen)

type cmdFlags uint8

const (
	flagReqDone cmdFlags = 1 << iota
	flagRespDone
	flagDone
	flagQueued
)

// Command is a configuration read or write addressed to one router.
type Command struct {
	r       *Router
	frame   *nhi.Frame
	kind    cmdKind
	addr    cfgmsg.AddrAttrs
	retries int
	timeout time.Duration

	// resp stages a read response until the command completes without an
	// event. buf is the caller's buffer.
	resp    []uint32
	respLen int
	buf     []uint32

	cb    func(*Command, error)
	ev    cfgmsg.Event
	hasEv bool
	err   error
	flags cmdFlags

	doneC    chan struct{}
	pollDone atomic.Bool
}

// Router returns the router the command is addressed to.
func (c *Command) Router() *Router {
	return c.r
}

// Addr returns the command's address/attributes word.
func (c *Command) Addr() cfgmsg.AddrAttrs {
	return c.addr
}

// Data returns the caller's buffer, trimmed to the command's length.
func (c *Command) Data() []uint32 {
	return c.buf[:c.addr.Len()]
}

// Event returns the notification that pre-empted the command, if any.
func (c *Command) Event() (cfgmsg.Event, bool) {
	if !c.hasEv {
		return cfgmsg.EventNone, false
	}

	return c.ev, true
}

func (c *Command) result() error {
	if c.hasEv {
		return &EventError{Route: c.r.route, Event: c.ev}
	}

	return c.err
}

// reset clears the state of a previous attempt. The caller holds r.mu.
func (c *Command) reset() {
	c.flags &^= flagReqDone | flagRespDone | flagDone
	c.respLen = 0
	c.pollDone.Store(false)

	select {
	case <-c.doneC:
	default:
	}
}

func (c *Command) wait() {
	t := time.NewTimer(c.timeout)
	defer t.Stop()

	select {
	case <-c.doneC:
	case <-t.C:
	}
}

func (c *Command) poll(interval time.Duration) {
	for left := c.timeout; left > 0 && !c.pollDone.Load(); left -= interval {
		time.Sleep(min(interval, left))
	}
}

// newCommand frames a request into a transmit frame.
func (r *Router) newCommand(kind cmdKind, space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32) (*Command, error) {
	if dwlen < 0 || len(buf) < dwlen {
		return nil, fmt.Errorf("%w: %d dword buffer for %d dwords", ErrInvalid, len(buf), dwlen)
	}

	if dwlen > maxDWLen {
		return nil, fmt.Errorf("%w: %d dwords exceed the %d a frame carries", ErrInvalid, dwlen, maxDWLen)
	}

	addr, err := cfgmsg.Addr(space, adapter, dwlen, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var (
		pkt []byte
		pdf nhi.PDF
	)

	switch kind {
	case cmdRead:
		pkt = cfgmsg.EncodeRead(r.route, addr)
		pdf = nhi.PDFRead

	case cmdWrite:
		if pkt, err = cfgmsg.EncodeWrite(r.route, addr, buf[:dwlen]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}

		pdf = nhi.PDFWrite
	}

	r.mu.Lock()
	detached := r.detached
	r.mu.Unlock()

	if detached {
		return nil, ErrDetached
	}

	fr, err := r.f.tr.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("router: allocate frame: %w", err)
	}

	c := &Command{
		r:       r,
		frame:   fr,
		kind:    kind,
		addr:    addr,
		retries: r.f.cfg.Retries,
		timeout: r.f.cfg.Timeout,
		buf:     buf,
		doneC:   make(chan struct{}, 1),
	}

	if kind == cmdRead {
		c.resp = make([]uint32, dwlen)
	}

	fr.PDF = pdf
	fr.Data = append(fr.Data[:0], pkt...)
	fr.Context = c

	return c, nil
}

// Read reads dwlen double-words from offset of a configuration space into
// buf. It blocks until the router responds, retrying after each timeout.
// The adapter is ignored for the router space.
func (r *Router) Read(space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32) error {
	return r.do(cmdRead, space, adapter, offset, dwlen, buf, false)
}

// Write writes dwlen double-words from buf to offset of a configuration
// space, blocking until the router acknowledges.
func (r *Router) Write(space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32) error {
	return r.do(cmdWrite, space, adapter, offset, dwlen, buf, false)
}

// ReadPolled is Read for callers that can't rely on being woken by the
// interrupt handlers. It checks for completion every Config.PollInterval.
func (r *Router) ReadPolled(space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32) error {
	return r.do(cmdRead, space, adapter, offset, dwlen, buf, true)
}

// WritePolled is Write with the completion checks of ReadPolled.
func (r *Router) WritePolled(space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32) error {
	return r.do(cmdWrite, space, adapter, offset, dwlen, buf, true)
}

// ReadAsync queues a read and returns. cb is called from interrupt context
// when the command finishes; buf holds the data if the error is nil. An
// asynchronous command is never retried and never times out.
func (r *Router) ReadAsync(space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32, cb func(*Command, error)) error {
	return r.doAsync(cmdRead, space, adapter, offset, dwlen, buf, cb)
}

// WriteAsync queues a write and returns. cb is called as for ReadAsync.
func (r *Router) WriteAsync(space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32, cb func(*Command, error)) error {
	return r.doAsync(cmdWrite, space, adapter, offset, dwlen, buf, cb)
}

func (r *Router) do(kind cmdKind, space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32, polled bool) error {
	c, err := r.newCommand(kind, space, adapter, offset, dwlen, buf)
	if err != nil {
		return err
	}

	mode := "blocking"
	if polled {
		mode = "polled"
	}

	r.f.m.CommandsTotal.WithLabelValues(kind.String(), mode).Inc()

	err = r.run(c, polled)
	r.record(c, err)
	r.f.tr.FreeFrame(c.frame)

	return err
}

func (r *Router) doAsync(kind cmdKind, space cfgmsg.Space, adapter, offset, dwlen int, buf []uint32, cb func(*Command, error)) error {
	c, err := r.newCommand(kind, space, adapter, offset, dwlen, buf)
	if err != nil {
		return err
	}

	if cb == nil {
		cb = func(*Command, error) {}
	}

	c.cb = cb
	r.f.m.CommandsTotal.WithLabelValues(kind.String(), "async").Inc()

	r.mu.Lock()
	r.enqueueLocked(c)
	r.unlock()

	return nil
}

// run submits c and waits for it, resubmitting after each timeout until its
// retries are spent.
func (r *Router) run(c *Command, polled bool) error {
	var err error

	r.mu.Lock()
	for attempt := 0; ; attempt++ {
		c.reset()
		r.enqueueLocked(c)
		r.unlock()

		if polled {
			c.poll(r.f.cfg.PollInterval)
		} else {
			c.wait()
		}

		r.mu.Lock()
		if c.flags&flagDone != 0 {
			err = c.result()
			break
		}

		r.abandonLocked(c)

		if attempt >= c.retries {
			err = fmt.Errorf("%w: %v %v", ErrTimeout, r.route, c.addr)
			r.log.Warn("command timed out",
				zap.Stringer("addr", c.addr),
				zap.Int("attempts", attempt+1))
			break
		}

		r.f.m.RetriesTotal.Inc()
		r.log.Debug("command timed out, retrying",
			zap.Stringer("addr", c.addr),
			zap.Int("retries_left", c.retries-attempt))
	}
	r.unlock()

	return err
}

func (r *Router) record(c *Command, err error) {
	result := "ok"

	var ee *EventError
	switch {
	case err == nil:

	case errors.As(err, &ee):
		result = "event"

	case errors.Is(err, ErrTimeout):
		result = "timeout"

	default:
		result = "error"
	}

	r.f.m.CompletionsTotal.WithLabelValues(c.kind.String(), result).Inc()
}

// enqueueLocked appends c to the queue and dispatches whatever can go.
func (r *Router) enqueueLocked(c *Command) {
	c.flags |= flagQueued
	r.queue = append(r.queue, c)
	r.drainLocked()
}

// drainLocked dispatches queued commands while nothing is in flight.
func (r *Router) drainLocked() {
	for r.inflight == nil && len(r.queue) > 0 {
		c := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		c.flags &^= flagQueued

		r.inflight = c
		err := r.f.tr.Submit(c.frame)
		if err == nil {
			r.f.m.InflightCommands.Inc()
			continue
		}

		r.inflight = nil

		if errors.Is(err, nhi.ErrBusy) {
			c.flags |= flagQueued
			r.queue = append([]*Command{c}, r.queue...)
			r.f.m.BusyRequeuesTotal.Inc()
			r.armRedrainLocked()
			return
		}

		r.log.Error("submit failed", zap.Stringer("addr", c.addr), zap.Error(err))
		c.err = fmt.Errorf("router: submit: %w", err)
		r.finishLocked(c)
	}
}

// armRedrainLocked schedules another drain after a busy ring.
func (r *Router) armRedrainLocked() {
	if r.redrain != nil {
		return
	}

	r.redrain = time.AfterFunc(r.f.cfg.BusyBackoff, func() {
		r.mu.Lock()
		r.redrain = nil
		r.drainLocked()
		r.unlock()
	})
}

// abandonLocked takes a timed out command off the wire or out of the queue.
func (r *Router) abandonLocked(c *Command) {
	switch {
	case r.inflight == c:
		r.inflight = nil
		r.f.m.InflightCommands.Dec()

	case c.flags&flagQueued != 0:
		for i, q := range r.queue {
			if q == c {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}

		c.flags &^= flagQueued
	}

	r.drainLocked()
}

// finishLocked completes c: it publishes a read's data, wakes a blocked
// caller and queues an async callback. It does not dispatch the next command.
func (r *Router) finishLocked(c *Command) {
	if c.flags&flagDone != 0 {
		return
	}

	c.flags |= flagDone
	if r.inflight == c {
		r.inflight = nil
		r.f.m.InflightCommands.Dec()
	}

	if c.kind == cmdRead && !c.hasEv && c.err == nil {
		copy(c.buf, c.resp[:c.respLen])
	}

	select {
	case c.doneC <- struct{}{}:
	default:
	}

	c.pollDone.Store(true)

	if c.cb != nil {
		cb, err := c.cb, c.result()
		r.record(c, err)
		r.deferred = append(r.deferred, func() {
			cb(c, err)
			r.f.tr.FreeFrame(c.frame)
		})
	}
}

// completeLocked finishes c and dispatches the next command.
func (r *Router) completeLocked(c *Command) {
	r.finishLocked(c)
	r.drainLocked()
}

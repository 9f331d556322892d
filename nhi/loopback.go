package nhi

import (
	"fmt"
	"sync"

	"github.com/c35s/tbcfg/nhi/txq"
)

// LoopbackConfig configures a Loopback transport.
type LoopbackConfig struct {

	// NumFrames is the size of the transmit frame pool.
	// If NumFrames is 0, the pool holds 32 frames.
	NumFrames int

	// RingSize is the number of transmit descriptors.
	// If RingSize is 0, the ring holds 16 descriptors.
	RingSize int

	// IntrDepth bounds the number of pending interrupt-context calls.
	// If IntrDepth is 0, 256 calls may be pending.
	IntrDepth int
}

// Loopback is an in-memory Transport. The host side is the Transport
// interface; the far side (a simulated fabric, or a test) consumes
// transmitted frames with NextTx and injects received frames with Deliver.
//
// Completions and received frames are handed to handlers from a single
// interrupt goroutine, so handlers never run concurrently with each other.
type Loopback struct {
	mu     sync.Mutex
	frames []*Frame
	free   []int
	tx     *txq.Q
	slots  []txSlot
	txH    map[PDF]Handler
	rxH    map[PDF]Handler
	closed bool

	intrC chan func()
	kickC chan struct{}
	doneC chan struct{}
	wg    sync.WaitGroup
}

// txSlot is the bounce buffer a posted descriptor points at.
type txSlot struct {
	pdf  PDF
	data []byte
	idx  int
	gen  uint64
}

// TxFrame is a transmitted frame as seen by the far side.
type TxFrame struct {
	PDF  PDF
	Data []byte

	l    *Loopback
	id   uint16
	slot txSlot
	once sync.Once
}

// NewLoopback returns a running Loopback. Call Close to stop its interrupt goroutine.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	cfg = cfg.withDefaults()

	l := &Loopback{
		frames: make([]*Frame, cfg.NumFrames),
		free:   make([]int, 0, cfg.NumFrames),
		tx:     txq.New(cfg.RingSize),
		slots:  make([]txSlot, cfg.RingSize),
		txH:    make(map[PDF]Handler),
		rxH:    make(map[PDF]Handler),
		intrC:  make(chan func(), cfg.IntrDepth),
		kickC:  make(chan struct{}, 1),
		doneC:  make(chan struct{}),
	}

	for i := range l.frames {
		l.frames[i] = &Frame{Idx: i, Data: make([]byte, 0, MaxFrameLen)}
		l.free = append(l.free, i)
	}

	l.wg.Add(1)
	go l.intr()

	return l
}

func (cfg LoopbackConfig) withDefaults() LoopbackConfig {
	if cfg.NumFrames == 0 {
		cfg.NumFrames = 32
	}

	if cfg.RingSize == 0 {
		cfg.RingSize = 16
	}

	if cfg.IntrDepth == 0 {
		cfg.IntrDepth = 256
	}

	return cfg
}

func (l *Loopback) intr() {
	defer l.wg.Done()

	for {
		select {
		case fn := <-l.intrC:
			fn()

		case <-l.doneC:
			return
		}
	}
}

// post queues fn for the interrupt goroutine. It reports false if the
// transport is closed.
func (l *Loopback) post(fn func()) bool {
	select {
	case l.intrC <- fn:
		return true

	case <-l.doneC:
		return false
	}
}

func (l *Loopback) AllocFrame() (*Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	if len(l.free) == 0 {
		return nil, ErrBusy
	}

	i := l.free[len(l.free)-1]
	l.free = l.free[:len(l.free)-1]

	f := l.frames[i]
	f.gen++
	f.used = true
	f.PDF = 0
	f.Data = f.Data[:0]
	f.Context = nil

	return f, nil
}

func (l *Loopback) FreeFrame(f *Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f == nil || f.Idx < 0 || f.Idx >= len(l.frames) || l.frames[f.Idx] != f || !f.used {
		return
	}

	f.used = false
	f.Context = nil
	l.free = append(l.free, f.Idx)
}

func (l *Loopback) Submit(f *Frame) error {
	if len(f.Data) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Data))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if f.Idx < 0 || f.Idx >= len(l.frames) || l.frames[f.Idx] != f || !f.used {
		return ErrBadFrame
	}

	slot, ok := l.tx.Post(uint16(f.Idx), len(f.Data))
	if !ok {
		return ErrBusy
	}

	l.slots[slot] = txSlot{
		pdf:  f.PDF,
		data: append(l.slots[slot].data[:0], f.Data...),
		idx:  f.Idx,
		gen:  f.gen,
	}

	select {
	case l.kickC <- struct{}{}:
	default:
	}

	return nil
}

func (l *Loopback) Register(tx, rx []Dispatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range tx {
		if _, ok := l.txH[d.PDF]; ok {
			return fmt.Errorf("%w: tx %v", ErrRegistered, d.PDF)
		}
	}

	for _, d := range rx {
		if _, ok := l.rxH[d.PDF]; ok {
			return fmt.Errorf("%w: rx %v", ErrRegistered, d.PDF)
		}
	}

	for _, d := range tx {
		l.txH[d.PDF] = d.Handler
	}

	for _, d := range rx {
		l.rxH[d.PDF] = d.Handler
	}

	return nil
}

// Kick returns a channel that receives a value after frames are submitted.
// Kicks are coalesced: one receive may stand for many submissions, so the
// far side should call NextTx until it returns nil.
func (l *Loopback) Kick() <-chan struct{} {
	return l.kickC
}

// Done returns a channel that's closed when the transport is closed.
func (l *Loopback) Done() <-chan struct{} {
	return l.doneC
}

// NextTx returns the next transmitted frame, or nil if none is pending. The
// caller must call the frame's Complete method once it has consumed it.
func (l *Loopback) NextTx() *TxFrame {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.tx.Next()
	if !ok {
		return nil
	}

	s := l.slots[d.Addr]
	return &TxFrame{
		PDF:  s.pdf,
		Data: append([]byte(nil), s.data...),
		l:    l,
		id:   d.ID,
		slot: s,
	}
}

// Pending returns the number of posted descriptors not yet reclaimed.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.tx.Size() - l.tx.Free()
}

// Complete releases the frame's descriptor and signals a transmit
// completion to the host. Extra calls are ignored.
func (t *TxFrame) Complete() {
	t.once.Do(func() {
		t.l.complete(t)
	})
}

func (l *Loopback) complete(t *TxFrame) {
	l.mu.Lock()
	l.tx.Release(t.id, 0)

	d, ok := l.tx.Reclaim()
	if !ok {
		l.mu.Unlock()
		panic("nhi: released descriptor was not reclaimed")
	}

	f := l.frames[d.ID]
	h := l.txH[t.slot.pdf]

	// a frame that was freed, or freed and reallocated, since it was
	// submitted belongs to nobody
	if h == nil || !f.used || f.gen != t.slot.gen {
		l.mu.Unlock()
		return
	}

	c := &Frame{Idx: f.Idx, PDF: t.slot.pdf, Data: t.Data, Context: f.Context}
	l.mu.Unlock()

	l.post(func() { h(c) })
}

// Deliver hands a received frame to the host's handler for pdf. Frames with
// no registered handler are discarded. It returns ErrClosed after Close.
func (l *Loopback) Deliver(pdf PDF, data []byte) error {
	if len(data) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	l.mu.Lock()
	h := l.rxH[pdf]
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if h == nil {
		return nil
	}

	f := &Frame{Idx: -1, PDF: pdf, Data: append([]byte(nil), data...)}
	if !l.post(func() { h(f) }) {
		return ErrClosed
	}

	return nil
}

// Close stops the interrupt goroutine. Pending completions are discarded.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}

	l.closed = true
	l.mu.Unlock()

	close(l.doneC)
	l.wg.Wait()

	return nil
}

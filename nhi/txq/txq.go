// Package txq implements the packed descriptor ring that carries transmit
// frames from the host interface to the fabric. The driver side posts
// descriptors and reclaims them once used; the device side consumes
// available descriptors in order and marks them used.
package txq

// Q is a packed descriptor ring.
type Q struct {
	ring []Desc

	// driver side
	availIdx   uint16
	availWrap  bool
	reclaimIdx uint16
	reclaimWrp bool
	free       int

	// device side
	devIdx   uint16
	devWrap  bool
	usedIdx  uint16
	usedWrap bool
}

// Desc is a descriptor in the ring. Addr is the slot the driver copied the
// frame into; ID names the frame that owns it.
type Desc struct {
	Addr  uint64
	Len   uint32
	ID    uint16
	Flags uint16
}

const (
	DescFAvail = 1 << 7
	DescFUsed  = 1 << 15
)

// New returns an empty ring with size descriptors.
func New(size int) *Q {
	return &Q{
		ring:       make([]Desc, size),
		availWrap:  true,
		reclaimWrp: true,
		free:       size,
		devWrap:    true,
		usedWrap:   true,
	}
}

// Size returns the number of descriptors in the ring.
func (q *Q) Size() int {
	return len(q.ring)
}

// Free returns the number of descriptors the driver can post.
func (q *Q) Free() int {
	return q.free
}

// Post makes a descriptor available to the device. It returns the ring slot
// the descriptor occupies, or ok=false if the ring is full.
func (q *Q) Post(id uint16, n int) (slot int, ok bool) {
	if q.free == 0 || len(q.ring) == 0 {
		return 0, false
	}

	slot = int(q.availIdx)

	var flags uint16
	if q.availWrap {
		flags |= DescFAvail
	} else {
		flags |= DescFUsed
	}

	q.ring[slot] = Desc{
		Addr:  uint64(slot),
		Len:   uint32(n),
		ID:    id,
		Flags: flags,
	}

	q.free--
	q.availIdx, q.availWrap = q.step(q.availIdx, q.availWrap)
	return slot, true
}

// Next returns the next available descriptor, or ok=false if the device has
// consumed everything the driver posted.
func (q *Q) Next() (d Desc, ok bool) {
	if len(q.ring) == 0 {
		return
	}

	d = q.ring[q.devIdx]
	a := d.Flags&DescFAvail != 0
	u := d.Flags&DescFUsed != 0
	if a == u || a != q.devWrap {
		return Desc{}, false
	}

	q.devIdx, q.devWrap = q.step(q.devIdx, q.devWrap)
	return d, true
}

// Release marks the descriptor for frame id as used. Descriptors must be
// released at most once each, after Next returned them.
func (q *Q) Release(id uint16, bytesWritten int) {
	d := &q.ring[q.usedIdx]

	var flags uint16
	if q.usedWrap {
		flags |= DescFAvail | DescFUsed
	}

	*d = Desc{
		ID:    id,
		Len:   uint32(bytesWritten),
		Flags: flags,
	}

	q.usedIdx, q.usedWrap = q.step(q.usedIdx, q.usedWrap)
}

// Reclaim returns the next used descriptor to the driver, or ok=false if the
// device hasn't released one.
func (q *Q) Reclaim() (d Desc, ok bool) {
	if len(q.ring) == 0 {
		return
	}

	d = q.ring[q.reclaimIdx]
	a := d.Flags&DescFAvail != 0
	u := d.Flags&DescFUsed != 0
	if a != u || a != q.reclaimWrp {
		return Desc{}, false
	}

	q.free++
	q.reclaimIdx, q.reclaimWrp = q.step(q.reclaimIdx, q.reclaimWrp)
	return d, true
}

func (q *Q) step(idx uint16, wrap bool) (uint16, bool) {
	idx++
	if idx == uint16(len(q.ring)) {
		return 0, !wrap
	}

	return idx, wrap
}

//go:generate mockgen -destination=mock_nhi/nhi.go -package=mock_nhi github.com/c35s/tbcfg/nhi Transport

// Package nhi describes the frame transport of a USB4/Thunderbolt host
// interface: the ring that moves control packets between the host and the
// fabric. The router layer drives a Transport; this package also provides
// Loopback, an in-memory Transport whose far side is served by software.
package nhi

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// PDF (protocol defined field) classifies a frame on the ring.
type PDF uint8

const (
	PDFRead         = PDF(1)
	PDFWrite        = PDF(2)
	PDFNotify       = PDF(3)
	PDFNotifyAck    = PDF(4)
	PDFHotplug      = PDF(5)
	PDFXDomainReq   = PDF(6)
	PDFXDomainResp  = PDF(7)
	PDFPrepareSleep = PDF(13)
)

func (p PDF) String() string {
	switch p {
	case PDFRead:
		return "read"

	case PDFWrite:
		return "write"

	case PDFNotify:
		return "notify"

	case PDFNotifyAck:
		return "notify-ack"

	case PDFHotplug:
		return "hotplug"

	case PDFXDomainReq:
		return "xdomain-request"

	case PDFXDomainResp:
		return "xdomain-response"

	case PDFPrepareSleep:
		return "prepare-sleep"

	default:
		return fmt.Sprintf("PDF(%d)", p)
	}
}

// MaxFrameLen is the largest frame the ring carries.
const MaxFrameLen = 256

// Frame is a transmit or receive buffer owned by the transport's frame pool.
// A transmit frame belongs to whoever allocated it until it is freed.
type Frame struct {
	// Idx identifies the frame within the pool.
	Idx int

	// PDF classifies the frame.
	PDF PDF

	// Data holds the packet in wire order.
	Data []byte

	// Context is an opaque value for the frame's owner. The transport hands
	// it back with transmit completions.
	Context any

	gen  uint64
	used bool
}

// Handler is called for a completed transmit frame or a received frame.
// Handlers run serially in the transport's interrupt context and must not
// block. A received frame is only valid for the duration of the call.
type Handler func(f *Frame)

// Dispatch routes frames of one class to a handler.
type Dispatch struct {
	PDF     PDF
	Handler Handler
}

// Transport is the host interface's control ring.
type Transport interface {

	// AllocFrame takes a transmit frame from the pool.
	// It returns ErrBusy when the pool is exhausted.
	AllocFrame() (*Frame, error)

	// Submit queues a frame for transmission. It returns ErrBusy if the ring
	// is full; the frame is unchanged and may be submitted again later.
	Submit(f *Frame) error

	// FreeFrame returns a frame to the pool.
	FreeFrame(f *Frame)

	// Register installs handlers for transmit completions (tx) and received
	// frames (rx), keyed by PDF.
	Register(tx, rx []Dispatch) error
}

var (
	ErrBusy          = fmt.Errorf("nhi: ring busy: %w", unix.EBUSY)
	ErrClosed        = errors.New("nhi: transport closed")
	ErrFrameTooLarge = errors.New("nhi: frame too large")
	ErrBadFrame      = errors.New("nhi: frame not owned by this transport")
	ErrRegistered    = errors.New("nhi: handler already registered")
)

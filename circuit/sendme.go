package circuit

import (
	"crypto/hmac"
	"errors"
	"fmt"
)

// Circuit-level flow control (tor-spec §7.4).
const (
	// CircWindowStart is the initial package and deliver window.
	CircWindowStart = 1000
	// CircWindowIncrement is the number of DATA cells one SENDME acknowledges.
	CircWindowIncrement = 100
)

var (
	// ErrWindowEmpty is returned when sending a DATA cell with no package
	// window left.
	ErrWindowEmpty = errors.New("circuit package window empty")
	// ErrUnexpectedSendme is returned for a SENDME with nothing outstanding.
	ErrUnexpectedSendme = errors.New("unexpected SENDME")
	// ErrSendmeMismatch is returned when a SENDME echoes the wrong tag.
	ErrSendmeMismatch = errors.New("SENDME tag mismatch")
)

// FlowWindow tracks the circuit-level windows towards one hop. On the
// sending side it remembers the tag of every cell a SENDME must echo; on
// the receiving side it says when to send one.
//
// A FlowWindow is not safe for concurrent use.
type FlowWindow struct {
	pkg     int
	deliver int
	tags    [][]byte
}

// NewFlowWindow returns windows at their starting size.
func NewFlowWindow() *FlowWindow {
	return &FlowWindow{pkg: CircWindowStart, deliver: CircWindowStart}
}

// PackageWindow returns how many DATA cells may still be sent.
func (w *FlowWindow) PackageWindow() int { return w.pkg }

// DeliverWindow returns how many DATA cells may still arrive before the
// peer runs out of window.
func (w *FlowWindow) DeliverWindow() int { return w.deliver }

// Sent accounts for a DATA cell sent with the given tag. The tag of every
// CircWindowIncrement-th cell is kept for checking the SENDME answering it.
func (w *FlowWindow) Sent(tag []byte) error {
	if w.pkg <= 0 {
		return ErrWindowEmpty
	}
	if (w.pkg-1)%CircWindowIncrement == 0 {
		w.tags = append(w.tags, append([]byte(nil), tag...))
	}
	w.pkg--
	return nil
}

// SendmeReceived checks a circuit-level SENDME body against the oldest
// outstanding tag and reopens the package window. A version 0 SENDME is
// rejected.
func (w *FlowWindow) SendmeReceived(payload []byte) error {
	tag, err := ParseSendme(payload)
	if err != nil {
		return err
	}
	if len(w.tags) == 0 {
		return ErrUnexpectedSendme
	}
	want := w.tags[0]
	if tag == nil || !hmac.Equal(tag, want) {
		return fmt.Errorf("%w: got %x, want %x", ErrSendmeMismatch, tag, want)
	}
	w.tags = w.tags[1:]
	w.pkg += CircWindowIncrement
	return nil
}

// Delivered accounts for a DATA cell received with the given tag. When a
// SENDME is due it returns its body, echoing tag.
func (w *FlowWindow) Delivered(tag []byte) ([]byte, bool) {
	w.deliver--
	if w.deliver > CircWindowStart-CircWindowIncrement {
		return nil, false
	}
	w.deliver += CircWindowIncrement
	return SendmePayload(tag), true
}

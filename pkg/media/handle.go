package media

import "sync"

// Ownership tags who may stop the tracks behind a [Handle].
type Ownership int

const (
	// Owned handles stop their tracks on Release.
	Owned Ownership = iota

	// Borrowed handles never stop tracks; the lender does.
	Borrowed
)

// String returns the human-readable ownership name.
func (o Ownership) String() string {
	switch o {
	case Owned:
		return "owned"
	case Borrowed:
		return "borrowed"
	default:
		return "unknown"
	}
}

// Handle pairs a [Stream] with an ownership tag that is checked at release
// time. A nil *Handle is valid and behaves as an empty borrowed handle.
type Handle struct {
	stream    Stream
	ownership Ownership
	once      sync.Once
}

// Own wraps a stream the caller acquired itself.
func Own(s Stream) *Handle {
	return &Handle{stream: s, ownership: Owned}
}

// Borrow wraps a stream owned by someone else.
func Borrow(s Stream) *Handle {
	return &Handle{stream: s, ownership: Borrowed}
}

// Stream returns the wrapped stream, or nil.
func (h *Handle) Stream() Stream {
	if h == nil {
		return nil
	}
	return h.stream
}

// Ownership reports the handle's ownership tag.
func (h *Handle) Ownership() Ownership {
	if h == nil {
		return Borrowed
	}
	return h.ownership
}

// Release stops the stream's tracks if and only if the handle owns them.
// Release is idempotent and safe on a nil handle.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.ownership == Owned {
			StopStream(h.stream)
		}
	})
}

package mdns

import (
	"errors"
	"fmt"
)

// ParseErrorKind classifies why a received mDNS packet could not be
// turned into a usable Packet. All parse errors are recoverable: the
// packet is dropped, a diagnostic counter is bumped, and the kind is
// forwarded to listeners via Listener.OnFailedToParse.
type ParseErrorKind int

const (
	ParseErrNotAResponse ParseErrorKind = iota
	ParseErrNoAnswers
	ParseErrEOF
	ParseErrMalformedName
	ParseErrLabelPointerLoop
	ParseErrBadLength
	ParseErrPacketTooLarge
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseErrNotAResponse:
		return "not_a_response"
	case ParseErrNoAnswers:
		return "no_answers"
	case ParseErrEOF:
		return "eof"
	case ParseErrMalformedName:
		return "malformed_name"
	case ParseErrLabelPointerLoop:
		return "label_pointer_loop"
	case ParseErrBadLength:
		return "bad_length"
	case ParseErrPacketTooLarge:
		return "packet_too_large"
	default:
		return "unknown"
	}
}

// ParseError is returned by parsePacket and writeQueryPackets. Callers
// match on Kind, not on the message text.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mdns: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mdns: %s", e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(kind ParseErrorKind, err error) *ParseError {
	return &ParseError{Kind: kind, Err: err}
}

// Sentinel errors for the programmer-error and start-time-error cases.
var (
	// ErrInvalidArgument is returned when a caller requests a specific
	// network on a transport that does not support per-network routing.
	ErrInvalidArgument = errors.New("mdns: invalid argument")

	// ErrSocketBind names a failure to bind a multicast socket.
	// StartDiscovery only takes the multicast lock and always returns
	// nil; sockets are bound in SocketProvider.RequestSockets, which
	// logs a bind failure and skips that interface. Nothing in this
	// package returns ErrSocketBind.
	ErrSocketBind = errors.New("mdns: failed to bind multicast socket")

	// ErrManagerClosed names use of a Manager after Close. Manager
	// methods have no error result: a call made after Close is never
	// run, and nothing in this package returns ErrManagerClosed.
	ErrManagerClosed = errors.New("mdns: manager closed")

	// ErrNoListener names an unregister of a listener that was never
	// registered for the given service type. UnregisterListener has no
	// error result and treats such a call as a no-op; nothing in this
	// package returns ErrNoListener.
	ErrNoListener = errors.New("mdns: listener not registered")
)

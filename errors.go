package milter

import "errors"

// Sentinel errors identifying the error kinds of §7. Use errors.Is to test
// for them; wrapped occurrences carry additional context via %w.
var (
	// ErrTruncatedFrame means the stream closed mid-packet.
	ErrTruncatedFrame = errors.New("milter: truncated frame")
	// ErrMalformedFrame means a packet declared a zero length.
	ErrMalformedFrame = errors.New("milter: malformed frame")
	// ErrFrameTooLarge means a packet exceeded the configured maximum body size.
	ErrFrameTooLarge = errors.New("milter: frame too large")
	// ErrDecodeError means a command body could not be parsed.
	ErrDecodeError = errors.New("milter: decode error")
	// ErrProtocolViolation means a command arrived in a state that does not permit it.
	ErrProtocolViolation = errors.New("milter: protocol violation")
	// ErrUnsupportedVersion means the MTA offered a protocol version below 6.
	ErrUnsupportedVersion = errors.New("milter: unsupported protocol version")
	// ErrActionNotOffered means the app declared a manipulation the MTA did not offer.
	ErrActionNotOffered = errors.New("milter: action not offered by MTA")
	// ErrActionNotPermitted means a manipulation was produced without the matching negotiated action flag.
	ErrActionNotPermitted = errors.New("milter: action not permitted by negotiated flags")
	// ErrHookDeadline means an application hook exceeded its per-command deadline.
	ErrHookDeadline = errors.New("milter: hook exceeded deadline")
	// ErrHookFailure means an application hook reported a non-recoverable error.
	ErrHookFailure = errors.New("milter: hook failure")
	// ErrIOFailure means the underlying stream failed.
	ErrIOFailure = errors.New("milter: I/O failure")
	// ErrShutdown means the session was torn down by a cooperative server shutdown.
	ErrShutdown = errors.New("milter: shutdown")
)

// Package transport defines the raw byte-stream link used to talk to the
// radio's programming port.
//
// The RT73 protocol is strict request/response over a half-duplex cable, so
// the link is a plain stream primitive rather than a packet pump: whoever
// owns the link writes one frame and then reads the reply before doing
// anything else.
package transport

import "time"

// Link is a duplex byte-stream connection to the radio.
//
// Implementations are not required to be safe for concurrent use; a link has
// exactly one owner (the device session) for its whole lifetime.
type Link interface {
	// Open establishes the connection. Opening an already-open link is an
	// error.
	Open() error
	// Close tears the connection down. Closing a closed link is a no-op.
	Close() error
	// IsOpen reports whether the link is currently open.
	IsOpen() bool
	// Read reads up to len(p) bytes. A read that sees no data within the
	// configured read timeout returns (0, nil), matching serial port
	// semantics; callers treat that as a timeout.
	Read(p []byte) (int, error)
	// Write writes len(p) bytes or fails.
	Write(p []byte) (int, error)
	// SetReadTimeout bounds how long a single Read waits for data.
	SetReadTimeout(d time.Duration) error
}

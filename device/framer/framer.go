// Package framer runs the strict request/response frame exchange with the
// radio.
//
// Every exchange sends one framed command and waits for the matching reply.
// Timeouts and corrupted replies are retried by re-sending the identical
// frame bytes; a device-reported error or a mismatched reply opcode is not,
// since the radio answered and retrying would desynchronize the stream.
package framer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmrtools/rt73-go/core/codec"
	"github.com/dmrtools/rt73-go/core/radiodef"
	"github.com/dmrtools/rt73-go/transport"
)

// ErrTimeout marks an exchange attempt that saw no (or an incomplete)
// response within the protocol's read timeout.
var ErrTimeout = errors.New("timed out waiting for response")

// TransportError is returned when an exchange failed on every attempt of
// its retry budget.
type TransportError struct {
	Op       string // command name, e.g. "read"
	Attempts int    // attempts made, including the first send
	Err      error  // failure of the last attempt
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is returned when the radio answered, but with a
// device-reported error frame or a reply that does not match the request.
type ProtocolError struct {
	Op     string
	Opcode byte // opcode of the received reply
	Code   byte // device error code, when the reply is an error frame
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (reply opcode %#02x)", e.Op, e.Reason, e.Opcode)
}

// Config holds the configuration for a Framer.
type Config struct {
	Link     transport.Link
	Protocol radiodef.Protocol
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Framer frames commands onto a transport link and collects their replies.
type Framer struct {
	link  transport.Link
	proto radiodef.Protocol
	log   *slog.Logger
}

// New creates a Framer. The link must already be open.
func New(cfg Config) *Framer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Framer{
		link:  cfg.Link,
		proto: cfg.Protocol,
		log:   cfg.Logger.WithGroup("framer"),
	}
}

// SendCommand sends one framed command and returns the radio's reply frame.
//
// The reply must carry the request opcode with the reply bit set. A timeout
// or a corrupted reply re-sends the identical frame bytes up to the
// protocol's retry budget; exhausting the budget returns a TransportError.
func (f *Framer) SendCommand(ctx context.Context, op string, opcode byte, address uint32, payload []byte) (*codec.Frame, error) {
	req, err := codec.EncodeFrame(&codec.Frame{Opcode: opcode, Address: address, Payload: payload}, f.proto.Checksum)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", op, err)
	}
	if err := f.link.SetReadTimeout(f.proto.ReadTimeout); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	attempts := 1 + f.proto.Retries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Op: op, Attempts: attempt - 1, Err: err}
		}
		if attempt > 1 {
			f.log.Warn("retrying command", "op", op, "attempt", attempt, "err", lastErr)
		}

		reply, err := f.exchange(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case reply.Opcode == opcode|codec.ReplyBit:
			f.log.Debug("command ok", "op", op, "address", address, "reply_len", len(reply.Payload))
			return reply, nil
		case reply.Opcode == f.proto.Opcodes.Error:
			perr := &ProtocolError{Op: op, Opcode: reply.Opcode, Reason: "device reported an error"}
			if len(reply.Payload) > 0 {
				perr.Code = reply.Payload[0]
				perr.Reason = fmt.Sprintf("device reported error %#02x", perr.Code)
			}
			return nil, perr
		default:
			return nil, &ProtocolError{Op: op, Opcode: reply.Opcode, Reason: "reply does not match request"}
		}
	}
	if isMalformed(lastErr) {
		return nil, &ProtocolError{Op: op, Reason: fmt.Sprintf("after %d attempts: %v", attempts, lastErr)}
	}
	return nil, &TransportError{Op: op, Attempts: attempts, Err: lastErr}
}

// isMalformed reports whether an attempt failed because the reply itself was
// corrupt, as opposed to the link timing out or breaking.
func isMalformed(err error) bool {
	return errors.Is(err, codec.ErrChecksumMismatch) ||
		errors.Is(err, codec.ErrFrameTooShort) ||
		errors.Is(err, codec.ErrIncompleteFrame) ||
		errors.Is(err, codec.ErrPayloadTooLarge)
}

// exchange performs one send/receive attempt.
func (f *Framer) exchange(req []byte) (*codec.Frame, error) {
	if _, err := f.link.Write(req); err != nil {
		return nil, fmt.Errorf("writing frame: %w", err)
	}

	header := make([]byte, codec.FrameHeaderSize)
	if err := f.readFull(header); err != nil {
		return nil, err
	}
	payloadLen := int(binary.BigEndian.Uint16(header[5:7]))
	if payloadLen > f.proto.MaxPayload {
		return nil, fmt.Errorf("%w: reply declares %d payload bytes, limit is %d", codec.ErrPayloadTooLarge, payloadLen, f.proto.MaxPayload)
	}

	rest := make([]byte, payloadLen+codec.FrameChecksumSize)
	if err := f.readFull(rest); err != nil {
		return nil, err
	}

	reply, _, err := codec.DecodeFrame(append(header, rest...), f.proto.Checksum)
	return reply, err
}

// readFull fills p from the link. The serial driver signals a read timeout
// by returning (0, nil).
func (f *Framer) readFull(p []byte) error {
	for off := 0; off < len(p); {
		n, err := f.link.Read(p[off:])
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, off, len(p))
		}
		off += n
	}
	return nil
}

// Hello probes the radio and returns its identification payload.
func (f *Framer) Hello(ctx context.Context) ([]byte, error) {
	reply, err := f.SendCommand(ctx, "hello", f.proto.Opcodes.Hello, 0, nil)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// ReadRegion reads length bytes starting at address, chunked to the
// protocol's maximum payload size. The request payload carries the
// requested byte count.
func (f *Framer) ReadRegion(ctx context.Context, address uint32, length int) ([]byte, error) {
	data := make([]byte, 0, length)
	for off := 0; off < length; {
		want := length - off
		if want > f.proto.MaxPayload {
			want = f.proto.MaxPayload
		}

		var count [2]byte
		binary.BigEndian.PutUint16(count[:], uint16(want))
		reply, err := f.SendCommand(ctx, "read", f.proto.Opcodes.Read, address+uint32(off), count[:])
		if err != nil {
			return nil, err
		}
		if len(reply.Payload) != want {
			return nil, &ProtocolError{
				Op:     "read",
				Opcode: reply.Opcode,
				Reason: fmt.Sprintf("got %d bytes, requested %d", len(reply.Payload), want),
			}
		}
		data = append(data, reply.Payload...)
		off += want
	}
	return data, nil
}

// WriteRegion writes data starting at address. Chunk boundaries are placed
// at multiples of chunkSize; pass 0 to chunk by the protocol's maximum
// payload size.
func (f *Framer) WriteRegion(ctx context.Context, address uint32, data []byte, chunkSize int) error {
	if chunkSize <= 0 || chunkSize > f.proto.MaxPayload {
		chunkSize = f.proto.MaxPayload
	}
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > chunkSize {
			n = chunkSize
		}
		if _, err := f.SendCommand(ctx, "write", f.proto.Opcodes.Write, address+uint32(off), data[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

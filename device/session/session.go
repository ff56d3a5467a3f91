// Package session drives a programming session with the radio: connect,
// download or upload the codeplug, and push the bulk user and talkgroup
// databases.
//
// A session owns its link for its whole lifetime and runs exactly one
// operation at a time. A transport failure mid-operation drops the session
// back to disconnected; the codeplug on the radio may then be partially
// written and the caller should reconnect and upload again.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmrtools/rt73-go/core/codeplug"
	"github.com/dmrtools/rt73-go/core/radiodef"
	"github.com/dmrtools/rt73-go/device/framer"
	"github.com/dmrtools/rt73-go/transport"
)

// State is the connection state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateDownloading
	StateUploading
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateDownloading:
		return "downloading"
	case StateUploading:
		return "uploading"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotConnected is returned when an operation needs a connected session.
var ErrNotConnected = errors.New("session is not connected")

// ErrBusy is returned when an operation is started while another is still
// running.
var ErrBusy = errors.New("session is busy")

// VerificationError reports a read-back mismatch after a write: the radio
// acknowledged the data but holds something else.
type VerificationError struct {
	Region  string
	Address uint32 // absolute address of the first mismatched byte
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: region %q differs at address %#x", e.Region, e.Address)
}

// Progress reports operation progress. done and total are in bytes.
type Progress func(stage string, done, total int)

// Config holds the configuration for a Session.
type Config struct {
	Link       transport.Link
	Definition *radiodef.Definition
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Progress, when set, is called as transfers advance.
	Progress Progress
	// SkipVerify disables the read-back check after codeplug writes.
	SkipVerify bool
}

// Session is a programming session with one radio.
type Session struct {
	link       transport.Link
	def        *radiodef.Definition
	fr         *framer.Framer
	log        *slog.Logger
	progress   Progress
	skipVerify bool

	state State
	ident string
}

// New creates a Session. The link is opened by Connect.
func New(cfg Config) (*Session, error) {
	if cfg.Link == nil {
		return nil, errors.New("session requires a link")
	}
	if cfg.Definition == nil {
		return nil, errors.New("session requires a radio definition")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Progress == nil {
		cfg.Progress = func(string, int, int) {}
	}
	return &Session{
		link:       cfg.Link,
		def:        cfg.Definition,
		fr:         framer.New(framer.Config{Link: cfg.Link, Protocol: cfg.Definition.Protocol, Logger: cfg.Logger}),
		log:        cfg.Logger.WithGroup("session"),
		progress:   cfg.Progress,
		skipVerify: cfg.SkipVerify,
		state:      StateDisconnected,
	}, nil
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Ident returns the identification string the radio sent during Connect.
func (s *Session) Ident() string { return s.ident }

// Connect opens the link if needed and probes the radio.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != StateDisconnected {
		return ErrBusy
	}
	if !s.link.IsOpen() {
		if err := s.link.Open(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
	}

	ident, err := s.fr.Hello(ctx)
	if err != nil {
		s.link.Close()
		return s.fail(err)
	}
	s.ident = string(bytes.TrimRight(ident, "\x00"))
	s.state = StateConnected
	s.log.Info("connected", "radio", s.def.Radio, "ident", s.ident)
	return nil
}

// Close tears the session down.
func (s *Session) Close() error {
	s.state = StateDisconnected
	return s.link.Close()
}

// Download reads the full codeplug image, region by region in address
// order.
func (s *Session) Download(ctx context.Context) ([]byte, error) {
	if err := s.begin(StateDownloading); err != nil {
		return nil, err
	}
	defer s.end()

	image := make([]byte, s.def.TotalSize)
	done := 0
	for _, region := range s.def.Regions() {
		s.log.Debug("downloading region", "region", region.Name, "offset", region.Offset, "length", region.Length)
		data, err := s.fr.ReadRegion(ctx, uint32(region.Offset), region.Length)
		if err != nil {
			return nil, s.fail(err)
		}
		copy(image[region.Offset:], data)
		done += region.Length
		s.progress("download", done, s.def.TotalSize)
	}
	return image, nil
}

// Upload writes a full codeplug image to the radio. Each region is written
// in chunks aligned to whole records, then read back and compared unless
// the session was configured to skip verification.
func (s *Session) Upload(ctx context.Context, image []byte) error {
	if len(image) != s.def.TotalSize {
		return fmt.Errorf("image is %d bytes, codeplug is %d", len(image), s.def.TotalSize)
	}
	if err := s.begin(StateUploading); err != nil {
		return err
	}
	defer s.end()

	done := 0
	for _, region := range s.def.Regions() {
		data := image[region.Offset : region.Offset+region.Length]
		s.log.Debug("uploading region", "region", region.Name, "offset", region.Offset, "length", region.Length)
		if err := s.fr.WriteRegion(ctx, uint32(region.Offset), data, s.regionChunkSize(region)); err != nil {
			return s.fail(err)
		}
		if !s.skipVerify {
			if err := s.verifyRegion(ctx, region, data); err != nil {
				return s.fail(err)
			}
		}
		done += region.Length
		s.progress("upload", done, s.def.TotalSize)
	}
	return nil
}

// regionChunkSize returns the largest whole-record chunk that fits in one
// frame, so a transport failure never leaves a record half written.
func (s *Session) regionChunkSize(region *radiodef.Region) int {
	max := s.def.Protocol.MaxPayload
	if region.Stride == 0 || region.Stride > max {
		return max
	}
	return (max / region.Stride) * region.Stride
}

// verifyRegion reads a just-written region back and compares it.
func (s *Session) verifyRegion(ctx context.Context, region *radiodef.Region, want []byte) error {
	got, err := s.fr.ReadRegion(ctx, uint32(region.Offset), region.Length)
	if err != nil {
		return err
	}
	for i := range got {
		if got[i] != want[i] {
			return &VerificationError{Region: region.Name, Address: uint32(region.Offset + i)}
		}
	}
	return nil
}

// UploadUserDB pushes a prepared user database to its dedicated flash area.
// The database bypasses the codeplug entirely and is written as large
// sequential blocks.
func (s *Session) UploadUserDB(ctx context.Context, db *codeplug.UserDB) error {
	proto := &s.def.Protocol
	if !sizeAllowed(proto.UserDBRecordSizes, db.RecordSize) {
		return fmt.Errorf("record size %d not supported, radio accepts %v", db.RecordSize, proto.UserDBRecordSizes)
	}
	if err := s.checkBlockSize(db.BlockSize, len(db.Data)); err != nil {
		return err
	}
	if err := s.begin(StateUploading); err != nil {
		return err
	}
	defer s.end()

	s.log.Info("uploading user database", "records", db.Count, "blocks", db.Blocks(), "record_size", db.RecordSize)
	return s.writeBlocks(ctx, "userdb", proto.UserDBBase, db.Data)
}

// UploadGroupDB pushes a prepared talkgroup database to its dedicated flash
// area, block by block like the user database.
func (s *Session) UploadGroupDB(ctx context.Context, db *codeplug.GroupDB) error {
	if err := s.checkBlockSize(db.BlockSize, len(db.Data)); err != nil {
		return err
	}
	if err := s.begin(StateUploading); err != nil {
		return err
	}
	defer s.end()

	s.log.Info("uploading group database", "groups", db.Count, "blocks", db.Blocks())
	return s.writeBlocks(ctx, "groupdb", s.def.Protocol.HamGroupBase, db.Data)
}

// checkBlockSize rejects a database built with a different flash block size
// than the radio's, before any slicing on the protocol's block size.
func (s *Session) checkBlockSize(blockSize, size int) error {
	want := s.def.Protocol.BlockSize
	if blockSize != want {
		return fmt.Errorf("database uses %d-byte blocks, radio flash blocks are %d bytes", blockSize, want)
	}
	if size%want != 0 {
		return fmt.Errorf("database is %d bytes, not a whole number of %d-byte blocks", size, want)
	}
	return nil
}

// writeBlocks streams data to a flash area one protocol block at a time.
func (s *Session) writeBlocks(ctx context.Context, stage string, base uint32, data []byte) error {
	blockSize := s.def.Protocol.BlockSize
	for off := 0; off < len(data); off += blockSize {
		if err := s.fr.WriteRegion(ctx, base+uint32(off), data[off:off+blockSize], blockSize); err != nil {
			return s.fail(err)
		}
		s.progress(stage, off+blockSize, len(data))
	}
	return nil
}

// Reboot asks the radio to restart. The radio drops the link immediately,
// so a missing reply is not an error.
func (s *Session) Reboot(ctx context.Context) error {
	if s.state == StateDisconnected {
		return ErrNotConnected
	}
	_, err := s.fr.SendCommand(ctx, "reboot", s.def.Protocol.Opcodes.Reboot, 0, nil)
	var terr *framer.TransportError
	if errors.As(err, &terr) && errors.Is(err, framer.ErrTimeout) {
		err = nil
	}
	s.state = StateDisconnected
	s.link.Close()
	return err
}

func (s *Session) begin(next State) error {
	switch s.state {
	case StateConnected:
		s.state = next
		return nil
	case StateDisconnected:
		return ErrNotConnected
	default:
		return ErrBusy
	}
}

func (s *Session) end() {
	if s.state != StateDisconnected {
		s.state = StateConnected
	}
}

// fail records an operation failure. Transport failures drop the session to
// disconnected; the radio's state is unknown at that point.
func (s *Session) fail(err error) error {
	var terr *framer.TransportError
	if errors.As(err, &terr) {
		s.state = StateDisconnected
		s.log.Error("transport failure, disconnecting", "err", err)
	}
	return err
}

func sizeAllowed(allowed []int, size int) bool {
	for _, s := range allowed {
		if s == size {
			return true
		}
	}
	return false
}

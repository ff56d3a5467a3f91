// Package flasher writes a firmware image to the radio's bootloader.
//
// The radio must already be in firmware-update mode (powered on while
// holding P1). The exchange is: erase the flash area, stream the chunks in
// order, hand the radio the whole-image checksum to verify, then reboot.
// There is no resume; a failed flash starts over from the erase.
package flasher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmrtools/rt73-go/core/firmware"
	"github.com/dmrtools/rt73-go/core/radiodef"
	"github.com/dmrtools/rt73-go/device/framer"
	"github.com/dmrtools/rt73-go/transport"
)

// Phase is the stage a flash operation is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseErasing
	PhaseProgramming
	PhaseVerifying
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseErasing:
		return "erasing"
	case PhaseProgramming:
		return "programming"
	case PhaseVerifying:
		return "verifying"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// FlashError reports where a flash operation failed. Chunk is meaningful
// only in the programming phase.
type FlashError struct {
	Phase Phase
	Chunk int
	Err   error
}

func (e *FlashError) Error() string {
	if e.Phase == PhaseProgramming {
		return fmt.Sprintf("flashing chunk %d: %v", e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// Progress reports flash progress. done and total are in chunks during
// programming and zero otherwise.
type Progress func(phase Phase, done, total int)

// Config holds the configuration for a Flasher.
type Config struct {
	Link     transport.Link
	Protocol radiodef.Protocol
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Progress, when set, is called as the flash advances.
	Progress Progress
}

// Flasher streams firmware to the radio's bootloader.
type Flasher struct {
	fr       *framer.Framer
	proto    radiodef.Protocol
	log      *slog.Logger
	progress Progress
	phase    Phase
}

// New creates a Flasher. The link must already be open.
func New(cfg Config) *Flasher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Progress == nil {
		cfg.Progress = func(Phase, int, int) {}
	}
	return &Flasher{
		fr:       framer.New(framer.Config{Link: cfg.Link, Protocol: cfg.Protocol, Logger: cfg.Logger}),
		proto:    cfg.Protocol,
		log:      cfg.Logger.WithGroup("flasher"),
		progress: cfg.Progress,
		phase:    PhaseIdle,
	}
}

// Phase returns the current flash phase.
func (f *Flasher) Phase() Phase { return f.phase }

// Flash writes the firmware image. The image's chunk size must match the
// protocol's flash block size.
func (f *Flasher) Flash(ctx context.Context, img *firmware.Image) error {
	if f.phase != PhaseIdle {
		return errors.New("flash already in progress")
	}
	if img.ChunkSize() != f.proto.BlockSize {
		return fmt.Errorf("image uses %d-byte chunks, flash blocks are %d bytes", img.ChunkSize(), f.proto.BlockSize)
	}
	defer func() { f.phase = PhaseIdle }()

	chunks := img.Chunks()
	f.log.Info("flashing firmware", "size", img.Size(), "chunks", chunks)

	f.phase = PhaseErasing
	f.progress(PhaseErasing, 0, 0)
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(chunks))
	if _, err := f.fr.SendCommand(ctx, "erase", f.proto.Opcodes.Erase, f.proto.FirmwareBase, count[:]); err != nil {
		return &FlashError{Phase: PhaseErasing, Err: err}
	}

	f.phase = PhaseProgramming
	for i := 0; i < chunks; i++ {
		chunk, err := img.Chunk(i)
		if err != nil {
			return &FlashError{Phase: PhaseProgramming, Chunk: i, Err: err}
		}
		address := f.proto.FirmwareBase + uint32(i*f.proto.BlockSize)
		if _, err := f.fr.SendCommand(ctx, "flash", f.proto.Opcodes.Write, address, chunk); err != nil {
			return &FlashError{Phase: PhaseProgramming, Chunk: i, Err: err}
		}
		f.progress(PhaseProgramming, i+1, chunks)
	}

	f.phase = PhaseVerifying
	f.progress(PhaseVerifying, 0, 0)
	var sum [2]byte
	binary.BigEndian.PutUint16(sum[:], img.Checksum(f.proto.Checksum))
	if _, err := f.fr.SendCommand(ctx, "verify", f.proto.Opcodes.Verify, f.proto.FirmwareBase, sum[:]); err != nil {
		return &FlashError{Phase: PhaseVerifying, Err: err}
	}

	// The radio restarts into the new firmware without answering the
	// reboot command.
	f.phase = PhaseFinalizing
	f.progress(PhaseFinalizing, 0, 0)
	_, err := f.fr.SendCommand(ctx, "reboot", f.proto.Opcodes.Reboot, 0, nil)
	var terr *framer.TransportError
	if err != nil && !(errors.As(err, &terr) && errors.Is(err, framer.ErrTimeout)) {
		return &FlashError{Phase: PhaseFinalizing, Err: err}
	}

	f.log.Info("firmware flash complete", "chunks", chunks)
	return nil
}

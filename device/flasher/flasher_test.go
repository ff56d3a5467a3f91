package flasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/dmrtools/rt73-go/core/codec"
	"github.com/dmrtools/rt73-go/core/firmware"
	"github.com/dmrtools/rt73-go/core/radiodef"
)

type flashOp struct {
	name    string
	address uint32
	payload []byte
}

// fakeBootloader emulates the radio in firmware-update mode: it
// acknowledges every command until failAt chunks have been written.
type fakeBootloader struct {
	t     *testing.T
	proto radiodef.Protocol
	buf   []byte

	ops    []flashOp
	chunks int
	failAt int // chunk index that gets no ack, -1 = never
}

func (b *fakeBootloader) Open() error                        { return nil }
func (b *fakeBootloader) Close() error                       { return nil }
func (b *fakeBootloader) IsOpen() bool                       { return true }
func (b *fakeBootloader) SetReadTimeout(time.Duration) error { return nil }

func (b *fakeBootloader) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		return 0, nil
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *fakeBootloader) Write(p []byte) (int, error) {
	frame, _, err := codec.DecodeFrame(p, b.proto.Checksum)
	if err != nil {
		b.t.Fatalf("bootloader received a bad frame: %v", err)
	}
	b.buf = nil

	op := b.proto.Opcodes
	var name string
	switch frame.Opcode {
	case op.Erase:
		name = "erase"
	case op.Write:
		name = "write"
		if b.chunks == b.failAt {
			b.ops = append(b.ops, flashOp{name, frame.Address, append([]byte(nil), frame.Payload...)})
			return len(p), nil // no ack
		}
		b.chunks++
	case op.Verify:
		name = "verify"
	case op.Reboot:
		name = "reboot"
	default:
		b.t.Fatalf("bootloader received unknown opcode %#02x", frame.Opcode)
	}
	b.ops = append(b.ops, flashOp{name, frame.Address, append([]byte(nil), frame.Payload...)})

	reply, err := codec.EncodeFrame(&codec.Frame{
		Opcode:  frame.Opcode | codec.ReplyBit,
		Address: frame.Address,
	}, b.proto.Checksum)
	if err != nil {
		b.t.Fatalf("encoding ack: %v", err)
	}
	b.buf = reply
	return len(p), nil
}

func testProtocol(t *testing.T) radiodef.Protocol {
	t.Helper()
	def, err := radiodef.RT73()
	if err != nil {
		t.Fatalf("loading definition: %v", err)
	}
	return def.Protocol
}

func testImage(t *testing.T, proto radiodef.Protocol, chunks int) *firmware.Image {
	t.Helper()
	data := make([]byte, chunks*proto.BlockSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	img, err := firmware.New(data, proto.BlockSize)
	if err != nil {
		t.Fatalf("firmware.New: %v", err)
	}
	return img
}

func TestFlashSequence(t *testing.T) {
	proto := testProtocol(t)
	boot := &fakeBootloader{t: t, proto: proto, failAt: -1}
	img := testImage(t, proto, 4)

	var phases []Phase
	f := New(Config{Link: boot, Protocol: proto, Progress: func(p Phase, done, total int) {
		if len(phases) == 0 || phases[len(phases)-1] != p {
			phases = append(phases, p)
		}
	}})

	if err := f.Flash(context.Background(), img); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	wantPhases := []Phase{PhaseErasing, PhaseProgramming, PhaseVerifying, PhaseFinalizing}
	if len(phases) != len(wantPhases) {
		t.Fatalf("phases = %v, want %v", phases, wantPhases)
	}
	for i := range wantPhases {
		if phases[i] != wantPhases[i] {
			t.Fatalf("phases = %v, want %v", phases, wantPhases)
		}
	}

	wantOps := 1 + img.Chunks() + 1 + 1 // erase, chunks, verify, reboot
	if len(boot.ops) != wantOps {
		t.Fatalf("bootloader saw %d commands, want %d", len(boot.ops), wantOps)
	}

	erase := boot.ops[0]
	if erase.name != "erase" || erase.address != proto.FirmwareBase {
		t.Errorf("first command = %s at %#x, want erase at %#x", erase.name, erase.address, proto.FirmwareBase)
	}
	if got := binary.BigEndian.Uint16(erase.payload); int(got) != img.Chunks() {
		t.Errorf("erase announces %d chunks, want %d", got, img.Chunks())
	}

	var flashed []byte
	for i := 0; i < img.Chunks(); i++ {
		op := boot.ops[1+i]
		wantAddr := proto.FirmwareBase + uint32(i*proto.BlockSize)
		if op.name != "write" || op.address != wantAddr {
			t.Errorf("command %d = %s at %#x, want write at %#x", 1+i, op.name, op.address, wantAddr)
		}
		flashed = append(flashed, op.payload...)
	}
	var want []byte
	for i := 0; i < img.Chunks(); i++ {
		chunk, _ := img.Chunk(i)
		want = append(want, chunk...)
	}
	if !bytes.Equal(flashed, want) {
		t.Error("flashed bytes do not match the image")
	}

	verify := boot.ops[len(boot.ops)-2]
	if verify.name != "verify" {
		t.Fatalf("second-to-last command = %s, want verify", verify.name)
	}
	if got := binary.BigEndian.Uint16(verify.payload); got != img.Checksum(proto.Checksum) {
		t.Errorf("verify carries checksum %#04x, want %#04x", got, img.Checksum(proto.Checksum))
	}
	if boot.ops[len(boot.ops)-1].name != "reboot" {
		t.Errorf("last command = %s, want reboot", boot.ops[len(boot.ops)-1].name)
	}

	if f.Phase() != PhaseIdle {
		t.Errorf("phase = %v after completion, want idle", f.Phase())
	}
}

func TestFlashFailedChunkStopsUpload(t *testing.T) {
	proto := testProtocol(t)
	boot := &fakeBootloader{t: t, proto: proto, failAt: 5}
	img := testImage(t, proto, 10)

	f := New(Config{Link: boot, Protocol: proto})
	err := f.Flash(context.Background(), img)
	var ferr *FlashError
	if !errors.As(err, &ferr) {
		t.Fatalf("got %v, want FlashError", err)
	}
	if ferr.Phase != PhaseProgramming || ferr.Chunk != 5 {
		t.Errorf("error = %+v, want programming failure at chunk 5", ferr)
	}

	// Erase, five acked chunks, then the retries of the failing chunk.
	// Nothing past chunk 5 may have been written.
	for _, op := range boot.ops {
		if op.name == "write" && op.address > proto.FirmwareBase+uint32(5*proto.BlockSize) {
			t.Errorf("chunk past the failure was written at %#x", op.address)
		}
		if op.name == "verify" || op.name == "reboot" {
			t.Errorf("%s sent after a failed chunk", op.name)
		}
	}
	if boot.chunks != 5 {
		t.Errorf("bootloader acked %d chunks, want 5", boot.chunks)
	}
}

func TestFlashRejectsMismatchedChunkSize(t *testing.T) {
	proto := testProtocol(t)
	img, err := firmware.New(make([]byte, 1024), 1024)
	if err != nil {
		t.Fatalf("firmware.New: %v", err)
	}
	f := New(Config{Link: &fakeBootloader{t: t, proto: proto, failAt: -1}, Protocol: proto})
	if err := f.Flash(context.Background(), img); err == nil {
		t.Fatal("mismatched chunk size accepted")
	}
}

package framer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmrtools/rt73-go/core/codec"
	"github.com/dmrtools/rt73-go/core/radiodef"
)

// scriptLink is an in-memory link that pops one queued reply per written
// frame. A nil queue entry (or an exhausted queue) reads as a timeout.
type scriptLink struct {
	writes  [][]byte
	replies [][]byte
	pending []byte
}

func (l *scriptLink) Open() error                        { return nil }
func (l *scriptLink) Close() error                       { return nil }
func (l *scriptLink) IsOpen() bool                       { return true }
func (l *scriptLink) SetReadTimeout(time.Duration) error { return nil }

func (l *scriptLink) Write(p []byte) (int, error) {
	l.writes = append(l.writes, append([]byte(nil), p...))
	l.pending = nil
	if len(l.replies) > 0 {
		l.pending = l.replies[0]
		l.replies = l.replies[1:]
	}
	return len(p), nil
}

func (l *scriptLink) Read(p []byte) (int, error) {
	if len(l.pending) == 0 {
		return 0, nil // read timeout
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

func testProtocol(t *testing.T) radiodef.Protocol {
	t.Helper()
	def, err := radiodef.RT73()
	if err != nil {
		t.Fatalf("loading definition: %v", err)
	}
	return def.Protocol
}

func mkReply(t *testing.T, proto radiodef.Protocol, opcode byte, address uint32, payload []byte) []byte {
	t.Helper()
	data, err := codec.EncodeFrame(&codec.Frame{Opcode: opcode, Address: address, Payload: payload}, proto.Checksum)
	if err != nil {
		t.Fatalf("encoding reply: %v", err)
	}
	return data
}

func decodeRequest(t *testing.T, proto radiodef.Protocol, data []byte) *codec.Frame {
	t.Helper()
	frame, rest, err := codec.DecodeFrame(data, proto.Checksum)
	if err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("request carries %d trailing bytes", len(rest))
	}
	return frame
}

func TestSendCommandRoundTrip(t *testing.T) {
	proto := testProtocol(t)
	link := &scriptLink{replies: [][]byte{
		mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0x100, []byte{0xDE, 0xAD}),
	}}
	f := New(Config{Link: link, Protocol: proto})

	reply, err := f.SendCommand(context.Background(), "read", proto.Opcodes.Read, 0x100, []byte{0x00, 0x02})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !bytes.Equal(reply.Payload, []byte{0xDE, 0xAD}) {
		t.Errorf("reply payload = % x", reply.Payload)
	}
	if len(link.writes) != 1 {
		t.Errorf("wrote %d frames, want 1", len(link.writes))
	}
}

func TestSendCommandRetriesOnTimeout(t *testing.T) {
	proto := testProtocol(t)
	link := &scriptLink{} // no replies at all
	f := New(Config{Link: link, Protocol: proto})

	_, err := f.SendCommand(context.Background(), "hello", proto.Opcodes.Hello, 0, nil)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want TransportError", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("cause = %v, want ErrTimeout", terr.Err)
	}

	wantAttempts := 1 + proto.Retries
	if terr.Attempts != wantAttempts {
		t.Errorf("Attempts = %d, want %d", terr.Attempts, wantAttempts)
	}
	if len(link.writes) != wantAttempts {
		t.Fatalf("wrote %d frames, want %d", len(link.writes), wantAttempts)
	}
	for i, w := range link.writes[1:] {
		if !bytes.Equal(w, link.writes[0]) {
			t.Errorf("retry %d did not re-send identical frame bytes", i+1)
		}
	}
}

func TestSendCommandRetriesOnCorruptReply(t *testing.T) {
	proto := testProtocol(t)
	good := mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0, []byte{0x42})
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF

	link := &scriptLink{replies: [][]byte{bad, good}}
	f := New(Config{Link: link, Protocol: proto})

	reply, err := f.SendCommand(context.Background(), "read", proto.Opcodes.Read, 0, []byte{0x00, 0x01})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !bytes.Equal(reply.Payload, []byte{0x42}) {
		t.Errorf("reply payload = % x", reply.Payload)
	}
	if len(link.writes) != 2 {
		t.Errorf("wrote %d frames, want 2", len(link.writes))
	}
}

func TestSendCommandCorruptOnEveryAttempt(t *testing.T) {
	proto := testProtocol(t)
	good := mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0, []byte{0x42})
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF

	var replies [][]byte
	for i := 0; i < 1+proto.Retries; i++ {
		replies = append(replies, bad)
	}
	link := &scriptLink{replies: replies}
	f := New(Config{Link: link, Protocol: proto})

	_, err := f.SendCommand(context.Background(), "read", proto.Opcodes.Read, 0, []byte{0x00, 0x01})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
	if len(link.writes) != 1+proto.Retries {
		t.Errorf("wrote %d frames, want %d", len(link.writes), 1+proto.Retries)
	}
}

func TestSendCommandDeviceError(t *testing.T) {
	proto := testProtocol(t)
	link := &scriptLink{replies: [][]byte{
		mkReply(t, proto, proto.Opcodes.Error, 0, []byte{0x02}),
	}}
	f := New(Config{Link: link, Protocol: proto})

	_, err := f.SendCommand(context.Background(), "write", proto.Opcodes.Write, 0x80, []byte{0x01})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
	if perr.Code != 0x02 {
		t.Errorf("Code = %#02x, want 0x02", perr.Code)
	}
	if len(link.writes) != 1 {
		t.Errorf("wrote %d frames, want 1 (device errors are not retried)", len(link.writes))
	}
}

func TestSendCommandMismatchedReply(t *testing.T) {
	proto := testProtocol(t)
	link := &scriptLink{replies: [][]byte{
		mkReply(t, proto, proto.Opcodes.Write|codec.ReplyBit, 0, nil),
	}}
	f := New(Config{Link: link, Protocol: proto})

	_, err := f.SendCommand(context.Background(), "read", proto.Opcodes.Read, 0, []byte{0x00, 0x01})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
	if len(link.writes) != 1 {
		t.Errorf("wrote %d frames, want 1 (mismatched replies are not retried)", len(link.writes))
	}
}

func TestSendCommandContextCancelled(t *testing.T) {
	proto := testProtocol(t)
	link := &scriptLink{}
	f := New(Config{Link: link, Protocol: proto})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.SendCommand(ctx, "hello", proto.Opcodes.Hello, 0, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if len(link.writes) != 0 {
		t.Errorf("wrote %d frames after cancellation", len(link.writes))
	}
}

func TestReadRegionChunks(t *testing.T) {
	proto := testProtocol(t)
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}

	link := &scriptLink{replies: [][]byte{
		mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0x1000, data[:2048]),
		mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0x1800, data[2048:4096]),
		mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0x2000, data[4096:]),
	}}
	f := New(Config{Link: link, Protocol: proto})

	got, err := f.ReadRegion(context.Background(), 0x1000, len(data))
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("assembled data does not match")
	}

	wantAddrs := []uint32{0x1000, 0x1800, 0x2000}
	wantLens := []int{2048, 2048, 904}
	if len(link.writes) != len(wantAddrs) {
		t.Fatalf("wrote %d requests, want %d", len(link.writes), len(wantAddrs))
	}
	for i, w := range link.writes {
		req := decodeRequest(t, proto, w)
		if req.Address != wantAddrs[i] {
			t.Errorf("request %d address = %#x, want %#x", i, req.Address, wantAddrs[i])
		}
		gotLen := int(req.Payload[0])<<8 | int(req.Payload[1])
		if gotLen != wantLens[i] {
			t.Errorf("request %d asks for %d bytes, want %d", i, gotLen, wantLens[i])
		}
	}
}

func TestReadRegionShortReply(t *testing.T) {
	proto := testProtocol(t)
	link := &scriptLink{replies: [][]byte{
		mkReply(t, proto, proto.Opcodes.Read|codec.ReplyBit, 0, []byte{0x01}),
	}}
	f := New(Config{Link: link, Protocol: proto})

	_, err := f.ReadRegion(context.Background(), 0, 16)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
}

func TestWriteRegionChunks(t *testing.T) {
	proto := testProtocol(t)
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 3)
	}

	link := &scriptLink{replies: [][]byte{
		mkReply(t, proto, proto.Opcodes.Write|codec.ReplyBit, 0x200, nil),
		mkReply(t, proto, proto.Opcodes.Write|codec.ReplyBit, 0x3A0, nil),
		mkReply(t, proto, proto.Opcodes.Write|codec.ReplyBit, 0x540, nil),
	}}
	f := New(Config{Link: link, Protocol: proto})

	if err := f.WriteRegion(context.Background(), 0x200, data, 416); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}

	wantAddrs := []uint32{0x200, 0x3A0, 0x540}
	wantLens := []int{416, 416, 168}
	if len(link.writes) != len(wantAddrs) {
		t.Fatalf("wrote %d frames, want %d", len(link.writes), len(wantAddrs))
	}
	var rebuilt []byte
	for i, w := range link.writes {
		req := decodeRequest(t, proto, w)
		if req.Address != wantAddrs[i] {
			t.Errorf("frame %d address = %#x, want %#x", i, req.Address, wantAddrs[i])
		}
		if len(req.Payload) != wantLens[i] {
			t.Errorf("frame %d payload is %d bytes, want %d", i, len(req.Payload), wantLens[i])
		}
		rebuilt = append(rebuilt, req.Payload...)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Fatal("written payloads do not reassemble into the source data")
	}
}

// Package codec implements the wire codec for the RT73 flash protocol.
//
// Every exchange with the radio is one addressed, checksummed frame:
//
//	[opcode (1)][address (4 BE)][length (2 BE)][payload][checksum (2 BE)]
//
// The checksum covers everything before it (opcode, address, length and
// payload). Response frames use the request opcode with the reply bit set.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameHeaderSize is the size of the frame header: opcode 1 + address 4 +
	// length 2.
	FrameHeaderSize = 7
	// FrameChecksumSize is the size of the checksum at the end of a frame.
	FrameChecksumSize = 2
	// MinFrameSize is the minimum valid frame size (header + checksum).
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
	// MaxPayloadSize is the largest payload a single frame may carry. It
	// matches the radio's 2 KiB flash block size.
	MaxPayloadSize = 2048

	// ReplyBit is set in the opcode of every well-formed response frame.
	ReplyBit = 0x80
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// Frame is one request or response unit on the wire.
type Frame struct {
	Opcode  byte
	Address uint32
	Payload []byte
}

// IsReply reports whether the frame's opcode has the reply bit set.
func (f *Frame) IsReply() bool {
	return f.Opcode&ReplyBit != 0
}

// EncodeFrame encodes a frame using the given checksum algorithm.
func EncodeFrame(f *Frame, algo ChecksumAlgorithm) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	size := FrameHeaderSize + len(f.Payload) + FrameChecksumSize
	data := make([]byte, size)

	data[0] = f.Opcode
	binary.BigEndian.PutUint32(data[1:5], f.Address)
	binary.BigEndian.PutUint16(data[5:7], uint16(len(f.Payload)))
	copy(data[FrameHeaderSize:], f.Payload)

	sum := algo.Sum(data[:size-FrameChecksumSize])
	binary.BigEndian.PutUint16(data[size-FrameChecksumSize:], sum)

	return data, nil
}

// DecodeFrame decodes a frame from data, validating its checksum.
// Returns the decoded frame and any remaining bytes after it.
func DecodeFrame(data []byte, algo ChecksumAlgorithm) (*Frame, []byte, error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}

	payloadLen := int(binary.BigEndian.Uint16(data[5:7]))
	if payloadLen > MaxPayloadSize {
		return nil, data, ErrPayloadTooLarge
	}

	total := FrameHeaderSize + payloadLen + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	received := binary.BigEndian.Uint16(data[total-FrameChecksumSize : total])
	if !ValidateChecksum(algo, data[:total-FrameChecksumSize], received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrChecksumMismatch, algo.Sum(data[:total-FrameChecksumSize]), received)
	}

	f := &Frame{
		Opcode:  data[0],
		Address: binary.BigEndian.Uint32(data[1:5]),
		Payload: make([]byte, payloadLen),
	}
	copy(f.Payload, data[FrameHeaderSize:FrameHeaderSize+payloadLen])

	return f, data[total:], nil
}

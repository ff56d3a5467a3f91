// Package firmware prepares a firmware file for flashing: the raw bytes are
// padded to a whole number of flash blocks and addressed as fixed-size
// chunks.
package firmware

import (
	"errors"
	"fmt"

	"github.com/dmrtools/rt73-go/core/codec"
)

// ErrEmptyImage is returned when a firmware file holds no data.
var ErrEmptyImage = errors.New("firmware image is empty")

// Image is a firmware file split into flash-block-sized chunks.
type Image struct {
	data      []byte
	size      int // bytes before padding
	chunkSize int
}

// New wraps a firmware file. The data is copied and zero-padded up to a
// whole number of chunkSize blocks.
func New(data []byte, chunkSize int) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size %d invalid", chunkSize)
	}

	padded := len(data)
	if rem := padded % chunkSize; rem != 0 {
		padded += chunkSize - rem
	}
	buf := make([]byte, padded)
	copy(buf, data)
	return &Image{data: buf, size: len(data), chunkSize: chunkSize}, nil
}

// Size returns the firmware size before padding.
func (img *Image) Size() int { return img.size }

// ChunkSize returns the flash block size the image was split with.
func (img *Image) ChunkSize() int { return img.chunkSize }

// Chunks returns the number of chunks to flash.
func (img *Image) Chunks() int { return len(img.data) / img.chunkSize }

// Chunk returns the i-th chunk. The returned slice aliases the image.
func (img *Image) Chunk(i int) ([]byte, error) {
	if i < 0 || i >= img.Chunks() {
		return nil, fmt.Errorf("chunk %d out of range (0..%d)", i, img.Chunks()-1)
	}
	return img.data[i*img.chunkSize : (i+1)*img.chunkSize], nil
}

// Checksum computes the whole-image checksum the radio compares against
// after the last chunk is written.
func (img *Image) Checksum(algo codec.ChecksumAlgorithm) uint16 {
	return algo.Sum(img.data)
}

// Package radiodef holds the reverse-engineered radio definition: the flash
// protocol constants and the codeplug memory map.
//
// Everything in here was captured from protocol traces of the vendor CPS
// software, so it is shipped as versioned YAML data rather than code. A
// layout correction is a definition edit, not a codec change. Definitions are
// validated once on load; the codeplug codec and the framer trust them
// unconditionally afterwards.
package radiodef

import (
	"fmt"
	"time"

	"github.com/dmrtools/rt73-go/core/codec"
)

// RecordKind tags how the slots of a region are interpreted by the codeplug
// codec.
type RecordKind uint8

const (
	// KindOpaque marks a region with no record structure. Its bytes are
	// carried through decode/encode verbatim.
	KindOpaque RecordKind = iota
	KindDeviceInfo
	KindSettings
	KindMessage
	KindContact
	KindZone
	KindChannel
	KindScanList
	KindRxGroup
)

func (k RecordKind) String() string {
	switch k {
	case KindOpaque:
		return "opaque"
	case KindDeviceInfo:
		return "device_info"
	case KindSettings:
		return "settings"
	case KindMessage:
		return "message"
	case KindContact:
		return "contact"
	case KindZone:
		return "zone"
	case KindChannel:
		return "channel"
	case KindScanList:
		return "scan_list"
	case KindRxGroup:
		return "rx_group"
	default:
		return "unknown"
	}
}

func parseRecordKind(s string) (RecordKind, error) {
	switch s {
	case "opaque":
		return KindOpaque, nil
	case "device_info":
		return KindDeviceInfo, nil
	case "settings":
		return KindSettings, nil
	case "message":
		return KindMessage, nil
	case "contact":
		return KindContact, nil
	case "zone":
		return KindZone, nil
	case "channel":
		return KindChannel, nil
	case "scan_list":
		return KindScanList, nil
	case "rx_group":
		return KindRxGroup, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q", s)
	}
}

// FieldType is the closed set of field encodings the codeplug codec knows
// how to dispatch on.
type FieldType uint8

const (
	// FieldUint is an unsigned little-endian integer, either Width bytes
	// wide or a masked span of a single byte, optionally scaled as
	// value = raw*Scale + Add.
	FieldUint FieldType = iota
	// FieldText is fixed-width ASCII, NUL-terminated and NUL-padded.
	FieldText
	// FieldFlag is a single bit (or bit group) interpreted as a boolean.
	FieldFlag
	// FieldEnum is a masked byte mapped through a closed value set.
	FieldEnum
	// FieldRef is a 1-based slot index into another region; 0 means unset.
	FieldRef
)

func (t FieldType) String() string {
	switch t {
	case FieldUint:
		return "uint"
	case FieldText:
		return "text"
	case FieldFlag:
		return "flag"
	case FieldEnum:
		return "enum"
	case FieldRef:
		return "ref"
	default:
		return "unknown"
	}
}

func parseFieldType(s string) (FieldType, error) {
	switch s {
	case "uint":
		return FieldUint, nil
	case "text":
		return FieldText, nil
	case "flag":
		return FieldFlag, nil
	case "enum":
		return FieldEnum, nil
	case "ref":
		return FieldRef, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

// Field describes one sub-field of a record.
type Field struct {
	Name   string
	Type   FieldType
	Offset int // byte offset within the record
	Width  int // byte width for uint, text and ref fields
	Mask   byte
	Scale  int64 // uint: value = raw*Scale + Add (Scale defaults to 1)
	Add    int64
	Enum   map[byte]string // enum: masked byte value -> symbolic name
	Ref    string          // ref: target region name
}

// Shift returns the right-shift implied by the field's mask, so that a
// masked value like 0xF0 decodes to 0..15 rather than 0..240.
func (f *Field) Shift() uint {
	if f.Mask == 0 {
		return 0
	}
	var s uint
	for m := f.Mask; m&1 == 0; m >>= 1 {
		s++
	}
	return s
}

// Region is one contiguous, fixed-purpose span of the codeplug.
type Region struct {
	Name   string
	Offset int
	Length int
	Stride int // 0 for opaque regions
	Kind   RecordKind
	Fields []Field
}

// Slots returns the number of fixed-stride record slots in the region, or 0
// for opaque regions.
func (r *Region) Slots() int {
	if r.Stride == 0 {
		return 0
	}
	return r.Length / r.Stride
}

// Opaque reports whether the region has no record structure.
func (r *Region) Opaque() bool {
	return r.Stride == 0
}

// Field returns the named field, or nil.
func (r *Region) Field(name string) *Field {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return &r.Fields[i]
		}
	}
	return nil
}

// Opcodes are the request opcodes of the flash protocol. Response frames
// carry the request opcode with codec.ReplyBit set; Error is the opcode of a
// device error report.
type Opcodes struct {
	Hello  byte
	Read   byte
	Write  byte
	Erase  byte
	Verify byte
	Reboot byte
	Error  byte
}

// Protocol holds the captured transport constants for a radio.
type Protocol struct {
	BaudRate    int
	Checksum    codec.ChecksumAlgorithm
	MaxPayload  int // largest frame payload the radio accepts
	BlockSize   int // flash block size; images are padded to a multiple of it
	Retries     int // per-frame retry budget
	ReadTimeout time.Duration
	Opcodes     Opcodes

	// FirmwareBase is the flash address firmware chunks are written to.
	FirmwareBase uint32
	// UserDBBase is the flash address of the bulk DMR user database.
	UserDBBase uint32
	// HamGroupBase is the flash address of the bulk talkgroup database.
	HamGroupBase uint32
	// UserDBRecordSizes are the record sizes the radio accepts for the user
	// database.
	UserDBRecordSizes []int
}

// Definition is one radio's complete captured definition.
type Definition struct {
	Radio     string
	Version   string
	TotalSize int // codeplug image size in bytes
	Protocol  Protocol

	regions []*Region
	byName  map[string]*Region
}

// Regions returns the region table in ascending offset order.
func (d *Definition) Regions() []*Region {
	return d.regions
}

// RegionFor returns the named region.
func (d *Definition) RegionFor(name string) (*Region, error) {
	r, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRegionNotFound, name)
	}
	return r, nil
}

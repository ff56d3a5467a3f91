// Package codeplug converts between the radio's binary codeplug image and a
// structured, human-editable record set.
//
// The mapping is driven entirely by the radio definition's region table and
// is bijective: decoding an image and re-encoding the records reproduces the
// image bit for bit, including reserved bytes the definition says nothing
// about. Every record keeps a copy of its raw slot bytes for exactly that
// reason; named fields are overlaid on top of them when encoding.
package codeplug

import (
	"fmt"
)

// Record is the structured form of one fixed-stride slot within a region.
type Record struct {
	// Index is the slot number the record re-packs into on encode.
	Index int `json:"index"`
	// Fields holds the decoded named fields. Values are int64, string or
	// bool depending on the field encoding; scan lists additionally carry a
	// "members" list of ScanMember.
	Fields map[string]any `json:"fields,omitempty"`
	// Raw is the full slot as read from the device. Reserved bytes not
	// covered by any field survive a decode/encode round trip through it.
	Raw []byte `json:"raw,omitempty"`
}

// ScanMember is one zone/channel pair of a scan list. Both indices are
// 1-based slot references.
type ScanMember struct {
	Zone    int64 `json:"zone"`
	Channel int64 `json:"channel"`
}

// RecordSet is the decoded codeplug: per-region ordered record lists, keyed
// by region name. Opaque regions decode to a single record carrying only raw
// bytes.
type RecordSet map[string][]Record

// DecodeError reports malformed or out-of-range record data found while
// decoding an image. Offset is absolute within the codeplug image.
type DecodeError struct {
	Region string
	Offset int
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decoding region %q at offset %#x: %s", e.Region, e.Offset, e.Reason)
	}
	return fmt.Sprintf("decoding region %q at offset %#x: field %q: %s", e.Region, e.Offset, e.Field, e.Reason)
}

// EncodeError reports a record that cannot be packed into the image: a value
// outside its field's declared width or range, or two records claiming the
// same slot.
type EncodeError struct {
	Region string
	Slot   int
	Field  string
	Reason string
}

func (e *EncodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("encoding region %q slot %d: %s", e.Region, e.Slot, e.Reason)
	}
	return fmt.Sprintf("encoding region %q slot %d: field %q: %s", e.Region, e.Slot, e.Field, e.Reason)
}

// scanMemberOffset is where a scan list's zone/channel pair table starts
// within its record.
const scanMemberOffset = 16

// scanMemberMax is the pair capacity of one scan list.
const scanMemberMax = 50

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

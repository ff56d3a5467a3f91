package codeplug

import (
	"errors"
	"fmt"

	"github.com/dmrtools/rt73-go/core/radiodef"
)

// ErrImageSize is returned when an image does not match the definition's
// declared codeplug size.
var ErrImageSize = errors.New("codeplug image size mismatch")

// Decode converts a full codeplug image into a structured record set.
//
// All-zero slots are unoccupied and produce no record. Out-of-range field
// values are reported as DecodeError rather than clamped.
func Decode(def *radiodef.Definition, image []byte) (RecordSet, error) {
	if len(image) != def.TotalSize {
		return nil, fmt.Errorf("%w: got %d bytes, definition declares %d", ErrImageSize, len(image), def.TotalSize)
	}

	set := make(RecordSet, len(def.Regions()))
	for _, region := range def.Regions() {
		data := image[region.Offset : region.Offset+region.Length]

		if region.Opaque() {
			raw := make([]byte, len(data))
			copy(raw, data)
			set[region.Name] = []Record{{Index: 0, Raw: raw}}
			continue
		}

		var records []Record
		for slot := 0; slot < region.Slots(); slot++ {
			rec := data[slot*region.Stride : (slot+1)*region.Stride]
			if allZero(rec) {
				continue
			}
			decoded, err := decodeRecord(def, region, slot, rec)
			if err != nil {
				return nil, err
			}
			records = append(records, *decoded)
		}
		set[region.Name] = records
	}

	return set, nil
}

func decodeRecord(def *radiodef.Definition, region *radiodef.Region, slot int, rec []byte) (*Record, error) {
	offset := region.Offset + slot*region.Stride

	fields := make(map[string]any, len(region.Fields))
	for i := range region.Fields {
		f := &region.Fields[i]
		v, err := decodeField(def, f, rec)
		if err != nil {
			return nil, &DecodeError{Region: region.Name, Offset: offset + f.Offset, Field: f.Name, Reason: err.Error()}
		}
		fields[f.Name] = v
	}

	switch region.Kind {
	case radiodef.KindChannel:
		if err := decodeChannelTones(fields); err != nil {
			return nil, &DecodeError{Region: region.Name, Offset: offset, Reason: err.Error()}
		}
	case radiodef.KindScanList:
		members, err := decodeScanMembers(def, rec)
		if err != nil {
			return nil, &DecodeError{Region: region.Name, Offset: offset + scanMemberOffset, Reason: err.Error()}
		}
		fields["members"] = members
	}

	raw := make([]byte, len(rec))
	copy(raw, rec)
	return &Record{Index: slot, Fields: fields, Raw: raw}, nil
}

// decodeChannelTones swaps the stored CTCSS/DCS tone indices for their
// human-readable values when the channel's tone type says one is in use.
func decodeChannelTones(fields map[string]any) error {
	for _, pair := range [][2]string{{"tone_type_tx", "tone_tx"}, {"tone_type_rx", "tone_rx"}} {
		toneType, _ := fields[pair[0]].(string)
		if toneType == "" || toneType == "off" {
			continue
		}
		index, ok := fields[pair[1]].(int64)
		if !ok {
			continue
		}
		value, err := formatTone(toneType, index)
		if err != nil {
			return err
		}
		fields[pair[1]] = value
	}
	return nil
}

// decodeScanMembers parses a scan list's zone/channel pair table. Entries
// are packed from the front; the first all-zero pair ends the table, and a
// half-set pair or an entry after the end is malformed.
func decodeScanMembers(def *radiodef.Definition, rec []byte) ([]ScanMember, error) {
	zones, err := def.RegionFor("zones")
	if err != nil {
		return nil, err
	}
	channels, err := def.RegionFor("channels")
	if err != nil {
		return nil, err
	}

	var members []ScanMember
	for i := 0; i < scanMemberMax; i++ {
		off := scanMemberOffset + i*4
		zone := int64(leUint(rec[off : off+2]))
		channel := int64(leUint(rec[off+2 : off+4]))
		if zone == 0 && channel == 0 {
			if !allZero(rec[off : scanMemberOffset+scanMemberMax*4]) {
				return nil, fmt.Errorf("member %d is empty but later entries are not", i)
			}
			break
		}
		if zone == 0 || channel == 0 {
			return nil, fmt.Errorf("member %d pairs zone %d with channel %d; an entry needs both", i, zone, channel)
		}
		if zone > int64(zones.Slots()) {
			return nil, fmt.Errorf("member %d references zone slot %d, which has %d slots", i, zone, zones.Slots())
		}
		if channel > int64(channels.Slots()) {
			return nil, fmt.Errorf("member %d references channel slot %d, which has %d slots", i, channel, channels.Slots())
		}
		members = append(members, ScanMember{Zone: zone, Channel: channel})
	}
	return members, nil
}

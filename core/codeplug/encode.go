package codeplug

import (
	"fmt"

	"github.com/dmrtools/rt73-go/core/radiodef"
)

// Encode packs a record set into a full codeplug image.
//
// Slots without a record are zero-filled. A record's raw bytes (when
// present) seed its slot so reserved bytes survive; named fields are then
// overlaid on top.
func Encode(def *radiodef.Definition, set RecordSet) ([]byte, error) {
	for name := range set {
		if _, err := def.RegionFor(name); err != nil {
			return nil, &EncodeError{Region: name, Reason: "unknown region"}
		}
	}

	image := make([]byte, def.TotalSize)
	for _, region := range def.Regions() {
		records := set[region.Name]
		data := image[region.Offset : region.Offset+region.Length]

		if region.Opaque() {
			if err := encodeOpaque(region, records, data); err != nil {
				return nil, err
			}
			continue
		}

		occupied := make(map[int]bool, len(records))
		for i := range records {
			rec := &records[i]
			if rec.Index < 0 || rec.Index >= region.Slots() {
				return nil, &EncodeError{Region: region.Name, Slot: rec.Index, Reason: fmt.Sprintf("slot out of range (0..%d)", region.Slots()-1)}
			}
			if occupied[rec.Index] {
				return nil, &EncodeError{Region: region.Name, Slot: rec.Index, Reason: "two records claim the same slot"}
			}
			occupied[rec.Index] = true

			slot := data[rec.Index*region.Stride : (rec.Index+1)*region.Stride]
			if err := encodeRecord(def, region, rec, slot); err != nil {
				return nil, err
			}
		}
	}

	return image, nil
}

func encodeOpaque(region *radiodef.Region, records []Record, data []byte) error {
	switch len(records) {
	case 0:
		return nil
	case 1:
		raw := records[0].Raw
		if len(raw) == 0 {
			return nil
		}
		if len(raw) != region.Length {
			return &EncodeError{Region: region.Name, Reason: fmt.Sprintf("raw data is %d bytes, region is %d", len(raw), region.Length)}
		}
		copy(data, raw)
		return nil
	default:
		return &EncodeError{Region: region.Name, Reason: "opaque region holds more than one record"}
	}
}

func encodeRecord(def *radiodef.Definition, region *radiodef.Region, rec *Record, slot []byte) error {
	if len(rec.Raw) > 0 {
		if len(rec.Raw) != region.Stride {
			return &EncodeError{Region: region.Name, Slot: rec.Index, Reason: fmt.Sprintf("raw slot is %d bytes, stride is %d", len(rec.Raw), region.Stride)}
		}
		copy(slot, rec.Raw)
	}

	fields := rec.Fields
	if region.Kind == radiodef.KindChannel {
		converted, err := encodeChannelTones(fields)
		if err != nil {
			return &EncodeError{Region: region.Name, Slot: rec.Index, Reason: err.Error()}
		}
		fields = converted
	}

	for i := range region.Fields {
		f := &region.Fields[i]
		value, ok := fields[f.Name]
		if !ok {
			// Field not present in the record: whatever the raw slot
			// carries stands.
			continue
		}
		if err := encodeField(def, f, slot, value); err != nil {
			return &EncodeError{Region: region.Name, Slot: rec.Index, Field: f.Name, Reason: err.Error()}
		}
	}

	if region.Kind == radiodef.KindScanList {
		if _, ok := fields["members"]; ok {
			if err := encodeScanMembers(def, fields, slot); err != nil {
				return &EncodeError{Region: region.Name, Slot: rec.Index, Field: "members", Reason: err.Error()}
			}
		}
	}

	return nil
}

// encodeChannelTones converts human-readable tone values back to stored
// indices before the regular field encoding runs. The original map is left
// untouched.
func encodeChannelTones(fields map[string]any) (map[string]any, error) {
	converted := make(map[string]any, len(fields))
	for k, v := range fields {
		converted[k] = v
	}
	for _, pair := range [][2]string{{"tone_type_tx", "tone_tx"}, {"tone_type_rx", "tone_rx"}} {
		toneType, _ := converted[pair[0]].(string)
		value, isString := converted[pair[1]].(string)
		if !isString {
			continue
		}
		if toneType == "" || toneType == "off" {
			return nil, fmt.Errorf("tone value %q given without a tone type", value)
		}
		index, err := parseTone(toneType, value)
		if err != nil {
			return nil, err
		}
		converted[pair[1]] = index
	}
	return converted, nil
}

// encodeScanMembers packs the zone/channel pair table, zero-filling unused
// entries.
func encodeScanMembers(def *radiodef.Definition, fields map[string]any, slot []byte) error {
	members, err := normalizeScanMembers(fields["members"])
	if err != nil {
		return err
	}
	if len(members) > scanMemberMax {
		return fmt.Errorf("%d members exceed the %d-entry capacity", len(members), scanMemberMax)
	}

	zones, err := def.RegionFor("zones")
	if err != nil {
		return err
	}
	channels, err := def.RegionFor("channels")
	if err != nil {
		return err
	}

	table := slot[scanMemberOffset : scanMemberOffset+scanMemberMax*4]
	for i := range table {
		table[i] = 0
	}
	for i, m := range members {
		if m.Zone < 1 || m.Zone > int64(zones.Slots()) {
			return fmt.Errorf("member %d zone %d out of range", i, m.Zone)
		}
		if m.Channel < 1 || m.Channel > int64(channels.Slots()) {
			return fmt.Errorf("member %d channel %d out of range", i, m.Channel)
		}
		putLEUint(table[i*4:i*4+2], uint64(m.Zone))
		putLEUint(table[i*4+2:i*4+4], uint64(m.Channel))
	}
	return nil
}

// normalizeScanMembers accepts both typed members and the generic shape
// encoding/json produces when a record set is loaded from disk.
func normalizeScanMembers(value any) ([]ScanMember, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []ScanMember:
		return v, nil
	case []any:
		members := make([]ScanMember, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected member object, got %T", item)
			}
			zone, err := asInt64(m["zone"])
			if err != nil {
				return nil, fmt.Errorf("member zone: %w", err)
			}
			channel, err := asInt64(m["channel"])
			if err != nil {
				return nil, fmt.Errorf("member channel: %w", err)
			}
			members = append(members, ScanMember{Zone: zone, Channel: channel})
		}
		return members, nil
	default:
		return nil, fmt.Errorf("expected member list, got %T", value)
	}
}

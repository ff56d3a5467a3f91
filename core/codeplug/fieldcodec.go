package codeplug

import (
	"fmt"

	"github.com/dmrtools/rt73-go/core/radiodef"
)

// leUint reads a little-endian unsigned integer of arbitrary width.
func leUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// putLEUint writes a little-endian unsigned integer of arbitrary width.
func putLEUint(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}

// decodeField interprets one field of a record. rec is the full record slot.
func decodeField(def *radiodef.Definition, f *radiodef.Field, rec []byte) (any, error) {
	switch f.Type {
	case radiodef.FieldUint:
		var raw uint64
		if f.Mask != 0 {
			raw = uint64(rec[f.Offset]&f.Mask) >> f.Shift()
		} else {
			raw = leUint(rec[f.Offset : f.Offset+f.Width])
		}
		return int64(raw)*f.Scale + f.Add, nil

	case radiodef.FieldText:
		return decodeText(rec[f.Offset : f.Offset+f.Width])

	case radiodef.FieldFlag:
		v := rec[f.Offset] & f.Mask
		switch v {
		case 0:
			return false, nil
		case f.Mask:
			return true, nil
		default:
			return nil, fmt.Errorf("flag bits %#02x partially set", v)
		}

	case radiodef.FieldEnum:
		v := rec[f.Offset] & f.Mask
		name, ok := f.Enum[v]
		if !ok {
			return nil, fmt.Errorf("value %#02x not in enum", v)
		}
		return name, nil

	case radiodef.FieldRef:
		raw := leUint(rec[f.Offset : f.Offset+f.Width])
		target, err := def.RegionFor(f.Ref)
		if err != nil {
			return nil, err
		}
		if raw > uint64(target.Slots()) {
			return nil, fmt.Errorf("references slot %d of %q, which has %d slots", raw, f.Ref, target.Slots())
		}
		return int64(raw), nil

	default:
		return nil, fmt.Errorf("unhandled field type %v", f.Type)
	}
}

// decodeText trims fixed-width NUL-padded ASCII. Bytes after the terminator
// must be NUL and the text itself printable, otherwise the slot cannot be
// re-encoded bit-exactly and is reported instead of being mangled.
func decodeText(b []byte) (string, error) {
	end := len(b)
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
	}
	for _, c := range b[:end] {
		if c < 0x20 || c > 0x7E {
			return "", fmt.Errorf("non-printable byte %#02x in text", c)
		}
	}
	if !allZero(b[end:]) {
		return "", fmt.Errorf("text padding is not NUL-filled")
	}
	return string(b[:end]), nil
}

// encodeField packs one field value into a record slot, overlaying only the
// bytes (or bits) the field owns.
func encodeField(def *radiodef.Definition, f *radiodef.Field, rec []byte, value any) error {
	switch f.Type {
	case radiodef.FieldUint:
		v, err := asInt64(value)
		if err != nil {
			return err
		}
		scaled := v - f.Add
		if scaled%f.Scale != 0 {
			return fmt.Errorf("value %d is not a multiple of scale %d", v, f.Scale)
		}
		raw := scaled / f.Scale
		if raw < 0 {
			return fmt.Errorf("value %d encodes to negative raw value", v)
		}
		if f.Mask != 0 {
			limit := uint64(f.Mask >> f.Shift())
			if uint64(raw) > limit {
				return fmt.Errorf("value %d exceeds field range %d", v, int64(limit)*f.Scale+f.Add)
			}
			rec[f.Offset] = rec[f.Offset]&^f.Mask | byte(raw)<<f.Shift()
			return nil
		}
		if f.Width < 8 && uint64(raw) >= 1<<(8*f.Width) {
			return fmt.Errorf("value %d does not fit in %d bytes", v, f.Width)
		}
		putLEUint(rec[f.Offset:f.Offset+f.Width], uint64(raw))
		return nil

	case radiodef.FieldText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected text, got %T", value)
		}
		if len(s) > f.Width {
			return fmt.Errorf("text %q exceeds width %d", s, f.Width)
		}
		for _, c := range []byte(s) {
			if c < 0x20 || c > 0x7E {
				return fmt.Errorf("non-printable byte %#02x in text", c)
			}
		}
		copy(rec[f.Offset:f.Offset+f.Width], s)
		for i := f.Offset + len(s); i < f.Offset+f.Width; i++ {
			rec[i] = 0
		}
		return nil

	case radiodef.FieldFlag:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
		if b {
			rec[f.Offset] |= f.Mask
		} else {
			rec[f.Offset] &^= f.Mask
		}
		return nil

	case radiodef.FieldEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected enum name, got %T", value)
		}
		for v, name := range f.Enum {
			if name == s {
				rec[f.Offset] = rec[f.Offset]&^f.Mask | v
				return nil
			}
		}
		return fmt.Errorf("unknown enum value %q", s)

	case radiodef.FieldRef:
		v, err := asInt64(value)
		if err != nil {
			return err
		}
		target, err := def.RegionFor(f.Ref)
		if err != nil {
			return err
		}
		if v < 0 || v > int64(target.Slots()) {
			return fmt.Errorf("slot reference %d out of range for %q (%d slots)", v, f.Ref, target.Slots())
		}
		putLEUint(rec[f.Offset:f.Offset+f.Width], uint64(v))
		return nil

	default:
		return fmt.Errorf("unhandled field type %v", f.Type)
	}
}

// asInt64 accepts the integer representations that survive a JSON round
// trip.
func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}

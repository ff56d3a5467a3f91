package radiodef

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/dmrtools/rt73-go/core/codec"
	"gopkg.in/yaml.v3"
)

//go:embed rt73.yaml
var rt73YAML []byte

// RT73 loads the embedded Retevis RT73 / Kydera CDR-300UV definition.
func RT73() (*Definition, error) {
	return Load(rt73YAML)
}

type yamlField struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Offset int            `yaml:"offset"`
	Width  int            `yaml:"width"`
	Mask   int            `yaml:"mask"`
	Scale  int64          `yaml:"scale"`
	Add    int64          `yaml:"add"`
	Enum   map[int]string `yaml:"enum"`
	Ref    string         `yaml:"ref"`
}

type yamlRegion struct {
	Name   string      `yaml:"name"`
	Offset int         `yaml:"offset"`
	Length int         `yaml:"length"`
	Stride int         `yaml:"stride"`
	Kind   string      `yaml:"kind"`
	Fields []yamlField `yaml:"fields"`
}

type yamlProtocol struct {
	BaudRate          int             `yaml:"baud_rate"`
	Checksum          string          `yaml:"checksum"`
	MaxPayload        int             `yaml:"max_payload"`
	BlockSize         int             `yaml:"block_size"`
	Retries           int             `yaml:"retries"`
	ReadTimeoutMS     int             `yaml:"read_timeout_ms"`
	FirmwareBase      uint32          `yaml:"firmware_base"`
	UserDBBase        uint32          `yaml:"userdb_base"`
	HamGroupBase      uint32          `yaml:"hamgroup_base"`
	UserDBRecordSizes []int           `yaml:"userdb_record_sizes"`
	Opcodes           map[string]byte `yaml:"opcodes"`
}

type yamlDefinition struct {
	Radio     string       `yaml:"radio"`
	Version   string       `yaml:"version"`
	TotalSize int          `yaml:"total_size"`
	Protocol  yamlProtocol `yaml:"protocol"`
	Regions   []yamlRegion `yaml:"regions"`
}

// Load parses and validates a radio definition.
func Load(data []byte) (*Definition, error) {
	var y yamlDefinition
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parsing radio definition: %w", err)
	}

	def := &Definition{
		Radio:     y.Radio,
		Version:   y.Version,
		TotalSize: y.TotalSize,
		byName:    make(map[string]*Region, len(y.Regions)),
	}

	proto, err := buildProtocol(y.Protocol)
	if err != nil {
		return nil, err
	}
	def.Protocol = *proto

	for _, yr := range y.Regions {
		r, err := buildRegion(yr)
		if err != nil {
			return nil, err
		}
		def.regions = append(def.regions, r)
		def.byName[r.Name] = r
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func buildProtocol(y yamlProtocol) (*Protocol, error) {
	algo, err := codec.ParseChecksumAlgorithm(y.Checksum)
	if err != nil {
		return nil, &LayoutError{Reason: err.Error()}
	}

	p := &Protocol{
		BaudRate:          y.BaudRate,
		Checksum:          algo,
		MaxPayload:        y.MaxPayload,
		BlockSize:         y.BlockSize,
		Retries:           y.Retries,
		ReadTimeout:       time.Duration(y.ReadTimeoutMS) * time.Millisecond,
		FirmwareBase:      y.FirmwareBase,
		UserDBBase:        y.UserDBBase,
		HamGroupBase:      y.HamGroupBase,
		UserDBRecordSizes: y.UserDBRecordSizes,
	}

	for name, op := range y.Opcodes {
		if op == 0 || op&codec.ReplyBit != 0 {
			return nil, &LayoutError{Reason: fmt.Sprintf("opcode %q out of range: %#02x", name, op)}
		}
		switch name {
		case "hello":
			p.Opcodes.Hello = op
		case "read":
			p.Opcodes.Read = op
		case "write":
			p.Opcodes.Write = op
		case "erase":
			p.Opcodes.Erase = op
		case "verify":
			p.Opcodes.Verify = op
		case "reboot":
			p.Opcodes.Reboot = op
		case "error":
			p.Opcodes.Error = op
		default:
			return nil, &LayoutError{Reason: fmt.Sprintf("unknown opcode name %q", name)}
		}
	}

	return p, nil
}

func buildRegion(y yamlRegion) (*Region, error) {
	kind, err := parseRecordKind(y.Kind)
	if err != nil {
		return nil, &LayoutError{Region: y.Name, Reason: err.Error()}
	}

	r := &Region{
		Name:   y.Name,
		Offset: y.Offset,
		Length: y.Length,
		Stride: y.Stride,
		Kind:   kind,
	}

	for _, yf := range y.Fields {
		ft, err := parseFieldType(yf.Type)
		if err != nil {
			return nil, &LayoutError{Region: y.Name, Reason: err.Error()}
		}
		if yf.Mask < 0 || yf.Mask > 0xFF {
			return nil, &LayoutError{Region: y.Name, Reason: fmt.Sprintf("field %q: mask %#x out of range", yf.Name, yf.Mask)}
		}
		f := Field{
			Name:   yf.Name,
			Type:   ft,
			Offset: yf.Offset,
			Width:  yf.Width,
			Mask:   byte(yf.Mask),
			Scale:  yf.Scale,
			Add:    yf.Add,
			Ref:    yf.Ref,
		}
		if f.Scale == 0 {
			f.Scale = 1
		}
		if len(yf.Enum) > 0 {
			f.Enum = make(map[byte]string, len(yf.Enum))
			for v, name := range yf.Enum {
				if v < 0 || v > 0xFF {
					return nil, &LayoutError{Region: y.Name, Reason: fmt.Sprintf("field %q: enum value %#x out of range", yf.Name, v)}
				}
				f.Enum[byte(v)] = name
			}
		}
		r.Fields = append(r.Fields, f)
	}

	return r, nil
}

// validate enforces the structural invariants the rest of the tool relies
// on: a sorted, gapless, non-overlapping region table covering exactly
// [0, TotalSize), strides that divide their region, and fields that stay
// inside their record.
func (d *Definition) validate() error {
	if d.TotalSize <= 0 {
		return &LayoutError{Reason: "total_size must be positive"}
	}
	if len(d.regions) == 0 {
		return &LayoutError{Reason: "no regions defined"}
	}

	p := &d.Protocol
	if p.MaxPayload <= 0 || p.MaxPayload > codec.MaxPayloadSize {
		return &LayoutError{Reason: fmt.Sprintf("max_payload %d out of range (1..%d)", p.MaxPayload, codec.MaxPayloadSize)}
	}
	if p.BlockSize <= 0 {
		return &LayoutError{Reason: "block_size must be positive"}
	}
	if p.Retries < 1 {
		return &LayoutError{Reason: "retries must be at least 1"}
	}
	if p.ReadTimeout <= 0 {
		return &LayoutError{Reason: "read_timeout_ms must be positive"}
	}
	ops := []byte{p.Opcodes.Hello, p.Opcodes.Read, p.Opcodes.Write, p.Opcodes.Erase, p.Opcodes.Verify, p.Opcodes.Reboot, p.Opcodes.Error}
	seen := make(map[byte]bool, len(ops))
	for _, op := range ops {
		if op == 0 {
			return &LayoutError{Reason: "incomplete opcode table"}
		}
		if seen[op] {
			return &LayoutError{Reason: fmt.Sprintf("duplicate opcode %#02x", op)}
		}
		seen[op] = true
	}

	next := 0
	for _, r := range d.regions {
		if r.Name == "" {
			return &LayoutError{Reason: "region with empty name"}
		}
		if r.Offset != next {
			return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("offset %#x leaves a gap or overlap (expected %#x)", r.Offset, next)}
		}
		if r.Length <= 0 {
			return &LayoutError{Region: r.Name, Reason: "length must be positive"}
		}
		if r.Stride < 0 {
			return &LayoutError{Region: r.Name, Reason: "stride must not be negative"}
		}
		if r.Stride == 0 {
			if r.Kind != KindOpaque || len(r.Fields) > 0 {
				return &LayoutError{Region: r.Name, Reason: "zero stride is only valid for opaque regions without fields"}
			}
		} else {
			if r.Kind == KindOpaque {
				return &LayoutError{Region: r.Name, Reason: "opaque region must have zero stride"}
			}
			if r.Length%r.Stride != 0 {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("stride %d does not divide length %d", r.Stride, r.Length)}
			}
		}
		if err := d.validateFields(r); err != nil {
			return err
		}
		next = r.Offset + r.Length
	}
	if next != d.TotalSize {
		return &LayoutError{Reason: fmt.Sprintf("regions cover %#x bytes, total_size is %#x", next, d.TotalSize)}
	}

	return nil
}

func (d *Definition) validateFields(r *Region) error {
	names := make(map[string]bool, len(r.Fields))
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Name == "" {
			return &LayoutError{Region: r.Name, Reason: "field with empty name"}
		}
		if names[f.Name] {
			return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("duplicate field %q", f.Name)}
		}
		names[f.Name] = true

		end := f.Offset + 1
		switch f.Type {
		case FieldUint:
			if f.Mask == 0 {
				if f.Width < 1 || f.Width > 8 {
					return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: uint width %d out of range", f.Name, f.Width)}
				}
				end = f.Offset + f.Width
			}
		case FieldText:
			if f.Width < 1 {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: text width must be positive", f.Name)}
			}
			end = f.Offset + f.Width
		case FieldFlag:
			if f.Mask == 0 {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: flag requires a mask", f.Name)}
			}
		case FieldEnum:
			if f.Mask == 0 {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: enum requires a mask", f.Name)}
			}
			if len(f.Enum) == 0 {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: enum requires a value set", f.Name)}
			}
			for v := range f.Enum {
				if v&^f.Mask != 0 {
					return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: enum value %#02x outside mask %#02x", f.Name, v, f.Mask)}
				}
			}
		case FieldRef:
			if f.Width < 1 || f.Width > 4 {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: ref width %d out of range", f.Name, f.Width)}
			}
			target, ok := d.byName[f.Ref]
			if !ok {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: unknown ref target %q", f.Name, f.Ref)}
			}
			if target.Opaque() {
				return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: ref target %q has no slots", f.Name, f.Ref)}
			}
			end = f.Offset + f.Width
		}

		if f.Offset < 0 || end > r.Stride {
			return &LayoutError{Region: r.Name, Reason: fmt.Sprintf("field %q: bytes [%d,%d) outside record stride %d", f.Name, f.Offset, end, r.Stride)}
		}
	}
	return nil
}

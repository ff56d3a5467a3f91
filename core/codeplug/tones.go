package codeplug

import (
	"fmt"
	"strconv"
	"strings"
)

// ctcssTones maps a stored tone index to the CTCSS tone frequency in Hz.
// The table order matches the radio's firmware.
var ctcssTones = []float64{
	62.5, 67.0, 69.3, 71.9, 74.4, 77.0, 79.7, 82.5, 85.4, 88.5, 91.5, 94.8,
	97.4, 100.0, 103.5, 107.2, 110.9, 114.8, 118.8, 123.0, 127.3, 131.8,
	136.5, 141.3, 146.2, 151.4, 156.7, 159.8, 162.2, 165.5, 167.9, 171.3,
	173.8, 177.3, 179.9, 183.5, 186.2, 189.9, 192.8, 196.6, 199.5, 203.5,
	206.5, 210.7, 218.1, 225.7, 229.1, 233.6, 241.8, 250.3, 254.1,
}

// dcsCodes maps a stored tone index to the DCS code number. Whether the code
// is normal or inverted comes from the channel's tone type, not the index.
var dcsCodes = []int{
	17, 23, 25, 26, 31, 32, 36, 43, 47, 50, 51, 53, 54, 65, 71, 72, 73, 74,
	114, 115, 116, 122, 125, 131, 132, 134, 143, 145, 152, 155, 156, 162,
	165, 172, 174, 205, 212, 223, 225, 226, 243, 244, 245, 246, 251, 252,
	255, 261, 263, 265, 266, 271, 274, 306, 311, 315, 325, 331, 332, 343,
	346, 351, 356, 364, 365, 371, 411, 412, 413, 423, 431, 432, 445, 446,
	452, 454, 455, 462, 464, 465, 466, 503, 506, 516, 523, 526, 532, 546,
	565, 606, 612, 624, 627, 631, 632, 645, 646, 654, 662, 664, 703, 712,
	723, 731, 732, 734, 743, 754,
}

// formatTone renders a stored tone index as the human-readable value used in
// the record set: "67.0" for CTCSS, "D023N"/"D023I" for DCS.
func formatTone(toneType string, index int64) (string, error) {
	switch toneType {
	case "ctcss":
		if index < 0 || int(index) >= len(ctcssTones) {
			return "", fmt.Errorf("ctcss tone index %d out of range", index)
		}
		return strconv.FormatFloat(ctcssTones[index], 'f', 1, 64), nil
	case "dcs", "dcs_inverted":
		if index < 0 || int(index) >= len(dcsCodes) {
			return "", fmt.Errorf("dcs tone index %d out of range", index)
		}
		suffix := "N"
		if toneType == "dcs_inverted" {
			suffix = "I"
		}
		return fmt.Sprintf("D%03d%s", dcsCodes[index], suffix), nil
	default:
		return "", fmt.Errorf("tone type %q carries no tone value", toneType)
	}
}

// parseTone converts a human-readable tone value back to its stored index.
func parseTone(toneType, value string) (int64, error) {
	switch toneType {
	case "ctcss":
		hz, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ctcss tone %q", value)
		}
		for i, t := range ctcssTones {
			if t == hz {
				return int64(i), nil
			}
		}
		return 0, fmt.Errorf("unknown ctcss tone %q", value)
	case "dcs", "dcs_inverted":
		s := strings.TrimPrefix(value, "D")
		wantSuffix := "N"
		if toneType == "dcs_inverted" {
			wantSuffix = "I"
		}
		if !strings.HasSuffix(s, wantSuffix) {
			return 0, fmt.Errorf("dcs tone %q does not match tone type %q", value, toneType)
		}
		code, err := strconv.Atoi(strings.TrimSuffix(s, wantSuffix))
		if err != nil {
			return 0, fmt.Errorf("invalid dcs tone %q", value)
		}
		for i, c := range dcsCodes {
			if c == code {
				return int64(i), nil
			}
		}
		return 0, fmt.Errorf("unknown dcs code %d", code)
	default:
		return 0, fmt.Errorf("tone type %q carries no tone value", toneType)
	}
}

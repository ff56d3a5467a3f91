package codeplug

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// The bulk DMR user database ("ham contacts") lives in its own flash area
// outside the codeplug and follows the RadioID.net export layout: a 3-byte
// radio ID followed by comma-separated text. The radio accepts two record
// sizes; 16 bytes keeps only the callsign, 128 bytes keeps the full details.

const (
	// userDBIDSize is the width of the leading little-endian radio ID.
	userDBIDSize = 3
	// MaxUserDBBlocks is the largest database the radio accepts, in flash
	// blocks (300,000 full-size records).
	MaxUserDBBlocks = 0x493E
)

// ErrUserDBTooLarge is returned when a database exceeds MaxUserDBBlocks.
var ErrUserDBTooLarge = errors.New("user database too large")

// UserRecord is one DMR user database entry.
type UserRecord struct {
	RadioID  uint32 `json:"radio_id"`
	Callsign string `json:"callsign"`
	Name     string `json:"name"`
	City     string `json:"city"`
	State    string `json:"state"`
	Country  string `json:"country"`
}

// UserDB is a fully encoded user database ready for upload.
type UserDB struct {
	RecordSize int
	BlockSize  int
	Count      int
	Data       []byte // padded to a whole number of flash blocks
}

// Blocks returns the number of flash blocks the database occupies.
func (db *UserDB) Blocks() int {
	return len(db.Data) / db.BlockSize
}

// BuildUserDB encodes records into one contiguous buffer, padded to a whole
// number of blockSize flash blocks. This is the bulk path: the entire
// database is encoded locally so the transfer degenerates into a handful of
// large sequential region writes instead of one exchange per record.
func BuildUserDB(records []UserRecord, recordSize, blockSize int) (*UserDB, error) {
	if recordSize <= userDBIDSize {
		return nil, fmt.Errorf("record size %d too small", recordSize)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size %d invalid", blockSize)
	}

	size := len(records) * recordSize
	if rem := size % blockSize; rem != 0 {
		size += blockSize - rem
	}
	if size/blockSize > MaxUserDBBlocks {
		return nil, fmt.Errorf("%w: %d records need %d blocks, limit is %d",
			ErrUserDBTooLarge, len(records), size/blockSize, MaxUserDBBlocks)
	}

	data := make([]byte, size)
	for i, rec := range records {
		if rec.RadioID >= 1<<24 {
			return nil, fmt.Errorf("record %d: radio ID %d does not fit in 3 bytes", i, rec.RadioID)
		}
		slot := data[i*recordSize : (i+1)*recordSize]
		putLEUint(slot[:userDBIDSize], uint64(rec.RadioID))

		text := asciiOnly(strings.Join([]string{rec.Callsign, rec.Name, rec.City, rec.State, rec.Country}, ","))
		if len(text) > recordSize-userDBIDSize {
			text = text[:recordSize-userDBIDSize]
		}
		copy(slot[userDBIDSize:], text)
	}

	return &UserDB{RecordSize: recordSize, BlockSize: blockSize, Count: len(records), Data: data}, nil
}

// DecodeUserDB parses an encoded database buffer back into records. It stops
// at the first all-zero record slot (the padding).
func DecodeUserDB(data []byte, recordSize int) ([]UserRecord, error) {
	if recordSize <= userDBIDSize {
		return nil, fmt.Errorf("record size %d too small", recordSize)
	}

	var records []UserRecord
	for off := 0; off+recordSize <= len(data); off += recordSize {
		slot := data[off : off+recordSize]
		if allZero(slot) {
			break
		}

		rec := UserRecord{RadioID: uint32(leUint(slot[:userDBIDSize]))}
		text := slot[userDBIDSize:]
		end := len(text)
		for i, c := range text {
			if c == 0 {
				end = i
				break
			}
		}
		parts := strings.SplitN(string(text[:end]), ",", 5)
		fields := []*string{&rec.Callsign, &rec.Name, &rec.City, &rec.State, &rec.Country}
		for i := range parts {
			*fields[i] = parts[i]
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadUserCSV reads a RadioID.net-format CSV export. The header row must
// carry at least "Radio ID" and "Callsign" columns.
func ReadUserCSV(r io.Reader) ([]UserRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	idCol, ok := col["Radio ID"]
	if !ok {
		return nil, errors.New(`CSV is missing the "Radio ID" column`)
	}
	if _, ok := col["Callsign"]; !ok {
		return nil, errors.New(`CSV is missing the "Callsign" column`)
	}

	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []UserRecord
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV: %w", err)
		}
		line++
		if idCol >= len(row) {
			return nil, fmt.Errorf("CSV line %d: missing radio ID", line)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(row[idCol]), 10, 24)
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: invalid radio ID %q", line, row[idCol])
		}
		records = append(records, UserRecord{
			RadioID:  uint32(id),
			Callsign: get(row, "Callsign"),
			Name:     get(row, "Name"),
			City:     get(row, "City"),
			State:    get(row, "State"),
			Country:  get(row, "Country"),
		})
	}
	return records, nil
}

// asciiOnly drops bytes outside printable ASCII, as the vendor software
// does.
func asciiOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x20 && s[i] <= 0x7E {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

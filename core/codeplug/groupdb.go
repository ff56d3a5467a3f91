package codeplug

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// The bulk talkgroup database ("ham groups") sits next to the user database
// in its own flash area. Records are 16 bytes: a 3-byte little-endian group
// ID followed by the group name in ASCII.

const (
	// groupRecordSize is the fixed width of one talkgroup record.
	groupRecordSize = 16
	// MaxGroupDBBlocks is the largest group database the radio accepts, in
	// flash blocks (about 30,000 groups).
	MaxGroupDBBlocks = 0xEB
)

// ErrGroupDBTooLarge is returned when a database exceeds MaxGroupDBBlocks.
var ErrGroupDBTooLarge = errors.New("group database too large")

// GroupRecord is one talkgroup database entry.
type GroupRecord struct {
	GroupID uint32 `json:"group_id"`
	Name    string `json:"name"`
}

// GroupDB is a fully encoded talkgroup database ready for upload.
type GroupDB struct {
	BlockSize int
	Count     int
	Data      []byte // padded to a whole number of flash blocks
}

// Blocks returns the number of flash blocks the database occupies.
func (db *GroupDB) Blocks() int {
	return len(db.Data) / db.BlockSize
}

// BuildGroupDB encodes records into one contiguous buffer, padded to a
// whole number of blockSize flash blocks, the same bulk shape BuildUserDB
// produces for user records.
func BuildGroupDB(records []GroupRecord, blockSize int) (*GroupDB, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size %d invalid", blockSize)
	}

	size := len(records) * groupRecordSize
	if rem := size % blockSize; rem != 0 {
		size += blockSize - rem
	}
	if size/blockSize > MaxGroupDBBlocks {
		return nil, fmt.Errorf("%w: %d groups need %d blocks, limit is %d",
			ErrGroupDBTooLarge, len(records), size/blockSize, MaxGroupDBBlocks)
	}

	data := make([]byte, size)
	for i, rec := range records {
		if rec.GroupID >= 1<<24 {
			return nil, fmt.Errorf("group %d: ID %d does not fit in 3 bytes", i, rec.GroupID)
		}
		slot := data[i*groupRecordSize : (i+1)*groupRecordSize]
		putLEUint(slot[:userDBIDSize], uint64(rec.GroupID))

		name := asciiOnly(rec.Name)
		if len(name) > groupRecordSize-userDBIDSize {
			name = name[:groupRecordSize-userDBIDSize]
		}
		copy(slot[userDBIDSize:], name)
	}

	return &GroupDB{BlockSize: blockSize, Count: len(records), Data: data}, nil
}

// DecodeGroupDB parses an encoded database buffer back into records. It
// stops at the first all-zero record slot (the padding).
func DecodeGroupDB(data []byte) []GroupRecord {
	var records []GroupRecord
	for off := 0; off+groupRecordSize <= len(data); off += groupRecordSize {
		slot := data[off : off+groupRecordSize]
		if allZero(slot) {
			break
		}

		rec := GroupRecord{GroupID: uint32(leUint(slot[:userDBIDSize]))}
		name := slot[userDBIDSize:]
		end := len(name)
		for i, c := range name {
			if c == 0 {
				end = i
				break
			}
		}
		rec.Name = string(name[:end])
		records = append(records, rec)
	}
	return records
}

// ReadGroupCSV reads a talkgroup CSV. The header row must carry "GROUP_ID"
// and "GROUP_NAME" columns.
func ReadGroupCSV(r io.Reader) ([]GroupRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	idCol, nameCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "GROUP_ID":
			idCol = i
		case "GROUP_NAME":
			nameCol = i
		}
	}
	if idCol < 0 {
		return nil, errors.New(`CSV is missing the "GROUP_ID" column`)
	}
	if nameCol < 0 {
		return nil, errors.New(`CSV is missing the "GROUP_NAME" column`)
	}

	var records []GroupRecord
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
			return nil, fmt.Errorf("CSV line %d: missing group ID", line)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(row[idCol]), 10, 24)
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: invalid group ID %q", line, row[idCol])
		}
		rec := GroupRecord{GroupID: uint32(id)}
		if nameCol < len(row) {
			rec.Name = strings.TrimSpace(row[nameCol])
		}
		records = append(records, rec)
	}
	return records, nil
}

package codeplug

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestGroupDBRoundTrip(t *testing.T) {
	records := []GroupRecord{
		{GroupID: 91, Name: "Worldwide"},
		{GroupID: 2350, Name: "UK Wide"},
	}
	db, err := BuildGroupDB(records, 2048)
	if err != nil {
		t.Fatalf("BuildGroupDB: %v", err)
	}
	if db.Count != 2 || db.Blocks() != 1 {
		t.Fatalf("db = %d groups in %d blocks, want 2 in 1", db.Count, db.Blocks())
	}

	decoded := DecodeGroupDB(db.Data)
	if len(decoded) != len(records) {
		t.Fatalf("got %d groups, want %d", len(decoded), len(records))
	}
	for i := range records {
		if decoded[i] != records[i] {
			t.Errorf("group %d = %+v, want %+v", i, decoded[i], records[i])
		}
	}
}

func TestBuildGroupDBTruncatesName(t *testing.T) {
	db, err := BuildGroupDB([]GroupRecord{{GroupID: 1, Name: "A very long talkgroup name"}}, 2048)
	if err != nil {
		t.Fatalf("BuildGroupDB: %v", err)
	}
	decoded := DecodeGroupDB(db.Data)
	if got := decoded[0].Name; got != "A very long t" {
		t.Errorf("name = %q, want the first 13 bytes", got)
	}
}

func TestBuildGroupDBTooLarge(t *testing.T) {
	// 0xEB blocks hold 30,080 records of 16 bytes.
	records := make([]GroupRecord, 30081)
	for i := range records {
		records[i] = GroupRecord{GroupID: uint32(i + 1), Name: "TG"}
	}
	if _, err := BuildGroupDB(records, 2048); !errors.Is(err, ErrGroupDBTooLarge) {
		t.Fatalf("got %v, want ErrGroupDBTooLarge", err)
	}
	if _, err := BuildGroupDB(records[:30080], 2048); err != nil {
		t.Fatalf("BuildGroupDB at the limit: %v", err)
	}
}

func TestBuildGroupDBRejectsWideID(t *testing.T) {
	if _, err := BuildGroupDB([]GroupRecord{{GroupID: 1 << 24}}, 2048); err == nil {
		t.Fatal("group ID wider than 3 bytes accepted")
	}
}

func TestReadGroupCSV(t *testing.T) {
	csv := strings.Join([]string{
		"GROUP_NAME,GROUP_ID",
		"Worldwide,91",
		"UK Wide,2350",
	}, "\n")

	records, err := ReadGroupCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ReadGroupCSV: %v", err)
	}
	want := []GroupRecord{
		{GroupID: 91, Name: "Worldwide"},
		{GroupID: 2350, Name: "UK Wide"},
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i := range want {
		if records[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, records[i], want[i])
		}
	}
}

func TestReadGroupCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{name: "missing ID column", csv: "GROUP_NAME\nWorldwide"},
		{name: "missing name column", csv: "GROUP_ID\n91"},
		{name: "bad group ID", csv: "GROUP_ID,GROUP_NAME\nninety-one,Worldwide"},
		{name: "ID too wide", csv: fmt.Sprintf("GROUP_ID,GROUP_NAME\n%d,Worldwide", 1<<24)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadGroupCSV(strings.NewReader(tt.csv)); err == nil {
				t.Fatal("malformed CSV accepted")
			}
		})
	}
}

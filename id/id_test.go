package id_test

import (
	"encoding/json"
	"testing"

	"github.com/feedmill/ingest/id"
)

func TestNew_GeneratesValidID(t *testing.T) {
	jobID := id.NewJobID()

	if jobID.IsNil() {
		t.Fatal("NewJobID() returned nil ID")
	}
	if jobID.Prefix() != id.PrefixJob {
		t.Errorf("prefix = %q, want %q", jobID.Prefix(), id.PrefixJob)
	}
	if jobID.String() == "" {
		t.Error("String() returned empty string for valid ID")
	}
}

func TestNew_IDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		s := id.NewJobID().String()
		if seen[s] {
			t.Fatalf("duplicate ID generated: %s", s)
		}
		seen[s] = true
	}
}

func TestParse_RoundTrip(t *testing.T) {
	original := id.NewBatchID()

	parsed, err := id.Parse(original.String())
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", original.String(), err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round trip: got %q, want %q", parsed.String(), original.String())
	}
}

func TestParse_RejectsEmptyString(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("Parse(\"\") should return an error")
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	if _, err := id.Parse("not a typeid!!!"); err == nil {
		t.Error("Parse of invalid string should return an error")
	}
}

func TestParseWithPrefix_RejectsWrongPrefix(t *testing.T) {
	batchID := id.NewBatchID()

	if _, err := id.ParseJobID(batchID.String()); err == nil {
		t.Error("ParseJobID should reject a batch-prefixed ID")
	}
}

func TestNil_Behavior(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}
	if id.Nil.Prefix() != "" {
		t.Errorf("Nil.Prefix() = %q, want empty", id.Nil.Prefix())
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	original := id.NewJobID()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.String() != original.String() {
		t.Errorf("JSON round trip: got %q, want %q", decoded.String(), original.String())
	}
}

func TestID_JSONNil(t *testing.T) {
	data, err := json.Marshal(id.Nil)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) != `""` {
		t.Errorf("marshal Nil = %s, want \"\"", data)
	}

	var decoded id.ID
	if err := json.Unmarshal([]byte(`""`), &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !decoded.IsNil() {
		t.Error("unmarshal of empty string should yield Nil ID")
	}
}

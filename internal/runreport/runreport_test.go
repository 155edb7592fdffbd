package runreport

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"gocloud.dev/blob/memblob"
)

type report struct {
	RunID string   `json:"runId"`
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

func TestKey(t *testing.T) {
	if got, want := Key("ingest", "ingest-abc"), "reports/ingest/ingest-abc.json.zst"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestStore_WriteRead(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	s := NewStore(bucket)
	defer s.Close()

	in := report{RunID: "ingest-abc", Count: 2, IDs: []string{"a.jpg", "b.jpg"}}
	key, err := s.Write(ctx, "ingest", in.RunID, in)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	raw, err := bucket.ReadAll(ctx, key)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	// zstd frame magic number.
	if !bytes.HasPrefix(raw, []byte{0x28, 0xb5, 0x2f, 0xfd}) {
		t.Errorf("stored report is not zstd-compressed: % x", raw[:4])
	}

	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		t.Fatalf("Attributes() error = %v", err)
	}
	if attrs.ContentType != contentType {
		t.Errorf("ContentType = %q, want %q", attrs.ContentType, contentType)
	}
	if attrs.Metadata["run-id"] != "ingest-abc" {
		t.Errorf("run-id metadata = %q", attrs.Metadata["run-id"])
	}

	var out report
	if err := s.Read(ctx, key, &out); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if out.RunID != in.RunID || out.Count != in.Count || len(out.IDs) != 2 || out.IDs[1] != "b.jpg" {
		t.Errorf("Read() = %+v, want %+v", out, in)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(memblob.OpenBucket(nil))
	defer s.Close()

	var out report
	if err := s.Read(context.Background(), Key("match", "nope"), &out); err == nil {
		t.Error("expected error for missing report")
	}
}

func TestStore_WriteUnmarshalable(t *testing.T) {
	s := NewStore(memblob.OpenBucket(nil))
	defer s.Close()

	if _, err := s.Write(context.Background(), "ingest", "x", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestStore_ReadRun(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memblob.OpenBucket(nil))
	defer s.Close()

	in := report{RunID: "match-0123456789abcdef", Count: 4}
	if _, err := s.Write(ctx, "match", in.RunID, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var out report
	if err := s.ReadRun(ctx, in.RunID, &out); err != nil {
		t.Fatalf("ReadRun() error = %v", err)
	}
	if out.RunID != in.RunID || out.Count != 4 {
		t.Errorf("ReadRun() = %+v, want %+v", out, in)
	}

	if err := s.ReadRun(ctx, "ingest-0123456789abcdef", &out); err == nil {
		t.Error("expected error for a run without a report")
	}
	if err := s.ReadRun(ctx, "backfill-1", &out); !errors.Is(err, ErrUnknownRunKind) {
		t.Errorf("ReadRun() error = %v, want ErrUnknownRunKind", err)
	}
}

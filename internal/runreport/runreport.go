// Package runreport stores the structured result of each pipeline run as a
// zstd-compressed JSON object in a blob bucket.
package runreport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/fpang/site-media-pipeline/internal/jobs"
)

// ErrUnknownRunKind is returned for a run ID that carries no known prefix.
var ErrUnknownRunKind = errors.New("unknown run kind")

const (
	keyPrefix   = "reports"
	keySuffix   = ".json.zst"
	contentType = "application/zstd"
)

// Store writes run reports under reports/<kind>/<runId>.json.zst.
type Store struct {
	bucket *blob.Bucket
}

func NewStore(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Open opens a report store from a gocloud blob URL such as
// "s3://bucket?region=us-east-1" or "file:///var/lib/sitemedia".
func Open(ctx context.Context, url string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open report bucket: %w", err)
	}
	return NewStore(bucket), nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}

// Key returns the object key of a report.
func Key(kind, runID string) string {
	return path.Join(keyPrefix, kind, runID+keySuffix)
}

// Write marshals report and stores it compressed. It returns the object key.
func (s *Store) Write(ctx context.Context, kind, runID string, report any) (string, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal %s report: %w", kind, err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return "", fmt.Errorf("compress %s report: %w", kind, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("compress %s report: %w", kind, err)
	}

	key := Key(kind, runID)
	err = s.bucket.WriteAll(ctx, key, buf.Bytes(), &blob.WriterOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"run-id": runID, "kind": kind},
	})
	if err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}

	log.Debug().
		Str("key", key).
		Int("rawBytes", len(data)).
		Int("storedBytes", buf.Len()).
		Msg("Run report written")
	return key, nil
}

// Read loads the report at key into v.
func (s *Store) Read(ctx context.Context, key string, v any) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// ReadRun loads the report of runID into v. The report kind is taken from
// the run ID prefix.
func (s *Store) ReadRun(ctx context.Context, runID string, v any) error {
	kind := jobs.Kind(runID)
	if kind == "" {
		return fmt.Errorf("%w: %q", ErrUnknownRunKind, runID)
	}
	return s.Read(ctx, Key(kind, runID), v)
}

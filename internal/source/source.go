// Package source lists and fetches candidate media items from the external
// file source. The source is any gocloud.dev blob bucket: S3 in production,
// a local directory through fileblob for one-off imports, memblob in tests.
//
// Object keys are the stable external identifiers used for deduplication.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Bucket URL schemes accepted by Open.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/fpang/site-media-pipeline/internal/filehandler"
)

// ErrAccess marks failures to reach the source container itself: bad
// credentials, a missing or forbidden bucket, or a transport failure while
// listing. It is fatal to a run. Per-item fetch failures never wrap it.
var ErrAccess = errors.New("source access error")

// Item is a candidate media item as reported by the source. It carries no bytes.
type Item struct {
	ExternalID       string    `json:"externalId"`
	Name             string    `json:"name"`
	MIMEType         string    `json:"mimeType"`
	SizeBytes        int64     `json:"sizeBytes"`
	SourceCreatedAt  time.Time `json:"sourceCreatedAt"`
	SourceModifiedAt time.Time `json:"sourceModifiedAt"`
}

// BucketSource reads media items from a blob bucket.
type BucketSource struct {
	bucket *blob.Bucket
}

// NewBucketSource wraps an already opened bucket. The caller keeps ownership
// of the bucket.
func NewBucketSource(bucket *blob.Bucket) *BucketSource {
	return &BucketSource{bucket: bucket}
}

// Open opens the bucket at url (s3://, file://, mem://) and checks that it is
// reachable.
func Open(ctx context.Context, url string) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bucket %s: %w", ErrAccess, url, err)
	}
	return NewBucketSource(bucket), nil
}

// Close releases the underlying bucket.
func (s *BucketSource) Close() error {
	return s.bucket.Close()
}

// ListItems returns every supported media object under containerRef, newest
// first. containerRef is a key prefix; an empty string lists the whole
// bucket. Any listing failure aborts and wraps ErrAccess: a partial catalog
// is never returned.
func (s *BucketSource) ListItems(ctx context.Context, containerRef string) ([]Item, error) {
	startTime := time.Now()
	prefix := containerPrefix(containerRef)

	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return nil, accessError(prefix, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: bucket is not accessible", ErrAccess)
	}

	var items []Item
	skipped := 0

	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, accessError(prefix, err)
		}
		if obj.IsDir {
			continue
		}

		mimeType, supported := filehandler.MIMETypeForName(obj.Key)
		if !supported {
			skipped++
			continue
		}

		items = append(items, Item{
			ExternalID: obj.Key,
			Name:       path.Base(obj.Key),
			MIMEType:   mimeType,
			SizeBytes:  obj.Size,
			// Blob listings only carry a modification time.
			SourceCreatedAt:  obj.ModTime,
			SourceModifiedAt: obj.ModTime,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].SourceModifiedAt.Equal(items[j].SourceModifiedAt) {
			return items[i].SourceModifiedAt.After(items[j].SourceModifiedAt)
		}
		return items[i].ExternalID < items[j].ExternalID
	})

	log.Debug().
		Str("prefix", prefix).
		Int("items", len(items)).
		Int("unsupported", skipped).
		Dur("duration", time.Since(startTime)).
		Msg("Source catalog listed")

	return items, nil
}

// FetchBytes reads the full content of one item.
func (s *BucketSource) FetchBytes(ctx context.Context, externalID string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", externalID, err)
	}
	return data, nil
}

func containerPrefix(ref string) string {
	ref = strings.Trim(ref, "/")
	if ref == "" {
		return ""
	}
	return ref + "/"
}

func accessError(prefix string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: container %q not found: %w", ErrAccess, prefix, err)
	case gcerrors.PermissionDenied:
		return fmt.Errorf("%w: access to container %q denied: %w", ErrAccess, prefix, err)
	default:
		return fmt.Errorf("%w: failed to list container %q: %w", ErrAccess, prefix, err)
	}
}

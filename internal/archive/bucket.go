package archive

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
)

// BucketArchiver writes media objects to any gocloud.dev bucket. It backs
// local and test runs (file://, mem://) and S3 through s3blob.
type BucketArchiver struct {
	bucket  *blob.Bucket
	prefix  string
	baseURL string
	now     func() time.Time
}

// NewBucketArchiver creates an archiver writing under prefix. Locator URLs
// are baseURL joined with the object key.
func NewBucketArchiver(bucket *blob.Bucket, prefix, baseURL string) *BucketArchiver {
	return &BucketArchiver{
		bucket:  bucket,
		prefix:  prefix,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// OpenBucketArchiver opens the bucket at bucketURL. An empty baseURL uses
// bucketURL, without its query string, as the locator base.
func OpenBucketArchiver(ctx context.Context, bucketURL, prefix, baseURL string) (*BucketArchiver, error) {
	if baseURL == "" {
		var err error
		if baseURL, err = locatorBase(bucketURL); err != nil {
			return nil, err
		}
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive bucket %s: %w", bucketURL, err)
	}
	return NewBucketArchiver(bucket, prefix, baseURL), nil
}

// locatorBase strips the opener options (query and fragment) from a bucket
// URL, e.g. s3://bucket?region=us-west-2 becomes s3://bucket.
func locatorBase(bucketURL string) (string, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return "", fmt.Errorf("invalid archive bucket url %q: %w", bucketURL, err)
	}
	if u.Scheme == "" || u.Opaque != "" {
		return "", fmt.Errorf("invalid archive bucket url %q: want scheme://bucket", bucketURL)
	}
	return u.Scheme + "://" + u.Host + u.Path, nil
}

// Close releases the underlying bucket.
func (a *BucketArchiver) Close() error {
	return a.bucket.Close()
}

// Store writes data under a new unique key.
func (a *BucketArchiver) Store(ctx context.Context, data []byte, suggestedName, mimeType string) (Locator, error) {
	key := ObjectKey(a.prefix, suggestedName, mimeType, a.now())

	err := a.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{
		ContentType: mimeType,
		Metadata:    map[string]string{"original-name": suggestedName},
	})
	if err != nil {
		return Locator{}, fmt.Errorf("failed to write archive object %s: %w", key, err)
	}

	log.Debug().Str("key", key).Int("sizeBytes", len(data)).Msg("Media archived to bucket")

	return Locator{URL: joinURL(a.baseURL, key), Key: key}, nil
}

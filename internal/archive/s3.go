package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// projectTag is the URL-encoded S3 object tagging string for cost allocation.
const projectTag = "Project=site-media-pipeline"

// S3PutAPI is the subset of the S3 client used by S3Archiver.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes media objects directly with the S3 API.
type S3Archiver struct {
	client S3PutAPI
	bucket string
	prefix string
	// baseURL replaces the s3://bucket form in returned locators when set,
	// e.g. a CloudFront distribution.
	baseURL string
	now     func() time.Time
}

// NewS3Archiver creates an archiver writing under prefix in bucket.
func NewS3Archiver(client S3PutAPI, bucket, prefix, baseURL string) *S3Archiver {
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Store uploads data under a new unique key.
func (a *S3Archiver) Store(ctx context.Context, data []byte, suggestedName, mimeType string) (Locator, error) {
	key := ObjectKey(a.prefix, suggestedName, mimeType, a.now())

	// User metadata travels as HTTP headers and must be US-ASCII.
	originalName := url.QueryEscape(suggestedName)

	startTime := time.Now()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimeType),
		Tagging:       aws.String(projectTag),
		Metadata:      map[string]string{"original-name": originalName},
	})
	if err != nil {
		return Locator{}, fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	base := a.baseURL
	if base == "" {
		base = "s3://" + a.bucket
	}

	log.Debug().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("sizeBytes", len(data)).
		Dur("duration", time.Since(startTime)).
		Msg("Media archived to S3")

	return Locator{URL: joinURL(base, key), Key: key}, nil
}

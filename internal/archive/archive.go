// Package archive stores ingested media bytes in durable blob storage and
// returns a stable locator for the ledger. Archives are write-once: every
// call produces a fresh key, so a retried item never overwrites an earlier
// blob.
package archive

import (
	"context"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fpang/site-media-pipeline/internal/filehandler"
)

// Locator identifies an archived blob. Both fields are always set on success.
type Locator struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// Archiver stores bytes and returns where they went.
type Archiver interface {
	Store(ctx context.Context, data []byte, suggestedName, mimeType string) (Locator, error)
}

// maxBaseNameLen bounds the human-readable part of generated keys.
const maxBaseNameLen = 64

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// ObjectKey builds a unique key of the form
// <prefix>/<yyyy>/<mm>/<dd>/<uuid>-<name><ext>. The extension comes from
// suggestedName, or from mimeType when the name has none.
func ObjectKey(prefix, suggestedName, mimeType string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(suggestedName, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	base = strings.TrimSuffix(base, path.Ext(base))
	if ext == "" {
		ext = filehandler.ExtensionForMIME(mimeType)
	}

	slug := unsafeKeyChars.ReplaceAllString(strings.ToLower(base), "-")
	slug = strings.Trim(slug, "-.")
	if len(slug) > maxBaseNameLen {
		slug = slug[:maxBaseNameLen]
	}

	name := uuid.NewString()
	if slug != "" {
		name += "-" + slug
	}

	return path.Join(strings.Trim(prefix, "/"), now.UTC().Format("2006/01/02"), name+ext)
}

// joinURL appends key to base with exactly one separating slash.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

package pipeline

import (
	"context"

	"github.com/fpang/site-media-pipeline/internal/source"
	"github.com/fpang/site-media-pipeline/internal/store"
)

// Source is the external file source a run ingests from. ListItems failures
// are fatal to the run; FetchBytes failures are isolated to one item.
type Source interface {
	ListItems(ctx context.Context, containerRef string) ([]source.Item, error)
	FetchBytes(ctx context.Context, externalID string) ([]byte, error)
}

// Compile-time interface check.
var _ Source = (*source.BucketSource)(nil)

// FilterUnseen returns the catalog items whose ExternalID is not in known,
// preserving catalog order. An ExternalID listed more than once is kept only
// at its first position.
func FilterUnseen(items []source.Item, known store.IDSet) []source.Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]source.Item, 0, len(items))
	for _, item := range items {
		if known.Has(item.ExternalID) {
			continue
		}
		if _, dup := seen[item.ExternalID]; dup {
			continue
		}
		seen[item.ExternalID] = struct{}{}
		out = append(out, item)
	}
	return out
}

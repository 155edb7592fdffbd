// Package jobs names pipeline runs.
package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"
)

// Run ID prefixes.
const (
	IngestPrefix = "ingest-"
	MatchPrefix  = "match-"
)

// GenerateID creates a new cryptographically random run ID with the given prefix.
// The prefix should include a trailing dash, e.g. "ingest-", "match-".
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msgf("Failed to generate random %s run ID", prefix)
	}
	return prefix + hex.EncodeToString(b)
}

// Kind returns the run kind encoded in id ("ingest" or "match"), or "" when
// id carries no known prefix.
func Kind(id string) string {
	for _, prefix := range []string{IngestPrefix, MatchPrefix} {
		if strings.HasPrefix(id, prefix) {
			return strings.TrimSuffix(prefix, "-")
		}
	}
	return ""
}

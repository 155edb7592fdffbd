// Package store provides the persistence collaborators of the ingestion
// pipeline: the Ledger of ingested media records and the read-only
// directory of project sites.
//
// The ledger is the system of record for what has been ingested. Its
// externalId uniqueness constraint is a backstop behind the pipeline's own
// deduplication, so a violation surfaces as ErrDuplicateExternalID rather
// than being absorbed silently.
//
// Implementations:
//   - SQLLedger / SQLSiteDirectory: GORM over SQLite or MySQL
//   - DynamoLedger: single-table DynamoDB design
//   - DataAPISiteDirectory: Aurora projects table through the RDS Data API
//   - FileSiteDirectory: YAML file of sites for local runs
//   - MemoryLedger / StaticSites: in-process, used by tests and dry runs
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultGeofenceRadiusMeters is applied to project sites whose upstream
// radius is missing or not positive.
const DefaultGeofenceRadiusMeters = 150.0

var (
	// ErrDuplicateExternalID is returned by Insert when a record with the
	// same externalId already exists.
	ErrDuplicateExternalID = errors.New("duplicate external id")

	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrIncompleteRecord is returned by Insert when a required field, such
	// as the blob locator, is missing.
	ErrIncompleteRecord = errors.New("incomplete record")
)

// Ledger persists ingested media records. Each method is safe for
// concurrent use. Writes are atomic per record; no method spans records.
type Ledger interface {
	// ListKnownExternalIDs returns the externalId of every record.
	ListKnownExternalIDs(ctx context.Context) (IDSet, error)

	// Insert persists a new record and returns the stored copy with ID and
	// IngestedAt filled in.
	Insert(ctx context.Context, record *IngestedMediaRecord) (*IngestedMediaRecord, error)

	// UpdateMatch sets the projectId/matchDistanceMeters pair of a record.
	UpdateMatch(ctx context.Context, id string, projectID int64, distanceMeters float64) error

	// ClearMatch removes the projectId/matchDistanceMeters pair of a record.
	ClearMatch(ctx context.Context, id string) error

	// ListUnmatched returns records with no projectId.
	ListUnmatched(ctx context.Context) ([]IngestedMediaRecord, error)

	// ListAll returns every record.
	ListAll(ctx context.Context) ([]IngestedMediaRecord, error)
}

// SiteDirectory lists the known project sites.
type SiteDirectory interface {
	ListSites(ctx context.Context) ([]ProjectSite, error)
}

// IDSet is a set of external identifiers.
type IDSet map[string]struct{}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IngestedMediaRecord is one ledger row. It is immutable after insert except
// for the ProjectID/MatchDistanceMeters pair, which is either fully set or
// fully nil.
type IngestedMediaRecord struct {
	ID                  string     `json:"id" gorm:"primaryKey;size:36" dynamodbav:"id"`
	ExternalID          string     `json:"externalId" gorm:"uniqueIndex;size:512;not null" dynamodbav:"externalId"`
	Name                string     `json:"name" gorm:"size:512" dynamodbav:"name"`
	MIMEType            string     `json:"mimeType" gorm:"column:mime_type;size:128" dynamodbav:"mimeType"`
	SizeBytes           int64      `json:"sizeBytes" dynamodbav:"sizeBytes"`
	SourceCreatedAt     time.Time  `json:"sourceCreatedAt" dynamodbav:"sourceCreatedAt"`
	SourceModifiedAt    time.Time  `json:"sourceModifiedAt" dynamodbav:"sourceModifiedAt"`
	Latitude            *float64   `json:"latitude,omitempty" dynamodbav:"latitude,omitempty"`
	Longitude           *float64   `json:"longitude,omitempty" dynamodbav:"longitude,omitempty"`
	CaptureTimestamp    *time.Time `json:"captureTimestamp,omitempty" dynamodbav:"captureTimestamp,omitempty"`
	DeviceLabel         *string    `json:"deviceLabel,omitempty" gorm:"size:256" dynamodbav:"deviceLabel,omitempty"`
	BlobURL             string     `json:"blobUrl" gorm:"column:blob_url;size:2048;not null" dynamodbav:"blobUrl"`
	BlobKey             string     `json:"blobKey" gorm:"size:1024;not null" dynamodbav:"blobKey"`
	IngestedAt          time.Time  `json:"ingestedAt" gorm:"index" dynamodbav:"ingestedAt"`
	ProjectID           *int64     `json:"projectId,omitempty" gorm:"index" dynamodbav:"projectId,omitempty"`
	MatchDistanceMeters *float64   `json:"matchDistanceMeters,omitempty" dynamodbav:"matchDistanceMeters,omitempty"`
}

// TableName overrides the GORM table name.
func (IngestedMediaRecord) TableName() string {
	return "ingested_media"
}

// HasGPS reports whether both coordinates are present.
func (r *IngestedMediaRecord) HasGPS() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// HasDevice reports whether a device label is present.
func (r *IngestedMediaRecord) HasDevice() bool {
	return r.DeviceLabel != nil && *r.DeviceLabel != ""
}

// IsMatched reports whether the record is attached to a project.
func (r *IngestedMediaRecord) IsMatched() bool {
	return r.ProjectID != nil
}

// validateForInsert enforces the fields every implementation requires.
func validateForInsert(r *IngestedMediaRecord) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrIncompleteRecord)
	case r.ExternalID == "":
		return fmt.Errorf("%w: missing externalId", ErrIncompleteRecord)
	case r.BlobURL == "" || r.BlobKey == "":
		return fmt.Errorf("%w: %s has no blob locator", ErrIncompleteRecord, r.ExternalID)
	case (r.Latitude == nil) != (r.Longitude == nil):
		return fmt.Errorf("%w: %s has only one coordinate", ErrIncompleteRecord, r.ExternalID)
	case (r.ProjectID == nil) != (r.MatchDistanceMeters == nil):
		return fmt.Errorf("%w: %s has a partial match", ErrIncompleteRecord, r.ExternalID)
	}
	return nil
}

// prepareForInsert returns a copy of r with ID and IngestedAt assigned.
func prepareForInsert(r *IngestedMediaRecord) *IngestedMediaRecord {
	out := *r
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.IngestedAt.IsZero() {
		out.IngestedAt = time.Now().UTC()
	}
	return &out
}

// ProjectSite is a project's site coordinate and geofence radius.
type ProjectSite struct {
	ProjectID            int64   `json:"projectId" yaml:"projectId"`
	Name                 string  `json:"name,omitempty" yaml:"name,omitempty"`
	SiteLatitude         float64 `json:"siteLatitude" yaml:"latitude"`
	SiteLongitude        float64 `json:"siteLongitude" yaml:"longitude"`
	GeofenceRadiusMeters float64 `json:"geofenceRadiusMeters" yaml:"radiusMeters"`
}

// withDefaultRadius returns s with defaultRadius applied when its own
// radius is not positive.
func (s ProjectSite) withDefaultRadius(defaultRadius float64) ProjectSite {
	if defaultRadius <= 0 {
		defaultRadius = DefaultGeofenceRadiusMeters
	}
	if s.GeofenceRadiusMeters <= 0 {
		s.GeofenceRadiusMeters = defaultRadius
	}
	return s
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OpenSQL opens a GORM database for driver "sqlite" or "mysql".
func OpenSQL(driver, dsn string, slowThreshold time.Duration) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q (want sqlite or mysql)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(slowThreshold, logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// SQLLedger implements Ledger on a relational database through GORM.
type SQLLedger struct {
	db *gorm.DB
}

// Compile-time interface check.
var _ Ledger = (*SQLLedger)(nil)

// NewSQLLedger wraps an open database.
func NewSQLLedger(db *gorm.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// Migrate creates or updates the ingested_media table.
func (s *SQLLedger) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&IngestedMediaRecord{}); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}

func (s *SQLLedger) ListKnownExternalIDs(ctx context.Context) (IDSet, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&IngestedMediaRecord{}).
		Pluck("external_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list external ids: %w", err)
	}

	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *SQLLedger) Insert(ctx context.Context, record *IngestedMediaRecord) (*IngestedMediaRecord, error) {
	if err := validateForInsert(record); err != nil {
		return nil, err
	}
	stored := prepareForInsert(record)

	if err := s.db.WithContext(ctx).Create(stored).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, stored.ExternalID)
		}
		return nil, fmt.Errorf("failed to insert record %s: %w", stored.ExternalID, err)
	}
	return stored, nil
}

func (s *SQLLedger) UpdateMatch(ctx context.Context, id string, projectID int64, distanceMeters float64) error {
	return s.setMatch(ctx, id, map[string]interface{}{
		"project_id":            projectID,
		"match_distance_meters": distanceMeters,
	})
}

func (s *SQLLedger) ClearMatch(ctx context.Context, id string) error {
	return s.setMatch(ctx, id, map[string]interface{}{
		"project_id":            nil,
		"match_distance_meters": nil,
	})
}

// setMatch writes both match columns in one statement.
func (s *SQLLedger) setMatch(ctx context.Context, id string, values map[string]interface{}) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&IngestedMediaRecord{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update match for %s: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the values did not change.
	var count int64
	if err := db.Model(&IngestedMediaRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check record %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLLedger) ListUnmatched(ctx context.Context) ([]IngestedMediaRecord, error) {
	var records []IngestedMediaRecord
	err := s.db.WithContext(ctx).
		Where("project_id IS NULL").
		Order("ingested_at, id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched records: %w", err)
	}
	return records, nil
}

func (s *SQLLedger) ListAll(ctx context.Context) ([]IngestedMediaRecord, error) {
	var records []IngestedMediaRecord
	if err := s.db.WithContext(ctx).Order("ingested_at, id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// projectSiteRow is the project_sites table. A NULL or non-positive radius
// means the default applies.
type projectSiteRow struct {
	ProjectID            int64    `gorm:"primaryKey;autoIncrement:false"`
	Name                 string   `gorm:"size:256"`
	SiteLatitude         float64  `gorm:"not null"`
	SiteLongitude        float64  `gorm:"not null"`
	GeofenceRadiusMeters *float64 `gorm:"column:geofence_radius_meters"`
}

func (projectSiteRow) TableName() string {
	return "project_sites"
}

// SQLSiteDirectory reads project sites from the project_sites table.
type SQLSiteDirectory struct {
	db            *gorm.DB
	defaultRadius float64
}

// Compile-time interface check.
var _ SiteDirectory = (*SQLSiteDirectory)(nil)

// NewSQLSiteDirectory wraps an open database. defaultRadius applies to
// sites without a positive radius.
func NewSQLSiteDirectory(db *gorm.DB, defaultRadius float64) *SQLSiteDirectory {
	return &SQLSiteDirectory{db: db, defaultRadius: defaultRadius}
}

// Migrate creates or updates the project_sites table.
func (d *SQLSiteDirectory) Migrate(ctx context.Context) error {
	if err := d.db.WithContext(ctx).AutoMigrate(&projectSiteRow{}); err != nil {
		return fmt.Errorf("failed to migrate project_sites schema: %w", err)
	}
	return nil
}

// ListSites returns every site ordered by project id.
func (d *SQLSiteDirectory) ListSites(ctx context.Context) ([]ProjectSite, error) {
	var rows []projectSiteRow
	if err := d.db.WithContext(ctx).Order("project_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list project sites: %w", err)
	}

	sites := make([]ProjectSite, 0, len(rows))
	for _, row := range rows {
		site := ProjectSite{
			ProjectID:     row.ProjectID,
			Name:          row.Name,
			SiteLatitude:  row.SiteLatitude,
			SiteLongitude: row.SiteLongitude,
		}
		if row.GeofenceRadiusMeters != nil {
			site.GeofenceRadiusMeters = *row.GeofenceRadiusMeters
		}
		sites = append(sites, site.withDefaultRadius(d.defaultRadius))
	}
	return sites, nil
}

// Save upserts sites by project id.
func (d *SQLSiteDirectory) Save(ctx context.Context, sites []ProjectSite) error {
	if len(sites) == 0 {
		return nil
	}

	rows := make([]projectSiteRow, len(sites))
	for i, site := range sites {
		rows[i] = projectSiteRow{
			ProjectID:     site.ProjectID,
			Name:          site.Name,
			SiteLatitude:  site.SiteLatitude,
			SiteLongitude: site.SiteLongitude,
		}
		if site.GeofenceRadiusMeters > 0 {
			r := site.GeofenceRadiusMeters
			rows[i].GeofenceRadiusMeters = &r
		}
	}

	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save %d project sites: %w", len(rows), err)
	}

	log.Debug().Int("count", len(rows)).Msg("Project sites saved")
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	rdsdatatypes "github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
	"github.com/rs/zerolog/log"
)

// listSitesSQL reads the projects table owned by the project-management
// system. Projects without a site coordinate are not candidates.
const listSitesSQL = `SELECT id, name, site_latitude, site_longitude, geofence_radius_meters
	FROM projects
	WHERE site_latitude IS NOT NULL AND site_longitude IS NOT NULL
	ORDER BY id`

// ExecuteStatementAPI is the subset of the RDS Data API client used here.
type ExecuteStatementAPI interface {
	ExecuteStatement(ctx context.Context, params *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
}

// DataAPISiteDirectory reads project sites from an Aurora cluster through
// the RDS Data API.
type DataAPISiteDirectory struct {
	client        ExecuteStatementAPI
	clusterARN    string
	secretARN     string
	database      string
	defaultRadius float64
}

// Compile-time interface check.
var _ SiteDirectory = (*DataAPISiteDirectory)(nil)

func NewDataAPISiteDirectory(client ExecuteStatementAPI, clusterARN, secretARN, database string, defaultRadius float64) *DataAPISiteDirectory {
	return &DataAPISiteDirectory{
		client:        client,
		clusterARN:    clusterARN,
		secretARN:     secretARN,
		database:      database,
		defaultRadius: defaultRadius,
	}
}

func (d *DataAPISiteDirectory) ListSites(ctx context.Context) ([]ProjectSite, error) {
	start := time.Now()
	out, err := d.client.ExecuteStatement(ctx, &rdsdata.ExecuteStatementInput{
		ResourceArn: aws.String(d.clusterARN),
		SecretArn:   aws.String(d.secretARN),
		Database:    aws.String(d.database),
		Sql:         aws.String(listSitesSQL),
	})
	if err != nil {
		log.Error().Err(err).Str("database", d.database).Msg("ListSites failed")
		return nil, fmt.Errorf("ListSites: %w", err)
	}

	sites := make([]ProjectSite, 0, len(out.Records))
	for i, row := range out.Records {
		site, err := siteFromRecord(row)
		if err != nil {
			log.Warn().Err(err).Int("row", i).Msg("Skipping malformed project site row")
			continue
		}
		sites = append(sites, site.withDefaultRadius(d.defaultRadius))
	}

	log.Debug().
		Int("siteCount", len(sites)).
		Dur("duration", time.Since(start)).
		Msg("Project sites loaded from Data API")
	return sites, nil
}

// siteFromRecord maps one row of listSitesSQL.
func siteFromRecord(row []rdsdatatypes.Field) (ProjectSite, error) {
	if len(row) != 5 {
		return ProjectSite{}, fmt.Errorf("expected 5 columns, got %d", len(row))
	}

	id, ok := row[0].(*rdsdatatypes.FieldMemberLongValue)
	if !ok {
		return ProjectSite{}, fmt.Errorf("id: unexpected field type %T", row[0])
	}
	lat, err := numericField(row[2])
	if err != nil {
		return ProjectSite{}, fmt.Errorf("site_latitude: %w", err)
	}
	lon, err := numericField(row[3])
	if err != nil {
		return ProjectSite{}, fmt.Errorf("site_longitude: %w", err)
	}

	site := ProjectSite{
		ProjectID:     id.Value,
		SiteLatitude:  lat,
		SiteLongitude: lon,
	}
	if name, ok := row[1].(*rdsdatatypes.FieldMemberStringValue); ok {
		site.Name = name.Value
	}
	// NULL radius falls through to the default.
	if radius, err := numericField(row[4]); err == nil {
		site.GeofenceRadiusMeters = radius
	}
	return site, nil
}

// numericField reads a DOUBLE, NUMERIC (returned as string) or integer column.
func numericField(f rdsdatatypes.Field) (float64, error) {
	switch v := f.(type) {
	case *rdsdatatypes.FieldMemberDoubleValue:
		return v.Value, nil
	case *rdsdatatypes.FieldMemberLongValue:
		return float64(v.Value), nil
	case *rdsdatatypes.FieldMemberStringValue:
		out, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", v.Value, err)
		}
		return out, nil
	case *rdsdatatypes.FieldMemberIsNull:
		return 0, errors.New("null value")
	default:
		return 0, fmt.Errorf("unexpected field type %T", f)
	}
}

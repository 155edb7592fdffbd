package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSiteDirectory reads project sites from a YAML file:
//
//	sites:
//	  - projectId: 7
//	    name: Pike Street Remodel
//	    latitude: 47.6062
//	    longitude: -122.3321
//	    radiusMeters: 150
//
// The file is re-read on every ListSites call.
type FileSiteDirectory struct {
	path          string
	defaultRadius float64
}

// Compile-time interface check.
var _ SiteDirectory = (*FileSiteDirectory)(nil)

func NewFileSiteDirectory(path string, defaultRadius float64) *FileSiteDirectory {
	return &FileSiteDirectory{path: path, defaultRadius: defaultRadius}
}

type siteFile struct {
	Sites []ProjectSite `yaml:"sites"`
}

func (d *FileSiteDirectory) ListSites(ctx context.Context) ([]ProjectSite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read site file: %w", err)
	}
	sites, err := ParseSites(data, d.defaultRadius)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	return sites, nil
}

// ParseSites decodes a YAML site document and applies defaultRadius.
// Duplicate project ids are rejected.
func ParseSites(data []byte, defaultRadius float64) ([]ProjectSite, error) {
	sites, err := DecodeSites(data)
	if err != nil {
		return nil, err
	}
	for i := range sites {
		sites[i] = sites[i].withDefaultRadius(defaultRadius)
	}
	return sites, nil
}

// DecodeSites decodes a YAML site document as written: a site without a
// radius keeps GeofenceRadiusMeters at zero. Duplicate project ids are
// rejected.
func DecodeSites(data []byte) ([]ProjectSite, error) {
	var doc siteFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sites: %w", err)
	}

	seen := make(map[int64]bool, len(doc.Sites))
	sites := make([]ProjectSite, 0, len(doc.Sites))
	for _, site := range doc.Sites {
		if seen[site.ProjectID] {
			return nil, fmt.Errorf("duplicate projectId %d", site.ProjectID)
		}
		seen[site.ProjectID] = true
		sites = append(sites, site)
	}
	return sites, nil
}

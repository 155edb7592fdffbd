// Package config loads pipeline settings from defaults, an optional YAML
// file and SITEMEDIA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fpang/site-media-pipeline/internal/geo"
)

// DefaultSQLiteDSN is the ledger database used when a sqlite ledger names
// neither a DSN nor an SSM parameter.
const DefaultSQLiteDSN = "sitemedia.db"

// EnvPrefix prefixes every environment override, e.g. SITEMEDIA_INGEST_WORKERS.
const EnvPrefix = "SITEMEDIA"

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerMySQL    = "mysql"
	LedgerDynamoDB = "dynamodb"
	LedgerMemory   = "memory"
)

// Site directory backends.
const (
	SitesFile    = "file"
	SitesSQL     = "sql"
	SitesDataAPI = "dataapi"
)

// Archive backends.
const (
	ArchiveS3     = "s3"
	ArchiveBucket = "bucket"
)

type Settings struct {
	Source struct {
		URL       string `mapstructure:"url"`       // gocloud blob URL of the media source
		Container string `mapstructure:"container"` // default container (key prefix)
	} `mapstructure:"source"`

	Archive struct {
		Backend string `mapstructure:"backend"` // s3 or bucket
		Bucket  string `mapstructure:"bucket"`  // S3 bucket name (s3 backend)
		URL     string `mapstructure:"url"`     // gocloud blob URL (bucket backend)
		Prefix  string `mapstructure:"prefix"`  // key prefix for archived media
		BaseURL string `mapstructure:"baseUrl"` // public URL prefix for locators
	} `mapstructure:"archive"`

	Ledger struct {
		Backend       string        `mapstructure:"backend"`
		DSN           string        `mapstructure:"dsn"`
		DSNParam      string        `mapstructure:"dsnParam"` // SSM parameter holding the DSN
		Table         string        `mapstructure:"table"`    // DynamoDB table
		SlowThreshold time.Duration `mapstructure:"slowThreshold"`
	} `mapstructure:"ledger"`

	Sites struct {
		Backend             string  `mapstructure:"backend"`
		File                string  `mapstructure:"file"`
		ClusterARN          string  `mapstructure:"clusterArn"`
		SecretARN           string  `mapstructure:"secretArn"`
		Database            string  `mapstructure:"database"`
		DefaultRadiusMeters float64 `mapstructure:"defaultRadiusMeters"`
	} `mapstructure:"sites"`

	Ingest struct {
		Workers     int           `mapstructure:"workers"`
		ItemTimeout time.Duration `mapstructure:"itemTimeout"`
		MatchAfter  bool          `mapstructure:"matchAfter"` // chain a match run after ingestion
	} `mapstructure:"ingest"`

	Match struct {
		Boundary string `mapstructure:"boundary"` // inclusive or exclusive
	} `mapstructure:"match"`

	Reports struct {
		URL string `mapstructure:"url"` // gocloud blob URL; empty disables run reports
	} `mapstructure:"reports"`

	Events struct {
		BusName string `mapstructure:"busName"` // EventBridge bus; empty disables events
	} `mapstructure:"events"`
}

// setDefaults sets default values for the configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.url", "file:///var/lib/sitemedia/inbox")
	v.SetDefault("source.container", "")

	v.SetDefault("archive.backend", ArchiveBucket)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.url", "file:///var/lib/sitemedia/archive")
	v.SetDefault("archive.prefix", "media")
	v.SetDefault("archive.baseUrl", "")

	v.SetDefault("ledger.backend", LedgerSQLite)
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.dsnParam", "")
	v.SetDefault("ledger.table", "")
	v.SetDefault("ledger.slowThreshold", 200*time.Millisecond)

	v.SetDefault("sites.backend", SitesFile)
	v.SetDefault("sites.file", "sites.yaml")
	v.SetDefault("sites.clusterArn", "")
	v.SetDefault("sites.secretArn", "")
	v.SetDefault("sites.database", "")
	v.SetDefault("sites.defaultRadiusMeters", 150.0)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.itemTimeout", 2*time.Minute)
	v.SetDefault("ingest.matchAfter", true)

	v.SetDefault("match.boundary", "inclusive")

	v.SetDefault("reports.url", "")
	v.SetDefault("events.busName", "")
}

// Load reads settings. configFile may be empty, in which case sitemedia.yaml
// is looked up in the working directory and $HOME/.config/sitemedia; a
// missing file is not an error unless configFile names it explicitly.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("sitemedia")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "sitemedia"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if settings.Ledger.Backend == LedgerSQLite && settings.Ledger.DSN == "" && settings.Ledger.DSNParam == "" {
		settings.Ledger.DSN = DefaultSQLiteDSN
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Source.URL == "" {
		add("source.url is required")
	}

	switch s.Archive.Backend {
	case ArchiveS3:
		if s.Archive.Bucket == "" {
			add("archive.bucket is required for the s3 archive")
		}
	case ArchiveBucket:
		if s.Archive.URL == "" {
			add("archive.url is required for the bucket archive")
		}
	default:
		add("archive.backend %q is not one of s3, bucket", s.Archive.Backend)
	}

	switch s.Ledger.Backend {
	case LedgerSQLite, LedgerMySQL:
		if s.Ledger.DSN == "" && s.Ledger.DSNParam == "" {
			add("ledger.dsn or ledger.dsnParam is required for the %s ledger", s.Ledger.Backend)
		}
	case LedgerDynamoDB:
		if s.Ledger.Table == "" {
			add("ledger.table is required for the dynamodb ledger")
		}
	case LedgerMemory:
	default:
		add("ledger.backend %q is not one of sqlite, mysql, dynamodb, memory", s.Ledger.Backend)
	}

	switch s.Sites.Backend {
	case SitesFile:
		if s.Sites.File == "" {
			add("sites.file is required for the file site directory")
		}
	case SitesSQL:
		if s.Ledger.Backend != LedgerSQLite && s.Ledger.Backend != LedgerMySQL {
			add("sites.backend sql requires a sqlite or mysql ledger")
		}
	case SitesDataAPI:
		if s.Sites.ClusterARN == "" || s.Sites.SecretARN == "" || s.Sites.Database == "" {
			add("sites.clusterArn, sites.secretArn and sites.database are required for the dataapi site directory")
		}
	default:
		add("sites.backend %q is not one of file, sql, dataapi", s.Sites.Backend)
	}
	if s.Sites.DefaultRadiusMeters < 0 {
		add("sites.defaultRadiusMeters must not be negative")
	}

	if s.Ingest.Workers < 1 {
		add("ingest.workers must be at least 1")
	}
	if s.Ingest.ItemTimeout <= 0 {
		add("ingest.itemTimeout must be positive")
	}
	if _, err := geo.ParseBoundary(s.Match.Boundary); err != nil {
		add("match.boundary: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Boundary returns the parsed geofence boundary policy.
func (s *Settings) Boundary() geo.Boundary {
	b, _ := geo.ParseBoundary(s.Match.Boundary)
	return b
}

// NeedsAWS reports whether any configured backend talks to AWS directly.
func (s *Settings) NeedsAWS() bool {
	return s.Archive.Backend == ArchiveS3 ||
		s.Ledger.Backend == LedgerDynamoDB ||
		s.Ledger.DSNParam != "" ||
		s.Sites.Backend == SitesDataAPI ||
		s.Events.BusName != ""
}

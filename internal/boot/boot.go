// Package boot builds the pipeline from settings. It is shared by the CLI
// and both Lambdas so each entry point's init is a short composition.
package boot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	// mem:// URLs for local runs and tests.
	_ "gocloud.dev/blob/memblob"

	"github.com/fpang/site-media-pipeline/internal/archive"
	"github.com/fpang/site-media-pipeline/internal/config"
	"github.com/fpang/site-media-pipeline/internal/events"
	"github.com/fpang/site-media-pipeline/internal/logging"
	"github.com/fpang/site-media-pipeline/internal/metrics"
	"github.com/fpang/site-media-pipeline/internal/pipeline"
	"github.com/fpang/site-media-pipeline/internal/runreport"
	"github.com/fpang/site-media-pipeline/internal/source"
	"github.com/fpang/site-media-pipeline/internal/store"
)

// AWSClients holds the AWS config and the clients the pipeline may use.
type AWSClients struct {
	Config      aws.Config
	SSM         *ssm.Client
	S3          *s3.Client
	DynamoDB    *dynamodb.Client
	EventBridge *eventbridge.Client
	RDSData     *rdsdata.Client
}

// InitAWS loads the default AWS config and creates the clients.
func InitAWS(ctx context.Context) (*AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return &AWSClients{
		Config:      cfg,
		SSM:         ssm.NewFromConfig(cfg),
		S3:          s3.NewFromConfig(cfg),
		DynamoDB:    dynamodb.NewFromConfig(cfg),
		EventBridge: eventbridge.NewFromConfig(cfg),
		RDSData:     rdsdata.NewFromConfig(cfg),
	}, nil
}

// ParameterAPI is the subset of the SSM client used to read secrets.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadParameter reads a decrypted SSM parameter.
func LoadParameter(ctx context.Context, client ParameterAPI, name string) (string, error) {
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", name, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", name)
	}
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Parameter loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// Pipeline is a fully wired coordinator plus the resources it owns.
type Pipeline struct {
	Coordinator *pipeline.Coordinator
	Settings    *config.Settings
	Sites       store.SiteDirectory
	SQL         *gorm.DB         // nil unless the ledger is SQL-backed
	Reports     *runreport.Store // nil unless reports.url is set

	closers []func() error
}

// Close releases every resource opened by Build.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires a Coordinator from settings. clients may be nil when
// settings.NeedsAWS() is false. m may be nil.
func Build(ctx context.Context, settings *config.Settings, clients *AWSClients, m *metrics.PipelineMetrics) (*Pipeline, error) {
	if settings.NeedsAWS() && clients == nil {
		return nil, errors.New("settings require AWS clients")
	}

	p := &Pipeline{Settings: settings}
	fail := func(err error) (*Pipeline, error) {
		_ = p.Close()
		return nil, err
	}

	src, err := source.Open(ctx, settings.Source.URL)
	if err != nil {
		return fail(err)
	}
	p.closers = append(p.closers, src.Close)

	ledger, err := p.openLedger(ctx, clients)
	if err != nil {
		return fail(err)
	}

	sites, err := p.openSites(ctx, clients)
	if err != nil {
		return fail(err)
	}
	p.Sites = sites

	archiver, err := p.openArchive(ctx, clients)
	if err != nil {
		return fail(err)
	}

	coord := &pipeline.Coordinator{
		Ingestion: pipeline.NewIngestionRunner(src, ledger, archiver, pipeline.IngestionOptions{
			Workers:     settings.Ingest.Workers,
			ItemTimeout: settings.Ingest.ItemTimeout,
			Metrics:     m,
		}),
		Matching: pipeline.NewGeoMatchRunner(ledger, sites, settings.Boundary(), m),
		Stats:    pipeline.NewStatsCollector(ledger),
		Metrics:  m,
	}

	if settings.Reports.URL != "" {
		reports, err := runreport.Open(ctx, settings.Reports.URL)
		if err != nil {
			return fail(err)
		}
		p.closers = append(p.closers, reports.Close)
		p.Reports = reports
		coord.Reports = reports
	}
	if settings.Events.BusName != "" {
		coord.Events = events.NewPublisher(clients.EventBridge, settings.Events.BusName)
	}

	p.Coordinator = coord
	return p, nil
}

func (p *Pipeline) openLedger(ctx context.Context, clients *AWSClients) (store.Ledger, error) {
	s := p.Settings.Ledger
	switch s.Backend {
	case config.LedgerMemory:
		log.Warn().Msg("Using in-memory ledger, records are lost on exit")
		return store.NewMemoryLedger(), nil

	case config.LedgerDynamoDB:
		return store.NewDynamoLedger(clients.DynamoDB, s.Table), nil

	case config.LedgerSQLite, config.LedgerMySQL:
		var params ParameterAPI
		if clients != nil {
			params = clients.SSM
		}
		dsn, err := ledgerDSN(ctx, p.Settings, params)
		if err != nil {
			return nil, err
		}
		db, err := store.OpenSQL(s.Backend, dsn, s.SlowThreshold)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("ledger connection pool: %w", err)
		}
		p.closers = append(p.closers, sqlDB.Close)
		p.SQL = db

		ledger := store.NewSQLLedger(db)
		if err := ledger.Migrate(ctx); err != nil {
			return nil, err
		}
		return ledger, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", s.Backend)
}

func (p *Pipeline) openSites(ctx context.Context, clients *AWSClients) (store.SiteDirectory, error) {
	s := p.Settings.Sites
	switch s.Backend {
	case config.SitesFile:
		return store.NewFileSiteDirectory(s.File, s.DefaultRadiusMeters), nil

	case config.SitesSQL:
		if p.SQL == nil {
			return nil, errors.New("sql site directory requires a sql ledger")
		}
		dir := store.NewSQLSiteDirectory(p.SQL, s.DefaultRadiusMeters)
		if err := dir.Migrate(ctx); err != nil {
			return nil, err
		}
		return dir, nil

	case config.SitesDataAPI:
		return store.NewDataAPISiteDirectory(clients.RDSData, s.ClusterARN, s.SecretARN, s.Database, s.DefaultRadiusMeters), nil
	}
	return nil, fmt.Errorf("unknown sites backend %q", s.Backend)
}

func (p *Pipeline) openArchive(ctx context.Context, clients *AWSClients) (archive.Archiver, error) {
	s := p.Settings.Archive
	switch s.Backend {
	case config.ArchiveS3:
		return archive.NewS3Archiver(clients.S3, s.Bucket, s.Prefix, s.BaseURL), nil

	case config.ArchiveBucket:
		a, err := archive.OpenBucketArchiver(ctx, s.URL, s.Prefix, s.BaseURL)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, a.Close)
		return a, nil
	}
	return nil, fmt.Errorf("unknown archive backend %q", s.Backend)
}

// ledgerDSN returns the SQL ledger DSN. An SSM parameter takes precedence
// over an inline DSN.
func ledgerDSN(ctx context.Context, settings *config.Settings, params ParameterAPI) (string, error) {
	s := settings.Ledger
	if s.DSNParam == "" {
		if s.DSN == "" {
			return "", fmt.Errorf("no DSN configured for the %s ledger", s.Backend)
		}
		return s.DSN, nil
	}
	if params == nil {
		return "", errors.New("ledger.dsnParam requires an SSM client")
	}
	return LoadParameter(ctx, params, s.DSNParam)
}

// StartupLog builds the startup record for name from settings.
func StartupLog(name string, settings *config.Settings, initStart time.Time) *logging.StartupLogger {
	sl := logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		Bucket("source", settings.Source.URL).
		Bucket("reports", settings.Reports.URL).
		SSMParam("ledgerDsn", settings.Ledger.DSNParam).
		EventBus("events", settings.Events.BusName).
		Feature("matchAfterIngest", settings.Ingest.MatchAfter).
		Feature("runReports", settings.Reports.URL != "").
		Config("ledgerBackend", settings.Ledger.Backend).
		Config("sitesBackend", settings.Sites.Backend).
		Config("archiveBackend", settings.Archive.Backend).
		Config("workers", fmt.Sprint(settings.Ingest.Workers)).
		Config("itemTimeout", settings.Ingest.ItemTimeout.String()).
		Config("boundary", settings.Boundary().String())

	if settings.Archive.Backend == config.ArchiveS3 {
		sl.Bucket("archive", settings.Archive.Bucket)
	} else {
		sl.Bucket("archive", settings.Archive.URL)
	}
	if settings.Ledger.Backend == config.LedgerDynamoDB {
		sl.DynamoTable("ledger", settings.Ledger.Table)
	} else {
		sl.Database("ledger", settings.Ledger.Backend)
	}
	if settings.Sites.Backend == config.SitesDataAPI {
		sl.Database("sites", settings.Sites.Database)
	}
	return sl
}

package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects process identity, configuration, resources, and
// feature flags, then emits a single structured zerolog event summarising
// the startup state. For Lambdas this is the cold-start record in CloudWatch.
type StartupLogger struct {
	name         string
	commitHash   string
	buildTime    string
	initDuration time.Duration

	buckets      map[string]string
	dynamoTables map[string]string
	databases    map[string]string
	ssmParams    map[string]string
	eventBuses   map[string]string
	features     map[string]bool
	config       map[string]string
}

// NewStartupLogger creates a StartupLogger for the given binary name
// (e.g. "ingest-lambda", "sitemedia").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:         name,
		buckets:      make(map[string]string),
		dynamoTables: make(map[string]string),
		databases:    make(map[string]string),
		ssmParams:    make(map[string]string),
		eventBuses:   make(map[string]string),
		features:     make(map[string]bool),
		config:       make(map[string]string),
	}
}

// CommitHash sets the git commit hash baked into the binary at build time.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

// BuildTime sets the UTC build timestamp baked into the binary at build time.
func (s *StartupLogger) BuildTime(t string) *StartupLogger {
	s.buildTime = t
	return s
}

// Bucket registers a blob bucket (S3 name or gocloud URL).
func (s *StartupLogger) Bucket(label, name string) *StartupLogger {
	if name != "" {
		s.buckets[label] = name
	}
	return s
}

// DynamoTable registers a DynamoDB table.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	if name != "" {
		s.dynamoTables[label] = name
	}
	return s
}

// Database registers a SQL database. Pass a driver or cluster name, never a DSN.
func (s *StartupLogger) Database(label, name string) *StartupLogger {
	if name != "" {
		s.databases[label] = name
	}
	return s
}

// SSMParam registers an SSM parameter path loaded at startup.
// Only the path is logged, never the value.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	if path != "" {
		s.ssmParams[label] = path
	}
	return s
}

// EventBus registers an EventBridge bus.
func (s *StartupLogger) EventBus(label, name string) *StartupLogger {
	if name != "" {
		s.eventBuses[label] = name
	}
	return s
}

// Feature registers a boolean feature flag (e.g. "matchAfterIngest").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long initialization took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	procDict := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())

	// Lambda identity is only present inside the Lambda runtime.
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		procDict = procDict.
			Str("functionName", fn).
			Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
			Str("region", os.Getenv("AWS_REGION")).
			Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE")).
			Str("logGroup", os.Getenv("AWS_LAMBDA_LOG_GROUP_NAME"))
	}
	if s.commitHash != "" {
		procDict = procDict.Str("commitHash", s.commitHash)
	}
	if s.buildTime != "" {
		procDict = procDict.Str("buildTime", s.buildTime)
	}

	evt = evt.Dict("process", procDict)

	// Only non-empty resource groups are attached.
	resources := zerolog.Dict()
	hasResources := false
	for _, group := range []struct {
		key string
		m   map[string]string
	}{
		{"buckets", s.buckets},
		{"dynamoTables", s.dynamoTables},
		{"databases", s.databases},
		{"ssmParams", s.ssmParams},
		{"eventBuses", s.eventBuses},
	} {
		if len(group.m) > 0 {
			resources = resources.Dict(group.key, dictFromMap(group.m))
			hasResources = true
		}
	}
	if hasResources {
		evt = evt.Dict("resources", resources)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}

	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}

	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}

package logging

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunSummary collects the identity and configuration of one CLI run, then
// emits a single structured event describing it. Only non-sensitive values
// belong here: token sources are recorded, token values never are.
type RunSummary struct {
	command   string
	version   string
	commit    string
	apiURL    string
	projectID string
	batchID   string
	started   time.Time

	resources map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewRunSummary creates a RunSummary for the given subcommand
// (e.g. "upload", "watch").
func NewRunSummary(command string) *RunSummary {
	return &RunSummary{
		command:   command,
		started:   time.Now(),
		resources: make(map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// Version sets the binary version and commit baked in at build time.
func (s *RunSummary) Version(version, commit string) *RunSummary {
	s.version = version
	s.commit = commit
	return s
}

// API records the backend root URL.
func (s *RunSummary) API(url string) *RunSummary {
	s.apiURL = url
	return s
}

// Project records the project the run operates on.
func (s *RunSummary) Project(id string) *RunSummary {
	s.projectID = id
	return s
}

// Batch records the staging batch, when known.
func (s *RunSummary) Batch(id string) *RunSummary {
	s.batchID = id
	return s
}

// Resource registers an external resource such as a DynamoDB table, S3
// bucket, EventBridge bus or SSM parameter path.
func (s *RunSummary) Resource(label, name string) *RunSummary {
	if name != "" {
		s.resources[label] = name
	}
	return s
}

// Feature registers a boolean feature flag (e.g. "resume", "feedback").
func (s *RunSummary) Feature(name string, enabled bool) *RunSummary {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *RunSummary) Config(key, value string) *RunSummary {
	s.config[key] = value
	return s
}

// Log emits one INFO event with everything collected.
func (s *RunSummary) Log() {
	s.LogTo(log.Logger)
}

// LogTo emits the summary on the given logger.
func (s *RunSummary) LogTo(logger zerolog.Logger) {
	run := zerolog.Dict().
		Str("command", s.command).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())
	if s.version != "" {
		run = run.Str("version", s.version)
	}
	if s.commit != "" {
		run = run.Str("commitHash", s.commit)
	}

	evt := logger.Info().Dict("run", run)
	if s.apiURL != "" {
		evt = evt.Str("apiUrl", s.apiURL)
	}
	if s.projectID != "" {
		evt = evt.Str("projectId", s.projectID)
	}
	if s.batchID != "" {
		evt = evt.Str("batchId", s.batchID)
	}
	if len(s.resources) > 0 {
		evt = evt.Dict("resources", dictFromMap(s.resources))
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
	evt.Dur("initDuration", time.Since(s.started)).Msg("Run configured")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}

// Package config loads and watches the YAML definition of an ingestion job.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/kafka"
	"github.com/lsm/ingest/internal/observability"
	"github.com/lsm/ingest/internal/retry"
	"github.com/lsm/ingest/internal/rules"
	"github.com/lsm/ingest/internal/schema"
	"github.com/lsm/ingest/internal/source"
	"gopkg.in/yaml.v3"
)

// JobDefinition is the complete configuration of one ingestion job.
type JobDefinition struct {
	Name          string                      `yaml:"name"`
	Source        SourceConfig                `yaml:"source"`
	Dataset       DatasetConfig               `yaml:"dataset"`
	Fields        map[string]schema.ValueKind `yaml:"fields"`
	Rules         []rules.Rule                `yaml:"rules,omitempty"`
	Outputs       OutputsConfig               `yaml:"outputs"`
	MaxPartitions int                         `yaml:"maxPartitions,omitempty"`
	LogLevel      string                      `yaml:"logLevel,omitempty"`
}

// SourceConfig holds source configuration.
type SourceConfig struct {
	Kind        string         `yaml:"kind"`
	Endpoints   []string       `yaml:"endpoints"`
	Topic       string         `yaml:"topic"`
	StartOffset string         `yaml:"startOffset,omitempty"`
	RateLimit   float64        `yaml:"rateLimit,omitempty"`
	RateBurst   int            `yaml:"rateBurst,omitempty"`
	Security    kafka.Security `yaml:"security,omitempty"`

	// DrainTimeout bounds the handling of the batch in flight at shutdown.
	DrainTimeout time.Duration `yaml:"drainTimeout,omitempty"`
}

// DatasetConfig names the dataset decoded records belong to.
type DatasetConfig struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
}

// OutputsConfig holds the success and failure output configuration.
// Endpoints and security default to the source's.
type OutputsConfig struct {
	Endpoints    []string        `yaml:"endpoints,omitempty"`
	Security     *kafka.Security `yaml:"security,omitempty"`
	SuccessTopic string          `yaml:"successTopic"`
	FailureTopic string          `yaml:"failureTopic,omitempty"`
	EventType    string          `yaml:"eventType,omitempty"`
	Retry        *retry.Policy   `yaml:"retry,omitempty"`
}

// Parse decodes and validates a job definition. Unknown keys are rejected.
func Parse(data []byte) (*JobDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def JobDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition for errors. All problems are reported.
func (d *JobDefinition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if _, err := d.SourceDescriptor(); err != nil {
		errs = append(errs, err)
	}
	switch d.Source.StartOffset {
	case "", "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("source.startOffset %q is not valid (must be earliest or latest)", d.Source.StartOffset))
	}
	if d.Source.RateLimit < 0 {
		errs = append(errs, errors.New("source.rateLimit must not be negative"))
	}
	if d.Source.DrainTimeout < 0 {
		errs = append(errs, errors.New("source.drainTimeout must not be negative"))
	}
	if err := d.Source.Security.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source.security: %w", err))
	}
	if d.Dataset.Name == "" {
		errs = append(errs, errors.New("dataset.name is required"))
	}
	if d.Dataset.Version < 0 {
		errs = append(errs, errors.New("dataset.version must not be negative"))
	}
	if len(d.Fields) == 0 {
		errs = append(errs, errors.New("fields must declare at least one field"))
	} else if _, err := d.FieldSchema(); err != nil {
		errs = append(errs, fmt.Errorf("fields: %w", err))
	}
	if d.Outputs.SuccessTopic == "" {
		errs = append(errs, errors.New("outputs.successTopic is required"))
	} else if _, err := d.OutputDescriptor(); err != nil {
		errs = append(errs, fmt.Errorf("outputs: %w", err))
	}
	if d.Outputs.Security != nil {
		if err := d.Outputs.Security.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("outputs.security: %w", err))
		}
	}
	if d.Outputs.Retry != nil {
		if err := d.Outputs.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("outputs.retry: %w", err))
		}
	}
	if d.MaxPartitions < 0 {
		errs = append(errs, errors.New("maxPartitions must not be negative"))
	}
	if !observability.ValidLogLevel(d.LogLevel) {
		errs = append(errs, fmt.Errorf("logLevel %q is not valid (must be debug, info, warn or error)", d.LogLevel))
	}

	return errors.Join(errs...)
}

// SourceDescriptor validates and returns the source descriptor.
func (d *JobDefinition) SourceDescriptor() (source.Descriptor, error) {
	return source.NewDescriptor(source.ParseKind(d.Source.Kind), d.Source.Endpoints, d.Source.Topic)
}

// FieldSchema returns the declared field schema.
func (d *JobDefinition) FieldSchema() (*schema.FieldSchema, error) {
	return schema.NewFieldSchema(d.Fields)
}

// Decoder compiles the rules and builds the job's record decoder.
func (d *JobDefinition) Decoder() (*decode.Decoder, error) {
	fs, err := d.FieldSchema()
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	set, err := rules.Compile(d.Rules)
	if err != nil {
		return nil, err
	}
	cfg := decode.Config{
		Schema:         fs,
		DatasetName:    d.Dataset.Name,
		DatasetVersion: d.Dataset.Version,
	}
	// A nil *rules.Set must not become a non-nil interface.
	if set != nil {
		cfg.Rules = set
	}
	return decode.New(cfg)
}

// OutputDescriptor describes the cluster and topic successes are written to.
func (d *JobDefinition) OutputDescriptor() (source.Descriptor, error) {
	endpoints := d.Outputs.Endpoints
	if len(endpoints) == 0 {
		endpoints = d.Source.Endpoints
	}
	return source.NewDescriptor(source.KindKafka, endpoints, d.Outputs.SuccessTopic)
}

// OutputSecurity returns the security settings of the output cluster.
func (d *JobDefinition) OutputSecurity() kafka.Security {
	if d.Outputs.Security != nil {
		return *d.Outputs.Security
	}
	return d.Source.Security
}

// OutputRetry returns the publish retry policy of both outputs.
func (d *JobDefinition) OutputRetry() retry.Policy {
	if d.Outputs.Retry != nil {
		return *d.Outputs.Retry
	}
	return retry.DefaultPolicy()
}

// FailureTopic returns the failure topic, defaulting per job name.
func (d *JobDefinition) FailureTopic() string {
	if d.Outputs.FailureTopic != "" {
		return d.Outputs.FailureTopic
	}
	return dlq.DefaultTopic(d.Name)
}

// Loader loads and watches a job definition file.
type Loader struct {
	mu       sync.RWMutex
	job      *JobDefinition
	path     string
	logger   *slog.Logger
	onChange func(*JobDefinition)
}

// NewLoader creates a new configuration loader for the file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   filepath.Clean(path),
		logger: logger,
	}
}

// OnChange registers a callback that fires when a changed file loads cleanly.
func (l *Loader) OnChange(fn func(*JobDefinition)) {
	l.onChange = fn
}

// Load reads and validates the definition file.
func (l *Loader) Load() (*JobDefinition, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	job, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.job = job
	l.mu.Unlock()

	return job, nil
}

// Current returns the last definition that loaded cleanly, or nil.
func (l *Loader) Current() *JobDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.job
}

// Watch watches the definition file for changes. Blocks until done is closed.
// The parent directory is watched so replaced files (editors, mounted config
// maps) are seen. A file that fails to load keeps the previous definition.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.logger.Info("watching job definition", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !l.relevant(event) {
				continue
			}
			l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
			job, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config, keeping previous definition", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(job)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

func (l *Loader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	// Kubernetes config maps swap a ..data symlink instead of the file.
	return name == l.path || filepath.Base(name) == "..data"
}

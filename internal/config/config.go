// Package config loads the immutable bunkcore configuration: an optional YAML
// file, environment overrides prefixed BUNKCORE_, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bunkcore/pkg/domain"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BUNKCORE_"

// Config holds all bunkcore configuration.
type Config struct {
	// Rule engine sections, passed by value into the pipeline stages.
	Priority   PriorityConfig   `yaml:"priority" envPrefix:"PRIORITY_"`
	Resolver   ResolverConfig   `yaml:"resolver" envPrefix:"RESOLVER_"`
	Graph      GraphConfig      `yaml:"graph" envPrefix:"GRAPH_"`
	Constraint ConstraintConfig `yaml:"constraint" envPrefix:"CONSTRAINT_"`
	Solver     SolverConfig     `yaml:"solver" envPrefix:"SOLVER_"`

	Collect CollectConfig `yaml:"collect" envPrefix:"COLLECT_"`
	Oracle  OracleConfig  `yaml:"oracle" envPrefix:"ORACLE_"`

	// Infrastructure
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Blob    BlobConfig    `yaml:"blob" envPrefix:"BLOB_"`
	Queue   QueueConfig   `yaml:"queue" envPrefix:"QUEUE_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

// CollectConfig bounds concurrent collection.
type CollectConfig struct {
	Workers int `yaml:"workers" env:"WORKERS" validate:"min=1,max=256"`
}

// OracleConfig selects the NL oracle implementation.
type OracleConfig struct {
	Driver  string        `yaml:"driver" env:"DRIVER" validate:"oneof=heuristic http"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL" validate:"required_if=Driver http"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"min=0"`
	Retries int           `yaml:"retries" env:"RETRIES" validate:"min=0,max=10"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// BlobConfig selects the run archive backend.
type BlobConfig struct {
	Driver     string `yaml:"driver" env:"DRIVER" validate:"oneof=memory fs s3"`
	FSRoot     string `yaml:"fs_root" env:"FS_ROOT"`
	S3Bucket   string `yaml:"s3_bucket" env:"S3_BUCKET" validate:"required_if=Driver s3"`
	S3Region   string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	S3Prefix   string `yaml:"s3_prefix" env:"S3_PREFIX"`
}

// QueueConfig selects the run queue and scope lock backend.
type QueueConfig struct {
	Driver    string `yaml:"driver" env:"DRIVER" validate:"oneof=memory redis"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Driver redis"`
	Stream    string `yaml:"stream" env:"STREAM"`
	Group     string `yaml:"group" env:"GROUP"`
	Buffer    int    `yaml:"buffer" env:"BUFFER" validate:"min=1"`
}

// HTTPConfig configures the HTTP boundary.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR" validate:"required"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level   string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format  string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
	Service string `yaml:"service" env:"SERVICE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Priority:   DefaultPriority(),
		Resolver:   DefaultResolver(),
		Graph:      DefaultGraph(),
		Constraint: DefaultConstraint(),
		Solver:     DefaultSolver(),
		Collect:    CollectConfig{Workers: 8},
		Oracle:     OracleConfig{Driver: "heuristic", Timeout: 10 * time.Second, Retries: 2},
		Storage:    StorageConfig{Driver: "memory", SQLitePath: "bunkcore.db"},
		Blob:       BlobConfig{Driver: "memory", FSRoot: "runs", S3Region: "us-east-1"},
		Queue:      QueueConfig{Driver: "memory", Stream: "bunkcore:runs", Group: "solvers", Buffer: 64},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Service: "bunkcore"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, domain.ConfigError{Field: path, Reason: err.Error()}
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, domain.ConfigError{Field: "env", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv applies BUNKCORE_ environment overrides to target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules of every section.
// The first failure is returned as a domain.ConfigError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.ConfigError{Field: strings.ToLower(fe.Namespace()), Reason: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value())}
		}
		return domain.ConfigError{Field: "config", Reason: err.Error()}
	}
	checks := []func() error{
		c.Priority.validate,
		c.Resolver.validate,
		c.Graph.validate,
		c.Constraint.validate,
		c.Solver.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Package config defines the runtime configuration of a harvest and how it is
// assembled from built-in defaults, an optional config file, environment
// variables and command line flags.
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/pkg/common"
)

// DefaultConfig is the built-in TOML configuration.
//
//go:embed defaults.toml
var DefaultConfig string

// Config represents the top-level configuration.
type Config struct {
	Deployments []DeploymentConfig `mapstructure:"deployments" validate:"required,min=1,dive"`
	// Overrides pins species to a deployment. Keys are normalized with
	// NormalizeSpecies.
	Overrides map[string]string `mapstructure:"overrides" validate:"dive,keys,required,endkeys,oneof=Ensembl Metazoa Plants Fungi Protists"`
	// Force pins every species to one deployment when set.
	Force string `mapstructure:"force" validate:"omitempty,oneof=Ensembl Metazoa Plants Fungi Protists"`

	Registry   RegistryConfig   `mapstructure:"registry"`
	REST       RESTConfig       `mapstructure:"rest"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Output     OutputConfig     `mapstructure:"output"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// DeploymentConfig describes one Ensembl API deployment.
type DeploymentConfig struct {
	Key     string `mapstructure:"key" validate:"required,oneof=Ensembl Metazoa Plants Fungi Protists"`
	RestURL string `mapstructure:"rest_url" validate:"required,url"`
	MartURL string `mapstructure:"mart_url" validate:"required,url"`
	Compara string `mapstructure:"compara"`
}

// RetryConfig defines basic retry behavior for remote requests.
type RetryConfig struct {
	// MaxAttempts is how many times to try before giving up.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialWait is the initial backoff duration (e.g., 1s).
	InitialWait time.Duration `mapstructure:"initial_wait" validate:"gt=0"`

	// MaxWait is the upper bound for the backoff (e.g., 30s).
	MaxWait time.Duration `mapstructure:"max_wait" validate:"gtefield=InitialWait"`
}

// Policy converts the config into the retry helper's policy.
func (r RetryConfig) Policy() common.RetryPolicy {
	return common.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialWait,
		MaxInterval:     r.MaxWait,
	}
}

// RegistryConfig controls BioMart registry, dataset and gene list requests.
type RegistryConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	GeneQueryTimeout time.Duration `mapstructure:"gene_query_timeout" validate:"gt=0"`
	// SpeciesDelay is the pause between resolving consecutive species.
	SpeciesDelay time.Duration `mapstructure:"species_delay" validate:"gte=0"`
	// RateLimit is requests per second. Zero disables pacing.
	RateLimit float64     `mapstructure:"rate_limit" validate:"gte=0"`
	Retry     RetryConfig `mapstructure:"retry"`
}

// RESTConfig controls Ensembl REST requests.
type RESTConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst          int           `mapstructure:"burst" validate:"gte=0"`
	UserAgent      string        `mapstructure:"user_agent"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// ProcessingConfig controls the per-gene batch loop.
type ProcessingConfig struct {
	BatchSize   int           `mapstructure:"batch_size" validate:"min=1"`
	ItemDelay   time.Duration `mapstructure:"item_delay" validate:"gte=0"`
	ItemTimeout time.Duration `mapstructure:"item_timeout" validate:"gt=0"`
}

// OutputConfig locates the files a harvest writes.
type OutputConfig struct {
	Root     string `mapstructure:"root" validate:"required"`
	AuditDir string `mapstructure:"audit_dir" validate:"required"`
}

// Checkpoint backends.
const (
	CheckpointBackendFile     = "file"
	CheckpointBackendPostgres = "postgres"
)

// CheckpointConfig selects where checkpoints are stored.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=file postgres"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
}

// MirrorConfig configures the optional S3 compatible copy of artifacts.
type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig controls the console and file logger.
type LoggingConfig struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
}

// NormalizeSpecies lower-cases a species name and collapses whitespace so
// lookups do not depend on how the name was typed.
func NormalizeSpecies(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// DeploymentList converts the configured deployments, preserving order.
func (c *Config) DeploymentList() ([]dataset.Deployment, error) {
	out := make([]dataset.Deployment, 0, len(c.Deployments))
	seen := make(map[dataset.DeploymentKey]struct{}, len(c.Deployments))
	for _, d := range c.Deployments {
		key, err := dataset.ParseDeploymentKey(d.Key)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("deployment %s configured twice", key)
		}
		seen[key] = struct{}{}
		out = append(out, dataset.Deployment{
			Key:     key,
			RestURL: strings.TrimRight(d.RestURL, "/"),
			MartURL: d.MartURL,
			Compara: d.Compara,
		})
	}
	return out, nil
}

// Override returns the deployment a species is pinned to, if any. Force
// takes precedence over per-species overrides.
func (c *Config) Override(species string) (dataset.DeploymentKey, bool) {
	if c.Force != "" {
		return dataset.DeploymentKey(c.Force), true
	}
	v, ok := c.Overrides[NormalizeSpecies(species)]
	if !ok {
		return "", false
	}
	return dataset.DeploymentKey(v), true
}

// MergeOverrides adds per-species overrides, replacing existing entries for
// the same species.
func (c *Config) MergeOverrides(overrides map[string]string) error {
	if c.Overrides == nil {
		c.Overrides = make(map[string]string, len(overrides))
	}
	for species, dep := range overrides {
		key, err := dataset.ParseDeploymentKey(dep)
		if err != nil {
			return fmt.Errorf("override for %q: %w", species, err)
		}
		c.Overrides[NormalizeSpecies(species)] = string(key)
	}
	return nil
}

// normalize canonicalizes case-insensitive values before validation.
func (c *Config) normalize() error {
	overrides := c.Overrides
	c.Overrides = nil
	if err := c.MergeOverrides(overrides); err != nil {
		return err
	}
	if c.Force != "" {
		key, err := dataset.ParseDeploymentKey(c.Force)
		if err != nil {
			return fmt.Errorf("force: %w", err)
		}
		c.Force = string(key)
	}
	for i := range c.Deployments {
		if key, err := dataset.ParseDeploymentKey(c.Deployments[i].Key); err == nil {
			c.Deployments[i].Key = string(key)
		}
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Checkpoint.Backend = strings.ToLower(c.Checkpoint.Backend)
	return nil
}

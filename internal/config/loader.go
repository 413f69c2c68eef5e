package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// EnvPrefix prefixes environment variables that override config keys.
const EnvPrefix = "GENETREE"

// Flag names shared by the CLI and the loader.
const (
	FlagConfig            = "config"
	FlagForce             = "force"
	FlagOverrides         = "overrides"
	FlagLogLevel          = "log-level"
	FlagOutput            = "output"
	FlagCheckpointBackend = "checkpoint-backend"
)

// flagKeys maps flags onto the config keys they override.
var flagKeys = map[string]string{
	FlagForce:             "force",
	FlagLogLevel:          "logging.level",
	FlagOutput:            "output.root",
	FlagCheckpointBackend: "checkpoint.backend",
}

// RegisterFlags defines the command line flags understood by ViperLoader.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, "", "optional config file merged over the built-in defaults")
	fs.String(FlagForce, "", "force every species to one deployment (Ensembl, Metazoa, Plants, Fungi, Protists)")
	fs.String(FlagOverrides, "", "optional YAML file of per-species deployment overrides")
	fs.String(FlagLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(FlagOutput, ".", "root directory for species output directories")
	fs.String(FlagCheckpointBackend, CheckpointBackendFile, "checkpoint backend (file, postgres)")
}

// ViperLoader assembles a Config from the built-in defaults, an optional
// config file, GENETREE_* environment variables and bound flags, in
// increasing order of precedence.
type ViperLoader struct {
	path  string
	flags *pflag.FlagSet
}

// NewViperLoader creates a loader. path may be empty and flags may be nil.
func NewViperLoader(path string, flags *pflag.FlagSet) *ViperLoader {
	return &ViperLoader{path: path, flags: flags}
}

// Load implements Loader.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded config: %w", err)
	}

	if l.path != "" {
		fv := viper.New()
		fv.SetConfigFile(l.path)
		if err := fv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
		if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge config file %s: %w", l.path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.flags != nil {
		for name, key := range flagKeys {
			f := l.flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints on cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.DeploymentList(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

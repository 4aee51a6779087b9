// Package config provides configuration management for Hydra.
//
// Configuration is loaded from multiple sources with the following precedence
// (highest to lowest):
//  1. CLI flags (set via SetOverride)
//  2. Environment variables with the HYDRA_ prefix
//  3. Project config: ./hydra.yaml or ./.hydra/config.yaml
//  4. Global config: ~/.config/hydra/config.yaml
//  5. Built-in defaults
//
// The package uses Viper for configuration merging and go-playground's
// validator for schema validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the hydra.yaml configuration file.
type Config struct {
	// CodexPath is an explicit path to the codex executable.
	// Empty means search PATH.
	CodexPath string `yaml:"codex_path,omitempty" mapstructure:"codex_path"`

	// CodexDefaultModel is passed as --model to spawned sessions unless the
	// caller supplies one
	CodexDefaultModel string `yaml:"codex_default_model,omitempty" mapstructure:"codex_default_model"`

	// StorePath is the directory holding the event store
	StorePath string `yaml:"store_path" mapstructure:"store_path" validate:"required"`

	// ProfilePaths are the directories searched for agent profile YAML.
	// Later paths override earlier ones on id collision.
	ProfilePaths []string `yaml:"profile_paths" mapstructure:"profile_paths" validate:"min=1"`

	// LogLevel controls diagnostic verbosity
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"required,oneof=CRITICAL ERROR WARNING INFO DEBUG"`

	// ResumeAlertThreshold is the failure count at which the resume sweep
	// starts emitting resume_alert events
	ResumeAlertThreshold int `yaml:"resume_alert_threshold" mapstructure:"resume_alert_threshold" validate:"gte=1"`
}

// DefaultConfig returns a new Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StorePath:            filepath.Join("storage", "hydra"),
		ProfilePaths:         []string{"profiles"},
		LogLevel:             "INFO",
		ResumeAlertThreshold: 3,
	}
}

// ValidationError represents a configuration validation error with field details.
type ValidationError struct {
	Field   string
	Tag     string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Message)
	}
	return strings.Join(msgs, "; ")
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v         *viper.Viper
	validator *validator.Validate
	overrides map[string]interface{}
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HYDRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:         v,
		validator: validator.New(),
		overrides: make(map[string]interface{}),
	}
}

// SetOverride sets a CLI override value that takes highest precedence.
func (l *Loader) SetOverride(key string, value interface{}) {
	l.overrides[key] = value
}

// Load reads configuration from all sources and returns the merged result.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	globalPath := l.globalConfigPath()
	if globalPath != "" && fileExists(globalPath) {
		if err := l.loadConfigFile(globalPath); err != nil {
			return nil, fmt.Errorf("failed to load global config %s: %w", globalPath, err)
		}
	}

	projectPath := l.findProjectConfig()
	if projectPath != "" {
		if err := l.loadConfigFile(projectPath); err != nil {
			return nil, fmt.Errorf("failed to load project config %s: %w", projectPath, err)
		}
	}

	return l.finish()
}

// LoadFromPath loads configuration from a specific file path.
// Useful for testing or when a config path is explicitly specified.
func (l *Loader) LoadFromPath(path string) (*Config, error) {
	l.setDefaults()

	if err := l.loadConfigFile(path); err != nil {
		return nil, err
	}

	return l.finish()
}

func (l *Loader) finish() (*Config, error) {
	for key, value := range l.overrides {
		l.v.Set(key, value)
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against the schema.
// Returns ValidationErrors with detailed information about any issues.
func (l *Loader) Validate(cfg *Config) error {
	var errs ValidationErrors

	err := l.validator.Struct(cfg)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, e := range validationErrs {
				errs = append(errs, ValidationError{
					Field:   e.Namespace(),
					Tag:     e.Tag(),
					Value:   e.Value(),
					Message: formatValidationError(e),
				})
			}
		} else {
			return fmt.Errorf("validation error: %w", err)
		}
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("codex_path", defaults.CodexPath)
	l.v.SetDefault("codex_default_model", defaults.CodexDefaultModel)
	l.v.SetDefault("store_path", defaults.StorePath)
	l.v.SetDefault("profile_paths", defaults.ProfilePaths)
	l.v.SetDefault("log_level", defaults.LogLevel)
	l.v.SetDefault("resume_alert_threshold", defaults.ResumeAlertThreshold)
}

func (l *Loader) loadConfigFile(path string) error {
	l.v.SetConfigFile(path)
	return l.v.MergeInConfig()
}

func (l *Loader) globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hydra", "config.yaml")
}

func (l *Loader) findProjectConfig() string {
	if fileExists("hydra.yaml") {
		return "hydra.yaml"
	}

	altPath := filepath.Join(".hydra", "config.yaml")
	if fileExists(altPath) {
		return altPath
	}

	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func formatValidationError(e validator.FieldError) string {
	field := e.Namespace()
	field = strings.TrimPrefix(field, "Config.")

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", field)
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s] (got '%v')", field, e.Param(), e.Value())
	case "gte":
		return fmt.Sprintf("'%s' must be at least %s (got '%v')", field, e.Param(), e.Value())
	case "min":
		return fmt.Sprintf("'%s' must have at least %s entries", field, e.Param())
	default:
		return fmt.Sprintf("'%s' failed validation '%s'", field, e.Tag())
	}
}

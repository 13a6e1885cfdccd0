// Package config provides YAML configuration parsing for one-app.
//
// This package enables running one-app as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
// A binary configured this way has no compiled-in modules: every module,
// the root included, is fetched from the content map and run as a script.
//
// Example configuration:
//
//	port: 3000
//	root_module: frank-lloyd-root
//	default_modules: [header, footer]
//
//	content_map:
//	  url: https://cdn.example.com/module-map.json
//	  poll_interval: 30s
//
//	circuit_breaker:
//	  error_threshold_percentage: 1
//	  reset_timeout: 10s
//	  event_loop_lag_threshold: 30
//
//	client_config:
//	  cdnUrl: ${CDN_URL:-https://cdn.example.com/}
//
// Values may reference environment variables as ${VAR} or ${VAR:-default}.
// Selected settings can also be overridden with ONE_APP_* environment
// variables, which win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort  = 3000
	defaultTitle = "One App"

	// minPollInterval keeps a misconfigured poller from hammering the CDN.
	minPollInterval = time.Second
)

// Config is the root configuration structure for one-app.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	AppConfig `yaml:",inline"`

	// ContentMap says where the module list comes from. Required.
	ContentMap ContentMapConfig `yaml:"content_map"`

	// Scripts controls how module code is loaded and run.
	Scripts ScriptsConfig `yaml:"scripts"`

	// ClientConfig is copied into every page's state and shipped to the
	// browser. String values support environment variable substitution.
	ClientConfig map[string]any `yaml:"client_config"`

	// ServerConfig is visible to modules on the server only. String values
	// support environment variable substitution.
	ServerConfig map[string]any `yaml:"server_config"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	Fetch FetchConfig `yaml:"fetch"`

	Rendering RenderingConfig `yaml:"rendering"`

	// Links are added to the document head.
	Links []LinkConfig `yaml:"links"`

	// LegacyUserAgents are regular expressions; a matching User-Agent gets
	// the legacy browser build. Internet Explorer always does.
	LegacyUserAgents []string `yaml:"legacy_user_agents"`
}

// AppConfig holds the top-level scalar settings.
type AppConfig struct {
	// Title is the document title. Defaults to "One App" if not set.
	Title string `yaml:"title" env:"ONE_APP_TITLE"`

	// Lang is the document language. Defaults to en-US.
	Lang string `yaml:"lang" env:"ONE_APP_LANG"`

	// Port is the HTTP server port. Defaults to 3000.
	Port int `yaml:"port" env:"ONE_APP_PORT"`

	// RootModule names the module that owns the page shell. Required.
	RootModule string `yaml:"root_module" env:"ONE_APP_ROOT_MODULE"`

	// DefaultModules are composed for every page after the root.
	DefaultModules []string `yaml:"default_modules" env:"ONE_APP_DEFAULT_MODULES"`

	// UseBodyForInitialState exposes the parsed request body to the root
	// module's initial state builder.
	UseBodyForInitialState bool `yaml:"use_body_for_initial_state" env:"ONE_APP_USE_BODY_FOR_INITIAL_STATE"`

	// ServiceWorker is the script the browser registers after boot, as a
	// root-relative path or http(s) URL. Empty disables registration.
	ServiceWorker string `yaml:"service_worker" env:"ONE_APP_SERVICE_WORKER"`
}

// ContentMapConfig locates the content map. Exactly one of File and URL must
// be set.
type ContentMapConfig struct {
	// File is a local JSON file, reloaded when it changes.
	File string `yaml:"file" env:"ONE_APP_CONTENT_MAP_FILE"`

	// URL is polled every PollInterval.
	URL string `yaml:"url" env:"ONE_APP_CONTENT_MAP_URL"`

	// PollInterval defaults to 30s. Must be at least 1s.
	PollInterval Duration `yaml:"poll_interval" env:"ONE_APP_CONTENT_MAP_POLL_INTERVAL"`
}

// ScriptsConfig controls script module loading.
type ScriptsConfig struct {
	// AllowMissingIntegrity accepts content map entries without a digest.
	AllowMissingIntegrity bool `yaml:"allow_missing_integrity" env:"ONE_APP_ALLOW_MISSING_INTEGRITY"`

	// ExecutionTimeout bounds every call into module code. Defaults to 2s.
	ExecutionTimeout Duration `yaml:"execution_timeout" env:"ONE_APP_SCRIPT_EXECUTION_TIMEOUT"`
}

// CircuitBreakerConfig tunes the shared breaker and the health check that
// feeds it.
type CircuitBreakerConfig struct {
	// ErrorThresholdPercentage defaults to 1.
	ErrorThresholdPercentage float64 `yaml:"error_threshold_percentage" env:"ONE_APP_ERROR_THRESHOLD_PERCENTAGE"`

	// ResetTimeout defaults to 10s.
	ResetTimeout Duration `yaml:"reset_timeout" env:"ONE_APP_RESET_TIMEOUT"`

	// EventLoopLagThreshold is in milliseconds. Anything that is not a
	// positive number leaves the default of 30 in place.
	EventLoopLagThreshold string `yaml:"event_loop_lag_threshold" env:"ONE_APP_EVENT_LOOP_LAG_THRESHOLD"`

	// HealthCheckInterval defaults to 100ms.
	HealthCheckInterval Duration `yaml:"health_check_interval" env:"ONE_APP_HEALTH_CHECK_INTERVAL"`
}

// FetchConfig tunes the outbound client modules use.
type FetchConfig struct {
	// Timeout defaults to 5s.
	Timeout Duration `yaml:"timeout" env:"ONE_APP_FETCH_TIMEOUT"`
}

// RenderingConfig sets rendering flags for every page.
type RenderingConfig struct {
	DisableScripts bool `yaml:"disable_scripts" env:"ONE_APP_DISABLE_SCRIPTS"`
	DisableStyles  bool `yaml:"disable_styles" env:"ONE_APP_DISABLE_STYLES"`
}

// LinkConfig is one link element.
type LinkConfig struct {
	Rel  string `yaml:"rel"`
	Href string `yaml:"href"`
	Type string `yaml:"type"`
}

// Duration wraps time.Duration for YAML and environment unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, which the environment
// parser uses.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// expandTree expands environment variables in every string of a decoded
// YAML value.
func expandTree(v any, path string) (any, error) {
	switch t := v.(type) {
	case string:
		expanded, err := expandEnvVars(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return expanded, nil
	case map[string]any:
		for k, item := range t {
			expanded, err := expandTree(item, path+"."+k)
			if err != nil {
				return nil, err
			}
			t[k] = expanded
		}
		return t, nil
	case []any:
		for i, item := range t {
			expanded, err := expandTree(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			t[i] = expanded
		}
		return t, nil
	default:
		return v, nil
	}
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded and ONE_APP_* overrides
// applied before validation. Returns an error if the file cannot be read or
// parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Defaults are applied for Title ("One App") and Port (3000).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg with any ONE_APP_* environment variables that are
// set. Unset variables leave the file's values alone.
func ApplyEnv(cfg *Config) error {
	// the free-form maps and the links list stay out of the environment
	// parser
	targets := []any{
		&cfg.AppConfig,
		&cfg.ContentMap,
		&cfg.Scripts,
		&cfg.CircuitBreaker,
		&cfg.Fetch,
		&cfg.Rendering,
	}
	for _, target := range targets {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.RootModule == "" {
		return errors.New("root_module is required")
	}
	for i, name := range c.DefaultModules {
		if name == "" {
			return fmt.Errorf("default_modules[%d]: name cannot be empty", i)
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.ServiceWorker != "" {
		expanded, err := expandEnvVars(c.ServiceWorker)
		if err != nil {
			return fmt.Errorf("service_worker: %w", err)
		}
		c.ServiceWorker = expanded
	}

	if err := c.ContentMap.expandAndValidate(); err != nil {
		return err
	}

	for _, section := range []struct {
		name string
		tree map[string]any
	}{
		{"client_config", c.ClientConfig},
		{"server_config", c.ServerConfig},
	} {
		if _, err := expandTree(section.tree, section.name); err != nil {
			return err
		}
	}

	if err := validateDuration("scripts.execution_timeout", c.Scripts.ExecutionTimeout); err != nil {
		return err
	}

	cb := c.CircuitBreaker
	if cb.ErrorThresholdPercentage < 0 || cb.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("circuit_breaker.error_threshold_percentage must be in (0, 100], got %v", cb.ErrorThresholdPercentage)
	}
	if err := validateDuration("circuit_breaker.reset_timeout", cb.ResetTimeout); err != nil {
		return err
	}
	if err := validateDuration("circuit_breaker.health_check_interval", cb.HealthCheckInterval); err != nil {
		return err
	}
	if cb.EventLoopLagThreshold != "" {
		// an unusable value is not fatal, the default applies
		if _, err := strconv.ParseFloat(cb.EventLoopLagThreshold, 64); err != nil {
			c.CircuitBreaker.EventLoopLagThreshold = ""
		}
	}

	if err := validateDuration("fetch.timeout", c.Fetch.Timeout); err != nil {
		return err
	}

	for i := range c.Links {
		l := &c.Links[i]
		if l.Rel == "" || l.Href == "" {
			return fmt.Errorf("links[%d]: rel and href are required", i)
		}
		expanded, err := expandEnvVars(l.Href)
		if err != nil {
			return fmt.Errorf("links[%d]: href: %w", i, err)
		}
		l.Href = expanded
	}

	for i, pattern := range c.LegacyUserAgents {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("legacy_user_agents[%d]: invalid pattern: %w", i, err)
		}
	}

	return nil
}

func (c *ContentMapConfig) expandAndValidate() error {
	switch {
	case c.File != "" && c.URL != "":
		return errors.New("content_map: set either file or url, not both")
	case c.File == "" && c.URL == "":
		return errors.New("content_map: file or url is required")
	}

	if c.File != "" {
		expanded, err := expandEnvVars(c.File)
		if err != nil {
			return fmt.Errorf("content_map.file: %w", err)
		}
		c.File = expanded
		return nil
	}

	expanded, err := expandEnvVars(c.URL)
	if err != nil {
		return fmt.Errorf("content_map.url: %w", err)
	}
	c.URL = expanded

	parsedURL, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("content_map.url: invalid url: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("content_map.url: scheme must be http or https, got %q", parsedURL.Scheme)
	}

	if c.PollInterval != 0 && c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("content_map.poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	return nil
}

// validateDuration rejects negative durations. Zero means "use the default".
func validateDuration(field string, d Duration) error {
	if d.Duration() < 0 {
		return fmt.Errorf("%s cannot be negative, got %s", field, d.Duration())
	}
	return nil
}

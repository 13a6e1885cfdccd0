package config

import (
	"fmt"

	oneapp "github.com/americanexpress/one-app-sub001"
)

// BuildOptions converts parsed configuration into SDK options.
//
// A configured binary cannot register Go modules, so script modules are
// always enabled and the root is fetched from the content map like any
// other module.
func BuildOptions(cfg *Config) ([]oneapp.Option, error) {
	opts := []oneapp.Option{
		oneapp.WithTitle(cfg.Title),
		oneapp.WithPort(cfg.Port),
		oneapp.WithRootModule(cfg.RootModule),
		oneapp.WithScriptModules(),
	}

	if cfg.Lang != "" {
		opts = append(opts, oneapp.WithLang(cfg.Lang))
	}
	if len(cfg.DefaultModules) > 0 {
		opts = append(opts, oneapp.WithDefaultModules(cfg.DefaultModules...))
	}

	switch {
	case cfg.ContentMap.File != "":
		opts = append(opts, oneapp.WithContentMapFile(cfg.ContentMap.File))
	case cfg.ContentMap.URL != "":
		opts = append(opts, oneapp.WithContentMapURL(cfg.ContentMap.URL, cfg.ContentMap.PollInterval.Duration()))
	}

	if cfg.Scripts.AllowMissingIntegrity {
		opts = append(opts, oneapp.WithAllowMissingIntegrity())
	}
	if cfg.Scripts.ExecutionTimeout != 0 {
		opts = append(opts, oneapp.WithExecutionTimeout(cfg.Scripts.ExecutionTimeout.Duration()))
	}

	if cfg.ClientConfig != nil {
		opts = append(opts, oneapp.WithClientConfig(cfg.ClientConfig))
	}
	if cfg.ServerConfig != nil {
		opts = append(opts, oneapp.WithServerConfig(cfg.ServerConfig))
	}

	cb := cfg.CircuitBreaker
	if cb.ErrorThresholdPercentage != 0 {
		opts = append(opts, oneapp.WithErrorThresholdPercentage(cb.ErrorThresholdPercentage))
	}
	if cb.ResetTimeout != 0 {
		opts = append(opts, oneapp.WithResetTimeout(cb.ResetTimeout.Duration()))
	}
	if cb.EventLoopLagThreshold != "" {
		opts = append(opts, oneapp.WithEventLoopLagThreshold(cb.EventLoopLagThreshold))
	}
	if cb.HealthCheckInterval != 0 {
		opts = append(opts, oneapp.WithHealthCheckInterval(cb.HealthCheckInterval.Duration()))
	}

	if cfg.Fetch.Timeout != 0 {
		opts = append(opts, oneapp.WithFetchTimeout(cfg.Fetch.Timeout.Duration()))
	}

	if cfg.Rendering.DisableScripts || cfg.Rendering.DisableStyles {
		opts = append(opts, oneapp.WithRendering(oneapp.RenderingContext{
			DisableScripts: cfg.Rendering.DisableScripts,
			DisableStyles:  cfg.Rendering.DisableStyles,
		}))
	}
	if cfg.UseBodyForInitialState {
		opts = append(opts, oneapp.WithUseBodyForInitialState())
	}

	if cfg.ServiceWorker != "" {
		opts = append(opts, oneapp.WithServiceWorker(cfg.ServiceWorker))
	}

	if len(cfg.Links) > 0 {
		links := make([]oneapp.Link, 0, len(cfg.Links))
		for _, l := range cfg.Links {
			links = append(links, oneapp.Link{Rel: l.Rel, Href: l.Href, Type: l.Type})
		}
		opts = append(opts, oneapp.WithLinks(links...))
	}

	classifier, err := buildClassifier(cfg.LegacyUserAgents)
	if err != nil {
		return nil, err
	}
	if classifier != nil {
		opts = append(opts, oneapp.WithCapabilityClassifier(classifier))
	}

	return opts, nil
}

// buildClassifier tries each legacy pattern in order before falling back to
// the built-in browser check. Returns nil when no patterns are configured.
func buildClassifier(patterns []string) (oneapp.CapabilityClassifier, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	classifiers := make([]oneapp.CapabilityClassifier, 0, len(patterns)+1)
	for i, pattern := range patterns {
		c, err := oneapp.UserAgentPattern(pattern, oneapp.Legacy)
		if err != nil {
			return nil, fmt.Errorf("legacy_user_agents[%d]: %w", i, err)
		}
		classifiers = append(classifiers, c)
	}
	classifiers = append(classifiers, oneapp.ModernBrowserClassifier)

	return oneapp.FirstMatch(classifiers...), nil
}

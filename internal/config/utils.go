package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// parseField resolves env variable and parses value with proper error context
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

// resolveEnvInt resolves an "os.environ/VAR" reference (if any) then parses
// the result as an int, falling back to defaultValue on an empty input.
func resolveEnvInt(value string, defaultValue int) (int, error) {
	return parseField(value, defaultValue, strconv.Atoi, "int")
}

// resolveEnvBool resolves an "os.environ/VAR" reference (if any) then
// parses the result as a bool, falling back to defaultValue on an empty
// input.
func resolveEnvBool(value string, defaultValue bool) (bool, error) {
	return parseField(value, defaultValue, strconv.ParseBool, "bool")
}

// resolveEnvDuration resolves an "os.environ/VAR" reference (if any) then
// parses the result as a time.Duration, falling back to defaultValue on an
// empty input.
func resolveEnvDuration(value string, defaultValue time.Duration) (time.Duration, error) {
	return parseField(value, defaultValue, time.ParseDuration, "duration")
}

// validateBaseURL validates that a URL is properly formed with http/https scheme
func validateBaseURL(credentialName, baseURL string) error {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("credential %s: invalid base_url: %w", credentialName, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("credential %s: base_url must use http or https scheme, got: %s", credentialName, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("credential %s: base_url must have a host", credentialName)
	}
	return nil
}

// PrintConfig outputs the configuration in a structured, readable format to the logger
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"logging_level", cfg.Server.LoggingLevel,
	)

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
	)

	logger.Info("credentials",
		"total_count", len(cfg.Credentials),
	)
	for i, cred := range cfg.Credentials {
		logger.Info(fmt.Sprintf("  [%d] credential", i),
			"name", cred.Name,
			"type", cred.Type,
		)
	}

	logger.Info("aggregates",
		"total_count", len(cfg.Aggregates),
	)
	for name, agg := range cfg.Aggregates {
		logger.Info(fmt.Sprintf("  aggregate %s", name),
			"limit", agg.Limit,
			"window", agg.Window.String(),
			"window_steps", len(agg.Windows),
			"concurrent", agg.Concurrent,
			"asynchronous", agg.Asynchronous,
		)
	}

	if cfg.LiteLLMDB.Enabled {
		logger.Info("litellm_db (ENABLED)",
			"is_required", cfg.LiteLLMDB.IsRequired,
			"max_conns", cfg.LiteLLMDB.MaxConns,
			"min_conns", cfg.LiteLLMDB.MinConns,
			"health_check_interval", cfg.LiteLLMDB.HealthCheckInterval.String(),
			"connect_timeout", cfg.LiteLLMDB.ConnectTimeout.String(),
			"log_batch_size", cfg.LiteLLMDB.LogBatchSize,
			"log_flush_interval", cfg.LiteLLMDB.LogFlushInterval.String(),
		)
	} else {
		logger.Info("litellm_db", "status", "DISABLED")
	}

	logger.Info("=== Configuration Ready ===")
}

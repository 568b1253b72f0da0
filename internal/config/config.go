package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batchwise/coalesce/internal/coalesce"
)

// ProviderType identifies which credential kind a CredentialConfig entry
// describes. Only the providers internal/auth and internal/inference
// actually know how to drive are valid.
type ProviderType string

const (
	ProviderTypeVertexAI  ProviderType = "vertex-ai"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeGenAI     ProviderType = "genai"
)

// IsValid checks if the provider type is valid
func (p ProviderType) IsValid() bool {
	switch p {
	case ProviderTypeVertexAI, ProviderTypeAnthropic, ProviderTypeGenAI:
		return true
	}
	return false
}

// Config is the top-level application configuration: how the server
// listens, which credentials it holds, where it writes spend logs, and
// one or more named coalescing aggregates.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Monitoring  MonitoringConfig          `yaml:"monitoring"`
	Credentials []CredentialConfig        `yaml:"credentials"`
	LiteLLMDB   LiteLLMDBConfig           `yaml:"litellm_db,omitempty"`
	Aggregates  map[string]AggregateConfig `yaml:"aggregates"`
}

// ServerConfig holds the handful of process-level settings left once the
// HTTP proxy surface (ports, timeouts, body size limits) was replaced by a
// much smaller demo/metrics entrypoint.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	LoggingLevel string `yaml:"logging_level"`
	MasterKey    string `yaml:"master_key,omitempty"`
}

// UnmarshalYAML implements custom unmarshaling for ServerConfig with env variable support
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port         string `yaml:"port"`
		LoggingLevel string `yaml:"logging_level"`
		MasterKey    string `yaml:"master_key,omitempty"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if temp.Port != "" {
		s.Port, err = resolveEnvInt(temp.Port, 8080)
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
	}

	s.LoggingLevel = resolveEnvString(temp.LoggingLevel)
	s.MasterKey = resolveEnvString(temp.MasterKey)

	return nil
}

// MonitoringConfig controls the /metrics endpoint and process-level
// health reporting.
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// UnmarshalYAML implements custom unmarshaling for MonitoringConfig with env variable support
func (m *MonitoringConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		PrometheusEnabled string `yaml:"prometheus_enabled"`
		HealthCheckPath   string `yaml:"health_check_path"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if temp.PrometheusEnabled != "" {
		m.PrometheusEnabled, err = resolveEnvBool(temp.PrometheusEnabled, true)
		if err != nil {
			return fmt.Errorf("invalid prometheus_enabled: %w", err)
		}
	}
	m.HealthCheckPath = resolveEnvString(temp.HealthCheckPath)

	return nil
}

// CredentialConfig describes one upstream credential: a Vertex AI service
// account, an Anthropic API key, or a Gemini (genai) API key. Each is
// loaded once at startup and handed to the aggregate(s) that need it.
type CredentialConfig struct {
	Name    string       `yaml:"name"`
	Type    ProviderType `yaml:"type"`
	APIKey  string       `yaml:"api_key,omitempty"`
	BaseURL string       `yaml:"base_url,omitempty"`

	// Vertex AI specific fields
	ProjectID       string `yaml:"project_id,omitempty"`
	Location        string `yaml:"location,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	CredentialsJSON string `yaml:"credentials_json,omitempty"`
}

// UnmarshalYAML implements custom unmarshaling for CredentialConfig with env variable support
func (c *CredentialConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Name            string `yaml:"name"`
		Type            string `yaml:"type"`
		APIKey          string `yaml:"api_key,omitempty"`
		BaseURL         string `yaml:"base_url,omitempty"`
		ProjectID       string `yaml:"project_id,omitempty"`
		Location        string `yaml:"location,omitempty"`
		CredentialsFile string `yaml:"credentials_file,omitempty"`
		CredentialsJSON string `yaml:"credentials_json,omitempty"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	c.Name = resolveEnvString(temp.Name)
	c.Type = ProviderType(resolveEnvString(temp.Type))
	c.APIKey = resolveEnvString(temp.APIKey)
	c.BaseURL = resolveEnvString(temp.BaseURL)
	c.ProjectID = resolveEnvString(temp.ProjectID)
	c.Location = resolveEnvString(temp.Location)
	c.CredentialsFile = resolveEnvString(temp.CredentialsFile)
	c.CredentialsJSON = resolveEnvString(temp.CredentialsJSON)

	if c.BaseURL != "" {
		if err := validateBaseURL(c.Name, c.BaseURL); err != nil {
			return err
		}
	}

	return nil
}

// LiteLLMDBConfig configures the spend-log writer's database connection
// and flush policy. The flush policy fields (LogBatchSize,
// LogFlushInterval, ...) feed directly into the coalesce.Options the
// writer builds — see internal/litellmdb/spendlog/writer.go.
type LiteLLMDBConfig struct {
	Enabled             bool          `yaml:"enabled"`
	IsRequired          bool          `yaml:"is_required,omitempty"`
	DatabaseURL         string        `yaml:"database_url"`
	MaxConns            int32         `yaml:"max_conns,omitempty"`
	MinConns            int32         `yaml:"min_conns,omitempty"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout,omitempty"`
	LogBatchSize        int           `yaml:"log_batch_size,omitempty"`
	LogFlushInterval    time.Duration `yaml:"log_flush_interval,omitempty"`
	LogRetryAttempts    int           `yaml:"log_retry_attempts,omitempty"`
	LogRetryDelay       time.Duration `yaml:"log_retry_delay,omitempty"`
}

// UnmarshalYAML implements custom unmarshaling for LiteLLMDBConfig with env variable support
func (l *LiteLLMDBConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled             string `yaml:"enabled"`
		IsRequired          string `yaml:"is_required,omitempty"`
		DatabaseURL         string `yaml:"database_url"`
		MaxConns            string `yaml:"max_conns,omitempty"`
		MinConns            string `yaml:"min_conns,omitempty"`
		HealthCheckInterval string `yaml:"health_check_interval,omitempty"`
		ConnectTimeout      string `yaml:"connect_timeout,omitempty"`
		LogBatchSize        string `yaml:"log_batch_size,omitempty"`
		LogFlushInterval    string `yaml:"log_flush_interval,omitempty"`
		LogRetryAttempts    string `yaml:"log_retry_attempts,omitempty"`
		LogRetryDelay       string `yaml:"log_retry_delay,omitempty"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if temp.Enabled != "" {
		l.Enabled, err = resolveEnvBool(temp.Enabled, false)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.enabled: %w", err)
		}
	}
	if temp.IsRequired != "" {
		l.IsRequired, err = resolveEnvBool(temp.IsRequired, false)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.is_required: %w", err)
		}
	}
	l.DatabaseURL = resolveEnvString(temp.DatabaseURL)

	if temp.MaxConns != "" {
		v, err := resolveEnvInt(temp.MaxConns, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.max_conns: %w", err)
		}
		l.MaxConns = int32(v)
	}
	if temp.MinConns != "" {
		v, err := resolveEnvInt(temp.MinConns, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.min_conns: %w", err)
		}
		l.MinConns = int32(v)
	}
	if temp.HealthCheckInterval != "" {
		l.HealthCheckInterval, err = resolveEnvDuration(temp.HealthCheckInterval, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.health_check_interval: %w", err)
		}
	}
	if temp.ConnectTimeout != "" {
		l.ConnectTimeout, err = resolveEnvDuration(temp.ConnectTimeout, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.connect_timeout: %w", err)
		}
	}
	if temp.LogBatchSize != "" {
		l.LogBatchSize, err = resolveEnvInt(temp.LogBatchSize, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.log_batch_size: %w", err)
		}
	}
	if temp.LogFlushInterval != "" {
		l.LogFlushInterval, err = resolveEnvDuration(temp.LogFlushInterval, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.log_flush_interval: %w", err)
		}
	}
	if temp.LogRetryAttempts != "" {
		l.LogRetryAttempts, err = resolveEnvInt(temp.LogRetryAttempts, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.log_retry_attempts: %w", err)
		}
	}
	if temp.LogRetryDelay != "" {
		l.LogRetryDelay, err = resolveEnvDuration(temp.LogRetryDelay, 0)
		if err != nil {
			return fmt.Errorf("invalid litellm_db.log_retry_delay: %w", err)
		}
	}

	return nil
}

// AggregateConfig is one named entry of the `aggregates:` map — the
// declarative form of coalesce.Options. `window<N>` entries become the
// dynamic Windows family: the smallest configured call-size threshold that
// is >= the batch's current size applies; once the batch grows past every
// threshold, Window (the default) applies instead.
type AggregateConfig struct {
	Limit         int                      `yaml:"limit"`
	Window        time.Duration            `yaml:"window"`
	Windows       map[int]time.Duration    `yaml:"-"`
	Concurrent    int                      `yaml:"concurrent,omitempty"`
	Asynchronous  bool                     `yaml:"asynchronous,omitempty"`
}

// UnmarshalYAML implements custom unmarshaling for AggregateConfig. The
// window<N> family is collected from any scalar YAML key matching that
// pattern, since a fixed struct field can't represent an open-ended set
// of call-size thresholds.
func (a *AggregateConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Limit        string `yaml:"limit"`
		Window       string `yaml:"window"`
		Concurrent   string `yaml:"concurrent,omitempty"`
		Asynchronous string `yaml:"asynchronous,omitempty"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if temp.Limit != "" {
		a.Limit, err = resolveEnvInt(temp.Limit, 0)
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
	}
	if temp.Window != "" {
		a.Window, err = resolveEnvDuration(temp.Window, 0)
		if err != nil {
			return fmt.Errorf("invalid window: %w", err)
		}
	}
	if temp.Concurrent != "" {
		a.Concurrent, err = resolveEnvInt(temp.Concurrent, 0)
		if err != nil {
			return fmt.Errorf("invalid concurrent: %w", err)
		}
	}
	if temp.Asynchronous != "" {
		a.Asynchronous, err = resolveEnvBool(temp.Asynchronous, false)
		if err != nil {
			return fmt.Errorf("invalid asynchronous: %w", err)
		}
	}

	// Raw map decode picks up the window<N> family alongside the fields
	// already consumed above.
	var raw map[string]string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for key, v := range raw {
		if !strings.HasPrefix(key, "window") || key == "window" {
			continue
		}
		var callSize int
		if _, err := fmt.Sscanf(key, "window%d", &callSize); err != nil {
			continue
		}
		d, err := resolveEnvDuration(v, 0)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if a.Windows == nil {
			a.Windows = make(map[int]time.Duration)
		}
		a.Windows[callSize] = d
	}

	return nil
}

// ToOptions builds the coalesce.Options this aggregate declares,
// including the strictly-ascending WindowStep slice the engine expects.
func (a AggregateConfig) ToOptions(name string, logger *slog.Logger, metricsEnabled bool) coalesce.Options {
	callSizes := make([]int, 0, len(a.Windows))
	for cs := range a.Windows {
		callSizes = append(callSizes, cs)
	}
	sort.Ints(callSizes)

	steps := make([]coalesce.WindowStep, 0, len(callSizes))
	for _, cs := range callSizes {
		steps = append(steps, coalesce.WindowStep{CallSize: cs, Window: a.Windows[cs]})
	}

	return coalesce.Options{
		Limit:           a.Limit,
		Window:          a.Window,
		Windows:         steps,
		ConcurrentLimit: a.Concurrent,
		Asynchronous:    a.Asynchronous,
		Name:            name,
		Logger:          logger,
		Metrics:         coalesce.NewMetrics(name, metricsEnabled),
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize cleans up configuration values
func (c *Config) Normalize() {
	for i := range c.Credentials {
		c.Credentials[i].BaseURL = strings.TrimSuffix(c.Credentials[i].BaseURL, "/v1")
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.LoggingLevel != "" {
		validLevels := map[string]bool{"info": true, "debug": true, "error": true}
		if !validLevels[c.Server.LoggingLevel] {
			return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
		}
	} else {
		c.Server.LoggingLevel = "info"
	}

	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}

	if len(c.Credentials) == 0 {
		return fmt.Errorf("no credentials configured")
	}

	for i, cred := range c.Credentials {
		if cred.Name == "" {
			return fmt.Errorf("credential %d: name is required", i)
		}

		if !cred.Type.IsValid() {
			return fmt.Errorf("credential %s: invalid type: %s (must be 'vertex-ai', 'anthropic', or 'genai')", cred.Name, cred.Type)
		}

		if cred.BaseURL != "" {
			if err := validateBaseURL(cred.Name, cred.BaseURL); err != nil {
				return err
			}
		}

		switch cred.Type {
		case ProviderTypeVertexAI:
			if cred.ProjectID == "" {
				return fmt.Errorf("credential %s: project_id is required for vertex-ai type", cred.Name)
			}
			if cred.Location == "" {
				return fmt.Errorf("credential %s: location is required for vertex-ai type", cred.Name)
			}
			if cred.APIKey == "" && cred.CredentialsFile == "" && cred.CredentialsJSON == "" {
				return fmt.Errorf("credential %s: api_key, credentials_file, or credentials_json is required for vertex-ai type", cred.Name)
			}
			if cred.CredentialsFile != "" {
				if _, err := os.Stat(cred.CredentialsFile); err != nil {
					return fmt.Errorf("credential %s: credentials_file does not exist or is not accessible: %w", cred.Name, err)
				}
			}

		default:
			// anthropic, genai
			if cred.APIKey == "" {
				return fmt.Errorf("credential %s: api_key is required", cred.Name)
			}
		}
	}

	for name, agg := range c.Aggregates {
		if agg.Limit <= 0 {
			return fmt.Errorf("aggregate %s: invalid limit: %d", name, agg.Limit)
		}
		if agg.Window <= 0 {
			return fmt.Errorf("aggregate %s: invalid window: %v", name, agg.Window)
		}
	}

	if c.LiteLLMDB.Enabled {
		if c.LiteLLMDB.DatabaseURL == "" {
			return fmt.Errorf("litellm_db.database_url is required when enabled")
		}
	}

	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
// Values come from defaults, then an optional YAML file, then the environment.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration
	FlowTTL  time.Duration

	// Observability
	OTLPEndpoint string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// Classifier
	ClassifierBackend string // agent, gemini or none
	AgentAPIURL       string
	GeminiAPIKey      string
	GeminiModel       string

	// Background jobs
	JobPollInterval time.Duration
	JobBatchSize    int
	JobWatchMode    string // poll or push

	// Notifications
	NotificationSweepInterval time.Duration
	NotificationMaxAge        time.Duration

	// Import rules
	InformationalPhrases []string
	ReversalMarkers      []string
	PixCreditMarkers     []string
}

// Load reads configuration. envFile is loaded first without overriding
// variables already set; a missing file is ignored.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("import_config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port:     v.GetInt("port"),
		LogLevel: v.GetString("log_level"),

		HTTPTimeout: v.GetDuration("http_timeout"),

		MaxRetries:     v.GetInt("max_retries"),
		InitialBackoff: v.GetDuration("initial_backoff"),
		MaxConcurrency: v.GetInt("max_concurrency"),

		CacheTTL: v.GetDuration("cache_ttl"),
		FlowTTL:  v.GetDuration("flow_ttl"),

		OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),

		SupabaseURL:        v.GetString("supabase_url"),
		SupabaseAnonKey:    v.GetString("supabase_anon_key"),
		SupabaseServiceKey: v.GetString("supabase_service_role_key"),

		ClassifierBackend: strings.ToLower(v.GetString("classifier_backend")),
		AgentAPIURL:       v.GetString("agent_api_url"),
		GeminiAPIKey:      v.GetString("gemini_api_key"),
		GeminiModel:       v.GetString("gemini_model"),

		JobPollInterval: v.GetDuration("job_poll_interval"),
		JobBatchSize:    v.GetInt("job_batch_size"),
		JobWatchMode:    strings.ToLower(v.GetString("job_watch_mode")),

		NotificationSweepInterval: v.GetDuration("notification_sweep_interval"),
		NotificationMaxAge:        v.GetDuration("notification_max_age"),

		InformationalPhrases: list(v, "informational_phrases"),
		ReversalMarkers:      list(v, "reversal_markers"),
		PixCreditMarkers:     list(v, "pix_credit_markers"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("http_timeout", 10*time.Second)

	v.SetDefault("max_retries", 3)
	v.SetDefault("initial_backoff", 100*time.Millisecond)
	v.SetDefault("max_concurrency", 4)

	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("flow_ttl", 2*time.Hour)

	v.SetDefault("otel_exporter_otlp_endpoint", "")

	v.SetDefault("supabase_url", "")
	v.SetDefault("supabase_anon_key", "")
	v.SetDefault("supabase_service_role_key", "")

	v.SetDefault("classifier_backend", "agent")
	v.SetDefault("agent_api_url", "http://localhost:8090")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "gemini-2.5-flash")

	v.SetDefault("job_poll_interval", 5*time.Second)
	v.SetDefault("job_batch_size", 10)
	v.SetDefault("job_watch_mode", "push")

	v.SetDefault("notification_sweep_interval", time.Hour)
	v.SetDefault("notification_max_age", 7*24*time.Hour)

	v.SetDefault("import_config_file", "")
	v.SetDefault("informational_phrases", []string{})
	v.SetDefault("reversal_markers", []string{})
	v.SetDefault("pix_credit_markers", []string{})
}

// list reads a string list. From the environment it is comma separated;
// from YAML it is a sequence. Empty lists mean "use the built-in defaults".
func list(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("PORT must be positive, got %d", c.Port)
	}
	switch c.ClassifierBackend {
	case "agent", "gemini", "none":
	default:
		return fmt.Errorf("CLASSIFIER_BACKEND must be agent, gemini or none, got %q", c.ClassifierBackend)
	}
	if c.ClassifierBackend == "gemini" && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when CLASSIFIER_BACKEND=gemini")
	}
	switch c.JobWatchMode {
	case "poll", "push":
	default:
		return fmt.Errorf("JOB_WATCH_MODE must be poll or push, got %q", c.JobWatchMode)
	}
	if c.JobPollInterval <= 0 {
		return fmt.Errorf("JOB_POLL_INTERVAL must be positive")
	}
	if c.NotificationSweepInterval <= 0 {
		return fmt.Errorf("NOTIFICATION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

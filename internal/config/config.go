package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"admitq/internal/admission"
	"admitq/internal/beat"
	"admitq/internal/executor"
	"admitq/internal/resources"
)

type Config struct {
	Mode              string
	CheckInterval     time.Duration // How often the dispatcher re-checks the queue head
	HeartbeatInterval time.Duration
	SubscriberBuffer  int
	ShutdownTimeout   time.Duration // How long to wait for running tasks on shutdown
	CPUSampleInterval time.Duration // 0 measures since the previous reading
	MetricsInterval   time.Duration

	ListenAddr  string
	DatabaseURL string // Optional; enables the history archive

	LogLevel  string
	LogFormat string

	Auth AuthConfig
	TLS  TLSConfig

	AllowedJobs    []string
	MaxOutputBytes int
	Jobs           []executor.Definition
	Periodic       []beat.Entry
}

type AuthConfig struct {
	Secret          string
	AllowQueryToken bool
	StreamTokenTTL  time.Duration
	AllowCIDRs      []string
	Limit           int
	Window          time.Duration
	MaxEntries      int
}

type TLSConfig struct {
	Cert     string
	Key      string
	ClientCA string
}

func DefaultConfig() *Config {
	return &Config{
		Mode:              admission.StrictMode.Name,
		CheckInterval:     5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SubscriberBuffer:  64,
		ShutdownTimeout:   30 * time.Second,
		CPUSampleInterval: resources.DefaultCPUSampleInterval,
		MetricsInterval:   15 * time.Second,
		ListenAddr:        ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
		Auth: AuthConfig{
			StreamTokenTTL: time.Minute,
			Limit:          30,
			Window:         time.Minute,
			MaxEntries:     1000,
		},
		MaxOutputBytes: 1024 * 1024,
	}
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "Admission mode (strict|relaxed)")
	fs.DurationVar(&c.CheckInterval, "check-interval", c.CheckInterval, "Interval between queue checks")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "Interval between event heartbeats")
	fs.IntVar(&c.SubscriberBuffer, "subscriber-buffer", c.SubscriberBuffer, "Events buffered per subscriber before it is dropped")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for running tasks on shutdown")
	fs.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string for the history archive")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (json|text)")
	fs.Func("allowed-jobs", "Comma-separated job name patterns allowed over the API", func(value string) error {
		c.AllowedJobs = splitList(value)
		return nil
	})
}

// ApplyEnv overlays environment variables. Unset variables leave the
// current value alone.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if strings.EqualFold(strings.TrimSpace(getenv("TRADING_BOT_DEV_MODE")), "true") {
		cfg.Mode = admission.RelaxedMode.Name
	}
	if v := getenv("ADMITQ_MODE"); v != "" {
		cfg.Mode = v
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHECK_INTERVAL", &cfg.CheckInterval},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CPU_SAMPLE_INTERVAL", &cfg.CPUSampleInterval},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := parseDurationField(d.key, v)
			if err != nil {
				return err
			}
			*d.dst = parsed
		}
	}
	if v := getenv("SUBSCRIBER_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SUBSCRIBER_BUFFER: %w", err)
		}
		cfg.SubscriberBuffer = n
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := getenv("ALLOWED_JOBS"); v != "" {
		cfg.AllowedJobs = splitList(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	return nil
}

func (c *Config) AdmissionMode() (admission.Mode, error) {
	return admission.ParseMode(c.Mode)
}

func (c *Config) Validate() error {
	if _, err := c.AdmissionMode(); err != nil {
		return err
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	if c.CPUSampleInterval < 0 {
		return fmt.Errorf("cpu_sample_interval must not be negative")
	}
	if c.Auth.StreamTokenTTL <= 0 {
		return fmt.Errorf("server.stream_token_ttl must be positive")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.TLS.ClientCA != "" && c.TLS.Cert == "" {
		return fmt.Errorf("server.tls_client_ca requires server.tls_cert")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

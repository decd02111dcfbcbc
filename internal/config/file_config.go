package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"admitq/internal/beat"
	"admitq/internal/executor"
	"admitq/internal/models"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"admitq.yaml",
	"admitq.yml",
	"admitq.toml",
	".admitq.yaml",
	".admitq.yml",
	".admitq.toml",
}

type FileConfig struct {
	Mode      string              `yaml:"mode" toml:"mode"`
	DSN       string              `yaml:"dsn" toml:"dsn"`
	Scheduler SchedulerFileConfig `yaml:"scheduler" toml:"scheduler"`
	Server    ServerFileConfig    `yaml:"server" toml:"server"`
	Log       LogFileConfig       `yaml:"log" toml:"log"`
	Jobs      JobsFileConfig      `yaml:"jobs" toml:"jobs"`
	Periodic  []beat.Entry        `yaml:"periodic" toml:"periodic"`
}

type SchedulerFileConfig struct {
	CheckInterval     string `yaml:"check_interval" toml:"check_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ShutdownTimeout   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	CPUSampleInterval string `yaml:"cpu_sample_interval" toml:"cpu_sample_interval"`
	MetricsInterval   string `yaml:"metrics_interval" toml:"metrics_interval"`
	SubscriberBuffer  *int   `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
}

type ServerFileConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	AuthSecret      string   `yaml:"auth_secret" toml:"auth_secret"`
	AllowQueryToken *bool    `yaml:"allow_query_token" toml:"allow_query_token"`
	StreamTokenTTL  string   `yaml:"stream_token_ttl" toml:"stream_token_ttl"`
	AllowCIDRs      []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit       *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow      string   `yaml:"auth_window" toml:"auth_window"`
	AuthMaxEntries  *int     `yaml:"auth_max_entries" toml:"auth_max_entries"`
	TLSCert         string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey          string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA     string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

type LogFileConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type JobsFileConfig struct {
	Allowed        []string        `yaml:"allowed" toml:"allowed"`
	MaxOutputBytes *int            `yaml:"max_output_bytes" toml:"max_output_bytes"`
	Commands       []JobFileConfig `yaml:"commands" toml:"commands"`
}

type JobFileConfig struct {
	Name     string   `yaml:"name" toml:"name"`
	TaskType string   `yaml:"task_type" toml:"task_type"`
	Command  []string `yaml:"command" toml:"command"`
	Timeout  string   `yaml:"timeout" toml:"timeout"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("ADMITQ_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.Mode != "" {
		cfg.Mode = fileCfg.Mode
	}
	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"scheduler.check_interval", fileCfg.Scheduler.CheckInterval, &cfg.CheckInterval},
		{"scheduler.heartbeat_interval", fileCfg.Scheduler.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"scheduler.shutdown_timeout", fileCfg.Scheduler.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"scheduler.cpu_sample_interval", fileCfg.Scheduler.CPUSampleInterval, &cfg.CPUSampleInterval},
		{"scheduler.metrics_interval", fileCfg.Scheduler.MetricsInterval, &cfg.MetricsInterval},
		{"server.stream_token_ttl", fileCfg.Server.StreamTokenTTL, &cfg.Auth.StreamTokenTTL},
		{"server.auth_window", fileCfg.Server.AuthWindow, &cfg.Auth.Window},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	if fileCfg.Scheduler.SubscriberBuffer != nil {
		cfg.SubscriberBuffer = *fileCfg.Scheduler.SubscriberBuffer
	}

	if fileCfg.Server.Addr != "" {
		cfg.ListenAddr = fileCfg.Server.Addr
	}
	if fileCfg.Server.AuthSecret != "" {
		cfg.Auth.Secret = fileCfg.Server.AuthSecret
	}
	if fileCfg.Server.AllowQueryToken != nil {
		cfg.Auth.AllowQueryToken = *fileCfg.Server.AllowQueryToken
	}
	if len(fileCfg.Server.AllowCIDRs) > 0 {
		cfg.Auth.AllowCIDRs = append([]string{}, fileCfg.Server.AllowCIDRs...)
	}
	if fileCfg.Server.AuthLimit != nil {
		cfg.Auth.Limit = *fileCfg.Server.AuthLimit
	}
	if fileCfg.Server.AuthMaxEntries != nil {
		cfg.Auth.MaxEntries = *fileCfg.Server.AuthMaxEntries
	}
	if fileCfg.Server.TLSCert != "" {
		cfg.TLS.Cert = fileCfg.Server.TLSCert
	}
	if fileCfg.Server.TLSKey != "" {
		cfg.TLS.Key = fileCfg.Server.TLSKey
	}
	if fileCfg.Server.TLSClientCA != "" {
		cfg.TLS.ClientCA = fileCfg.Server.TLSClientCA
	}

	if fileCfg.Log.Level != "" {
		cfg.LogLevel = fileCfg.Log.Level
	}
	if fileCfg.Log.Format != "" {
		cfg.LogFormat = fileCfg.Log.Format
	}

	if len(fileCfg.Jobs.Allowed) > 0 {
		cfg.AllowedJobs = append([]string{}, fileCfg.Jobs.Allowed...)
	}
	if fileCfg.Jobs.MaxOutputBytes != nil {
		cfg.MaxOutputBytes = *fileCfg.Jobs.MaxOutputBytes
	}
	for _, job := range fileCfg.Jobs.Commands {
		def := executor.Definition{
			Name:     job.Name,
			TaskType: models.TaskType(strings.ToLower(strings.TrimSpace(job.TaskType))),
			Command:  append([]string{}, job.Command...),
		}
		if job.Timeout != "" {
			parsed, err := parseDurationField("jobs.commands."+job.Name+".timeout", job.Timeout)
			if err != nil {
				return err
			}
			def.Timeout = parsed
		}
		cfg.Jobs = append(cfg.Jobs, def)
	}
	if len(fileCfg.Periodic) > 0 {
		cfg.Periodic = append([]beat.Entry{}, fileCfg.Periodic...)
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/playbook/internal/scheduler"
)

// Config holds all playbook server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string   `json:"listen_addr" validate:"required,hostname_port"`
	BaseURL        string   `json:"base_url" validate:"omitempty,url"`
	Transport      string   `json:"transport" validate:"oneof=sse stdio"`
	DBDriver       string   `json:"db_driver" validate:"oneof=libsql postgres memory"`
	DBDSN          string   `json:"db_dsn" validate:"required_unless=DBDriver memory"`
	LogLevel       string   `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat      string   `json:"log_format" validate:"oneof=text json"`
	PoolSize       int      `json:"pool_size" validate:"min=1,max=1024"`
	MaxConcurrency int      `json:"max_concurrency" validate:"min=0"`
	SweepSchedule  string   `json:"sweep_schedule" validate:"required,cron"`
	Notifier       string   `json:"notifier" validate:"oneof=log gochannel kafka"`
	KafkaBrokers   []string `json:"kafka_brokers,omitempty" validate:"required_if=Notifier kafka,dive,hostname_port"`
	MetricsAddr    string   `json:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	OTLPEndpoint   string   `json:"otlp_endpoint,omitempty"`
	ServicesFile   string   `json:"services_file,omitempty" validate:"omitempty,file"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		Transport:     "sse",
		DBDriver:      "libsql",
		DBDSN:         "file:" + filepath.Join(playbookDir(), "playbook.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		PoolSize:      10,
		SweepSchedule: scheduler.DefaultSchedule,
		Notifier:      "log",
	}
}

func playbookDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playbook"
	}
	return filepath.Join(home, ".playbook")
}

func settingsPath() string {
	return filepath.Join(playbookDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and PLAYBOOK_* env vars. A
// missing settings file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"PLAYBOOK_LISTEN_ADDR":    &cfg.ListenAddr,
		"PLAYBOOK_BASE_URL":       &cfg.BaseURL,
		"PLAYBOOK_TRANSPORT":      &cfg.Transport,
		"PLAYBOOK_DB_DRIVER":      &cfg.DBDriver,
		"PLAYBOOK_DB_DSN":         &cfg.DBDSN,
		"PLAYBOOK_LOG_LEVEL":      &cfg.LogLevel,
		"PLAYBOOK_LOG_FORMAT":     &cfg.LogFormat,
		"PLAYBOOK_SWEEP_SCHEDULE": &cfg.SweepSchedule,
		"PLAYBOOK_NOTIFIER":       &cfg.Notifier,
		"PLAYBOOK_METRICS_ADDR":   &cfg.MetricsAddr,
		"PLAYBOOK_OTLP_ENDPOINT":  &cfg.OTLPEndpoint,
		"PLAYBOOK_SERVICES_FILE":  &cfg.ServicesFile,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PLAYBOOK_POOL_SIZE":       &cfg.PoolSize,
		"PLAYBOOK_MAX_CONCURRENCY": &cfg.MaxConcurrency,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("PLAYBOOK_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// finalize derives dependent fields and validates the result.
func (c *Config) finalize() error {
	if c.BaseURL == "" {
		host := c.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.BaseURL = "http://" + host
	}
	return validateConfig(*c)
}

var configValidate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := scheduler.ParseSchedule(fl.Field().String())
		return err == nil
	})
	return v
}

func validateConfig(c Config) error {
	err := configValidate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"base_url", old.BaseURL != new.BaseURL},
		{"transport", old.Transport != new.Transport},
		{"db_driver", old.DBDriver != new.DBDriver},
		{"db_dsn", old.DBDSN != new.DBDSN},
		{"log_format", old.LogFormat != new.LogFormat},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"max_concurrency", old.MaxConcurrency != new.MaxConcurrency},
		{"sweep_schedule", old.SweepSchedule != new.SweepSchedule},
		{"notifier", old.Notifier != new.Notifier},
		{"kafka_brokers", strings.Join(old.KafkaBrokers, ",") != strings.Join(new.KafkaBrokers, ",")},
		{"metrics_addr", old.MetricsAddr != new.MetricsAddr},
		{"otlp_endpoint", old.OTLPEndpoint != new.OTLPEndpoint},
		{"services_file", old.ServicesFile != new.ServicesFile},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}

package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

const (
	envPrefix     = "SAL_"
	configFileEnv = envPrefix + "CONFIG_FILE"
)

type Config struct {
	Port        string `env:"SAL_PORT,default=8080"`
	Environment string `env:"SAL_ENVIRONMENT,default=development"`
	LogLevel    string `env:"SAL_LOG_LEVEL,default=info"`
	LogFormat   string `env:"SAL_LOG_FORMAT,default=json"`

	ProjectID string `env:"SAL_PROJECT_ID,default=air-paradis-sentiment"`
	LogName   string `env:"SAL_LOG_NAME,default=air-paradis-frontend"`
	Source    string `env:"SAL_SOURCE,default=air-paradis-frontend"`

	AlertThreshold    int           `env:"SAL_ALERT_THRESHOLD,default=3"`
	AlertWindow       time.Duration `env:"SAL_ALERT_WINDOW,default=5m"`
	AlertWebhookURL   string        `env:"SAL_ALERT_WEBHOOK_URL"`
	AlertTimeout      time.Duration `env:"SAL_ALERT_TIMEOUT,default=5s"`
	RecentErrorsLimit int           `env:"SAL_RECENT_ERRORS_LIMIT,default=10"`

	LoggingEndpoint   string        `env:"SAL_LOGGING_ENDPOINT"`
	LoggingCredential string        `env:"SAL_LOGGING_CREDENTIAL"`
	BackendURL        string        `env:"SAL_BACKEND_URL"`
	ForwardTimeout    time.Duration `env:"SAL_FORWARD_TIMEOUT,default=10s"`

	DBPath                 string        `env:"SAL_DB_PATH,default=/data/sentiment-alerts.db"`
	MaxTextBytes           int           `env:"SAL_MAX_TEXT_BYTES,default=16384"`
	RetentionDays          int           `env:"SAL_RETENTION_DAYS,default=7"`
	CleanupInterval        time.Duration `env:"SAL_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval  time.Duration `env:"SAL_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB   int64         `env:"SAL_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
	CleanupDiskThreshold   float64       `env:"SAL_CLEANUP_DISK_THRESHOLD,default=80"`
	CleanupDBThresholdByte int64         `env:"SAL_CLEANUP_DB_THRESHOLD_BYTES,default=104857600"`
}

// Load reads the process environment, falling back to the TOML file named by
// SAL_CONFIG_FILE for anything the environment leaves unset.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	if path, ok := lookuper.Lookup(configFileEnv); ok && path != "" {
		fileVals, err := readFile(path)
		if err != nil {
			return nil, err
		}
		lookuper = envconfig.MultiLookuper(lookuper, envconfig.MapLookuper(fileVals))
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.AlertThreshold < 1 {
		errs = append(errs, fmt.Errorf("SAL_ALERT_THRESHOLD must be >= 1, got %d", c.AlertThreshold))
	}
	if c.AlertWindow <= 0 {
		errs = append(errs, fmt.Errorf("SAL_ALERT_WINDOW must be > 0, got %s", c.AlertWindow))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("SAL_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.RecentErrorsLimit < 0 {
		errs = append(errs, fmt.Errorf("SAL_RECENT_ERRORS_LIMIT must be >= 0, got %d", c.RecentErrorsLimit))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) WindowMinutes() int {
	return int(c.AlertWindow / time.Minute)
}

// readFile flattens a TOML document into SAL_* keys: `alert_threshold = 5`
// and `[alert] threshold = 5` both become SAL_ALERT_THRESHOLD.
func readFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		if !strings.HasPrefix(key, envPrefix) {
			key = envPrefix + key
		}
		out[key] = fmt.Sprint(v)
	}
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "sentiment-alerts %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  SAL_CONFIG_FILE=            optional TOML file, environment wins")
	fmt.Fprintln(w, "  SAL_PORT=8080")
	fmt.Fprintln(w, "  SAL_ENVIRONMENT=development")
	fmt.Fprintln(w, "  SAL_LOG_LEVEL=info")
	fmt.Fprintln(w, "  SAL_LOG_FORMAT=json")
	fmt.Fprintln(w, "  SAL_PROJECT_ID=air-paradis-sentiment")
	fmt.Fprintln(w, "  SAL_LOG_NAME=air-paradis-frontend")
	fmt.Fprintln(w, "  SAL_SOURCE=air-paradis-frontend")
	fmt.Fprintln(w, "  SAL_ALERT_THRESHOLD=3")
	fmt.Fprintln(w, "  SAL_ALERT_WINDOW=5m")
	fmt.Fprintln(w, "  SAL_ALERT_WEBHOOK_URL=")
	fmt.Fprintln(w, "  SAL_ALERT_TIMEOUT=5s")
	fmt.Fprintln(w, "  SAL_RECENT_ERRORS_LIMIT=10")
	fmt.Fprintln(w, "  SAL_LOGGING_ENDPOINT=")
	fmt.Fprintln(w, "  SAL_LOGGING_CREDENTIAL=")
	fmt.Fprintln(w, "  SAL_BACKEND_URL=")
	fmt.Fprintln(w, "  SAL_FORWARD_TIMEOUT=10s")
	fmt.Fprintln(w, "  SAL_DB_PATH=/data/sentiment-alerts.db")
	fmt.Fprintln(w, "  SAL_MAX_TEXT_BYTES=16384")
	fmt.Fprintln(w, "  SAL_RETENTION_DAYS=7")
	fmt.Fprintln(w, "  SAL_CLEANUP_INTERVAL=5m")
	fmt.Fprintln(w, "  SAL_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  SAL_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  SAL_CLEANUP_DISK_THRESHOLD=80")
	fmt.Fprintln(w, "  SAL_CLEANUP_DB_THRESHOLD_BYTES=104857600")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
}

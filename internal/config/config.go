package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL     = "https://cloud.acronis.com"
	DefaultAPITimeout  = 6000 * time.Millisecond
	DefaultConcurrency = 4
	DefaultDBDSN       = "fleetupdater.db"
	DefaultSMTPPort    = "587"
)

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Mail holds the email collaborator settings.
type Mail struct {
	Host     string
	Port     string
	Username string
	Password string
	Security string // none, starttls or ssl
	From     string
	To       []string
}

// Config is validated once at startup and passed down to the run.
type Config struct {
	Username    string
	Password    string
	BaseURL     string
	ExcludeRaw  string
	APITimeout  time.Duration
	TestMode    bool
	Concurrency int
	DBDSN       string
	LogLevel    string

	NotifyEnabled bool
	Mail          Mail
}

// Load reads an optional .env file and then the process environment.
// A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from a variable lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, fallback string) string {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
		return fallback
	}

	cfg := &Config{
		Username:   get("CLOUD_USERNAME", ""),
		Password:   get("CLOUD_PASSWORD", ""),
		BaseURL:    get("CLOUD_BASE_URL", DefaultBaseURL),
		ExcludeRaw: get("EXCLUDE_TENANT_IDS", ""),
		DBDSN:      get("DB_DSN", DefaultDBDSN),
		LogLevel:   get("LOG_LEVEL", "info"),
		Mail: Mail{
			Host:     get("SMTP_HOST", ""),
			Port:     get("SMTP_PORT", DefaultSMTPPort),
			Username: get("SMTP_USERNAME", ""),
			Password: get("SMTP_PASSWORD", ""),
			Security: get("SMTP_SECURITY", "starttls"),
			From:     get("MAIL_FROM", ""),
			To:       splitList(get("MAIL_TO", "")),
		},
	}

	var err error
	if cfg.TestMode, err = parseBool("TEST_MODE", get("TEST_MODE", "false")); err != nil {
		return nil, err
	}
	if cfg.NotifyEnabled, err = parseBool("NOTIFY_ENABLED", get("NOTIFY_ENABLED", "false")); err != nil {
		return nil, err
	}

	timeoutMS, err := parsePositiveInt("API_TIMEOUT_MS", get("API_TIMEOUT_MS", strconv.Itoa(int(DefaultAPITimeout/time.Millisecond))))
	if err != nil {
		return nil, err
	}
	cfg.APITimeout = time.Duration(timeoutMS) * time.Millisecond

	if cfg.Concurrency, err = parsePositiveInt("CONCURRENCY", get("CONCURRENCY", strconv.Itoa(DefaultConcurrency))); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Username == "" {
		return &ConfigError{Key: "CLOUD_USERNAME", Reason: "required"}
	}
	if c.Password == "" {
		return &ConfigError{Key: "CLOUD_PASSWORD", Reason: "required"}
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return &ConfigError{Key: "CLOUD_BASE_URL", Reason: fmt.Sprintf("not an http(s) URL: %q", c.BaseURL)}
	}
	if c.NotifyEnabled {
		switch {
		case c.Mail.Host == "":
			return &ConfigError{Key: "SMTP_HOST", Reason: "required when NOTIFY_ENABLED is set"}
		case c.Mail.From == "":
			return &ConfigError{Key: "MAIL_FROM", Reason: "required when NOTIFY_ENABLED is set"}
		case len(c.Mail.To) == 0:
			return &ConfigError{Key: "MAIL_TO", Reason: "required when NOTIFY_ENABLED is set"}
		}
	}
	return nil
}

// ExcludeSet parses the comma-separated exclusion list. Malformed entries are
// logged and dropped; the remaining ids are returned.
func (c *Config) ExcludeSet(log logrus.FieldLogger) map[uuid.UUID]struct{} {
	return ParseExcludeList(c.ExcludeRaw, log)
}

// ParseExcludeList parses comma-separated tenant ids.
func ParseExcludeList(raw string, log logrus.FieldLogger) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{})
	if strings.TrimSpace(raw) == "" {
		log.Info("tenant exclusion: no tenants listed")
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, err := uuid.Parse(entry)
		if err != nil {
			log.WithError(err).WithField("entry", entry).Error("tenant exclusion: failed to parse tenant id")
			continue
		}
		out[id] = struct{}{}
		log.WithField("tenant_id", id).Info("tenant exclusion: added tenant to exclusion list")
	}
	return out
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &ConfigError{Key: key, Reason: fmt.Sprintf("not a boolean: %q", value)}
	}
	return b, nil
}

func parsePositiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("not a positive integer: %q", value)}
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

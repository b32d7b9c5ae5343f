package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/logging"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	yaml "go.yaml.in/yaml/v3"
)

type PlatformConfig struct {
	ClientID          string  `yaml:"clientId"`
	ClientSecret      string  `yaml:"clientSecret"`
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// LockConfig selects the subscriber lock. TTL is the redis lock lease and
// also bounds how long a post claim outlives a crashed run.
type LockConfig struct {
	Backend  string // local or redis
	RedisURL string
	TTL      time.Duration
}

type Config struct {
	Port           string
	DatabaseURL    string
	MigrationsURL  string
	InternalSecret string
	Log            logging.Config

	Schedule             string
	PlanSyncSchedule     string
	Concurrency          int
	PublishTimeout       time.Duration
	RefreshBuffer        time.Duration
	MaxTransientAttempts int

	Lock        LockConfig
	JournalPath string

	StripeSecretKey  string
	StripePriceTiers map[string]models.PlanTier

	NotificationRetention time.Duration

	Platforms map[models.Platform]PlatformConfig
}

// fileConfig is the optional YAML overlay (ENFORCER_CONFIG=/path/enforcer.yaml).
type fileConfig struct {
	Port                 string                    `yaml:"port"`
	DatabaseURL          string                    `yaml:"databaseUrl"`
	Schedule             string                    `yaml:"schedule"`
	PlanSyncSchedule     string                    `yaml:"planSyncSchedule"`
	Concurrency          int                       `yaml:"concurrency"`
	PublishTimeout       string                    `yaml:"publishTimeout"`
	RefreshBuffer        string                    `yaml:"refreshBuffer"`
	MaxTransientAttempts int                       `yaml:"maxTransientAttempts"`
	JournalPath          string                    `yaml:"journalPath"`
	Lock                 struct {
		Backend  string `yaml:"backend"`
		RedisURL string `yaml:"redisUrl"`
		TTL      string `yaml:"ttl"`
	} `yaml:"lock"`
	Stripe struct {
		PriceTiers map[string]string `yaml:"priceTiers"`
	} `yaml:"stripe"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
}

// DefaultRateLimits are conservative; override per platform via env or YAML.
func DefaultRateLimits() map[models.Platform]PlatformConfig {
	return map[models.Platform]PlatformConfig{
		models.PlatformFacebook:  {RequestsPerSecond: 1, Burst: 2},
		models.PlatformInstagram: {RequestsPerSecond: 1, Burst: 2},
		models.PlatformLinkedIn:  {RequestsPerSecond: 1, Burst: 2},
		models.PlatformX:         {RequestsPerSecond: 1, Burst: 1},
		models.PlatformThreads:   {RequestsPerSecond: 1, Burst: 2},
	}
}

func Default() Config {
	return Config{
		Port:                  "18911",
		MigrationsURL:         "file://db/migrations",
		Log:                   logging.Config{Level: "info", Format: "console"},
		Schedule:              "@every 5m",
		PlanSyncSchedule:      "@every 1h",
		Concurrency:           4,
		PublishTimeout:        30 * time.Second,
		RefreshBuffer:         5 * time.Minute,
		MaxTransientAttempts:  3,
		Lock:                  LockConfig{Backend: "local", TTL: 2 * time.Minute},
		JournalPath:           "data/reconcile-journal",
		StripePriceTiers:      map[string]models.PlanTier{},
		NotificationRetention: 24 * time.Hour,
		Platforms:             DefaultRateLimits(),
	}
}

// Load builds the config from defaults, the optional YAML file and then the environment.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if path := strings.TrimSpace(getenv("ENFORCER_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := applyYAML(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(&cfg, getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if strings.TrimSpace(c.Lock.RedisURL) == "" {
			return fmt.Errorf("lock backend redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("invalid lock backend %q (must be 'local' or 'redis')", c.Lock.Backend)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be > 0")
	}
	return nil
}

func applyYAML(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("yaml unmarshal: %w", err)
	}
	setString(&cfg.Port, fc.Port)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.Schedule, fc.Schedule)
	setString(&cfg.PlanSyncSchedule, fc.PlanSyncSchedule)
	setString(&cfg.JournalPath, fc.JournalPath)
	setString(&cfg.Lock.Backend, fc.Lock.Backend)
	setString(&cfg.Lock.RedisURL, fc.Lock.RedisURL)
	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.MaxTransientAttempts > 0 {
		cfg.MaxTransientAttempts = fc.MaxTransientAttempts
	}

	var err error
	if cfg.PublishTimeout, err = parseDurationOrDefault("publishTimeout", fc.PublishTimeout, cfg.PublishTimeout); err != nil {
		return err
	}
	if cfg.RefreshBuffer, err = parseDurationOrDefault("refreshBuffer", fc.RefreshBuffer, cfg.RefreshBuffer); err != nil {
		return err
	}
	if cfg.Lock.TTL, err = parseDurationOrDefault("lock.ttl", fc.Lock.TTL, cfg.Lock.TTL); err != nil {
		return err
	}

	for price, tier := range fc.Stripe.PriceTiers {
		t, ok := models.ParsePlanTier(tier)
		if !ok {
			return fmt.Errorf("stripe.priceTiers.%s: unknown plan tier %q", price, tier)
		}
		cfg.StripePriceTiers[price] = t
	}

	for name, pc := range fc.Platforms {
		p, ok := models.ParsePlatform(name)
		if !ok {
			return fmt.Errorf("platforms.%s: unknown platform", name)
		}
		cur := cfg.Platforms[p]
		setString(&cur.ClientID, pc.ClientID)
		setString(&cur.ClientSecret, pc.ClientSecret)
		if pc.RequestsPerSecond > 0 {
			cur.RequestsPerSecond = pc.RequestsPerSecond
		}
		if pc.Burst > 0 {
			cur.Burst = pc.Burst
		}
		cfg.Platforms[p] = cur
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString(&cfg.Port, getenv("PORT"))
	setString(&cfg.DatabaseURL, getenv("DATABASE_URL"))
	setString(&cfg.MigrationsURL, getenv("MIGRATIONS_URL"))
	setString(&cfg.InternalSecret, getenv("INTERNAL_SECRET"))
	setString(&cfg.Log.Level, getenv("LOG_LEVEL"))
	setString(&cfg.Log.Format, getenv("LOG_FORMAT"))
	setString(&cfg.Schedule, getenv("ENFORCEMENT_SCHEDULE"))
	setString(&cfg.PlanSyncSchedule, getenv("PLAN_SYNC_SCHEDULE"))
	setString(&cfg.Lock.Backend, getenv("LOCK_BACKEND"))
	setString(&cfg.Lock.RedisURL, getenv("REDIS_URL"))
	setString(&cfg.JournalPath, getenv("JOURNAL_PATH"))
	setString(&cfg.StripeSecretKey, getenv("STRIPE_SECRET_KEY"))

	cfg.Concurrency = parseIntFromEnv(getenv, "ENFORCEMENT_CONCURRENCY", cfg.Concurrency)
	cfg.MaxTransientAttempts = parseIntFromEnv(getenv, "MAX_TRANSIENT_ATTEMPTS", cfg.MaxTransientAttempts)
	cfg.PublishTimeout = ParseIntervalFromEnv(getenv, "PUBLISH_TIMEOUT_SECONDS", cfg.PublishTimeout)
	cfg.RefreshBuffer = ParseIntervalFromEnv(getenv, "TOKEN_REFRESH_BUFFER_SECONDS", cfg.RefreshBuffer)
	cfg.Lock.TTL = ParseIntervalFromEnv(getenv, "LOCK_TTL_SECONDS", cfg.Lock.TTL)
	if h := parseIntFromEnv(getenv, "NOTIFICATION_RETENTION_HOURS", 0); h > 0 {
		cfg.NotificationRetention = time.Duration(h) * time.Hour
	}

	// STRIPE_PRICE_TIERS=price_123=starter,price_456=growth
	for _, pair := range strings.Split(getenv("STRIPE_PRICE_TIERS"), ",") {
		price, tier, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if t, valid := models.ParsePlanTier(tier); valid && strings.TrimSpace(price) != "" {
			cfg.StripePriceTiers[strings.TrimSpace(price)] = t
		}
	}

	// Env vars, e.g.:
	// LINKEDIN_CLIENT_ID=...
	// LINKEDIN_CLIENT_SECRET=...
	// PUBLISH_X_RPS=0.5
	// PUBLISH_X_BURST=1
	for _, p := range models.Platforms {
		cur := cfg.Platforms[p]
		name := strings.ToUpper(string(p))
		setString(&cur.ClientID, getenv(name+"_CLIENT_ID"))
		setString(&cur.ClientSecret, getenv(name+"_CLIENT_SECRET"))
		if v := getenv("PUBLISH_" + name + "_RPS"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				cur.RequestsPerSecond = f
			}
		}
		cur.Burst = parseIntFromEnv(getenv, "PUBLISH_"+name+"_BURST", cur.Burst)
		cfg.Platforms[p] = cur
	}
}

// ParseIntervalFromEnv reads a positive number of seconds; anything else yields def.
func ParseIntervalFromEnv(getenv func(string) string, key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func parseIntFromEnv(getenv func(string) string, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func setString(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

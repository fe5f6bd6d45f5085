package wearables

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig carries one vendor's credentials and tuning. Endpoint URLs
// default to the vendor's production hosts so deployments only set them in
// tests or when pointed at a sandbox.
type ProviderConfig struct {
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	RedirectURI      string   `yaml:"redirect_uri"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	VerificationCode string   `yaml:"verification_code"`
	RateBudget       int      `yaml:"rate_budget" binding:"gte=0"`
	RateWindowSecs   int      `yaml:"rate_window_seconds" binding:"gte=0"`
	PageSize         int      `yaml:"page_size" binding:"gte=0"`
	PullDataTypes    []string `yaml:"pull_data_types"`
	AuthURL          string   `yaml:"auth_url"`
	TokenURL         string   `yaml:"token_url"`
	APIBase          string   `yaml:"api_base"`
}

// Configured reports whether the vendor can be used at all. Unconfigured
// providers stay routable and answer with configuration_error.
func (p ProviderConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

func (p ProviderConfig) RateWindow() time.Duration {
	return time.Duration(p.RateWindowSecs) * time.Second
}

// Config is the whole deployment configuration, loaded from config.yaml with
// VIGOR_* environment overrides for the secret-bearing fields.
type Config struct {
	Port           string `yaml:"port"`
	IsDebug        bool   `yaml:"is_debug"`
	Cors           string `yaml:"cors"`
	DatabaseURL    string `yaml:"database_url"`
	DatabasePath   string `yaml:"database_path"`
	DatabaseDriver string `yaml:"database_driver"`
	RedisAddress   string `yaml:"redis_address"`
	JWTKey         string `yaml:"jwt_key"`
	DataKey        string `yaml:"data_key"`
	AdminKey       string `yaml:"admin_key"`
	FirebaseCreds  string `yaml:"firebase_credentials"`

	ReconcileMinutes    int `yaml:"reconcile_minutes" binding:"gte=0"`
	ReconcileWindowDays int `yaml:"reconcile_window_days" binding:"gte=0"`
	ConnectBackfillDays int `yaml:"connect_backfill_days" binding:"gte=0"`
	WebhookWorkers      int `yaml:"webhook_workers" binding:"gte=0"`
	WebhookQueue        int `yaml:"webhook_queue" binding:"gte=0"`
	LogSampleTickMillis int `yaml:"log_sample_tick_millis" binding:"gte=0"`
	LogSampleSlowMillis int `yaml:"log_sample_slow_millis" binding:"gte=0"`

	Fitbit   ProviderConfig `yaml:"fitbit"`
	Oura     ProviderConfig `yaml:"oura"`
	Whoop    ProviderConfig `yaml:"whoop"`
	Withings ProviderConfig `yaml:"withings"`
}

// Defaults fills everything a bare config file leaves out. Rate budgets are
// the vendors' published per-user quotas.
func (c *Config) Defaults() {
	if c.Port == "" {
		c.Port = ":8090"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "vigor.db"
	}
	if c.ReconcileMinutes == 0 {
		c.ReconcileMinutes = 360
	}
	if c.ReconcileWindowDays == 0 {
		c.ReconcileWindowDays = 3
	}
	if c.ConnectBackfillDays == 0 {
		c.ConnectBackfillDays = 30
	}
	if c.WebhookWorkers == 0 {
		c.WebhookWorkers = 8
	}
	if c.WebhookQueue == 0 {
		c.WebhookQueue = 256
	}
	if c.LogSampleTickMillis == 0 {
		c.LogSampleTickMillis = 1000
	}
	if c.LogSampleSlowMillis == 0 {
		c.LogSampleSlowMillis = 2000
	}

	providerDefaults(&c.Fitbit, ProviderConfig{
		RateBudget:     150,
		RateWindowSecs: 3600,
		PageSize:       100,
		AuthURL:        "https://www.fitbit.com/oauth2/authorize",
		TokenURL:       "https://api.fitbit.com/oauth2/token",
		APIBase:        "https://api.fitbit.com",
	})
	providerDefaults(&c.Oura, ProviderConfig{
		RateBudget:     5000,
		RateWindowSecs: 300,
		PageSize:       50,
		AuthURL:        "https://cloud.ouraring.com/oauth/authorize",
		TokenURL:       "https://api.ouraring.com/oauth/token",
		APIBase:        "https://api.ouraring.com",
	})
	providerDefaults(&c.Whoop, ProviderConfig{
		RateBudget:     100,
		RateWindowSecs: 60,
		PageSize:       25,
		AuthURL:        "https://api.prod.whoop.com/oauth/oauth2/auth",
		TokenURL:       "https://api.prod.whoop.com/oauth/oauth2/token",
		APIBase:        "https://api.prod.whoop.com",
	})
	providerDefaults(&c.Withings, ProviderConfig{
		RateBudget:     120,
		RateWindowSecs: 60,
		PageSize:       100,
		AuthURL:        "https://account.withings.com/oauth2_user/authorize2",
		TokenURL:       "https://wbsapi.withings.net/v2/oauth2",
		APIBase:        "https://wbsapi.withings.net",
	})
}

func providerDefaults(p *ProviderConfig, d ProviderConfig) {
	if p.RateBudget == 0 {
		p.RateBudget = d.RateBudget
	}
	if p.RateWindowSecs == 0 {
		p.RateWindowSecs = d.RateWindowSecs
	}
	if p.PageSize == 0 {
		p.PageSize = d.PageSize
	}
	if p.AuthURL == "" {
		p.AuthURL = d.AuthURL
	}
	if p.TokenURL == "" {
		p.TokenURL = d.TokenURL
	}
	if p.APIBase == "" {
		p.APIBase = d.APIBase
	}
}

// Provider returns the named vendor's config.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case Fitbit:
		return c.Fitbit, true
	case Oura:
		return c.Oura, true
	case Whoop:
		return c.Whoop, true
	case Withings:
		return c.Withings, true
	}
	return ProviderConfig{}, false
}

func (c Config) LogSampleTick() time.Duration {
	return time.Duration(c.LogSampleTickMillis) * time.Millisecond
}

func (c Config) LogSampleSlow() time.Duration {
	return time.Duration(c.LogSampleSlowMillis) * time.Millisecond
}

// LoadConfig reads path, applies VIGOR_* overrides, fills defaults and
// validates. A missing file is not an error so containers can run on env
// vars alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("wearables: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("wearables: read %s: %w", path, err)
	}
	cfg.envOverrides()
	cfg.Defaults()
	if err := ValidateStruct(&cfg); err != nil {
		return cfg, fmt.Errorf("wearables: invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) envOverrides() {
	setIfEnv(&c.Port, "VIGOR_PORT")
	setIfEnv(&c.DatabaseURL, "VIGOR_DATABASE_URL")
	setIfEnv(&c.DatabasePath, "VIGOR_DATABASE_PATH")
	setIfEnv(&c.DatabaseDriver, "VIGOR_DATABASE_DRIVER")
	setIfEnv(&c.RedisAddress, "VIGOR_REDIS_ADDRESS")
	setIfEnv(&c.JWTKey, "VIGOR_JWT_KEY")
	setIfEnv(&c.DataKey, "VIGOR_DATA_KEY")
	setIfEnv(&c.AdminKey, "VIGOR_ADMIN_KEY")
	setIfEnv(&c.FirebaseCreds, "VIGOR_FIREBASE_CREDENTIALS")

	for _, p := range []struct {
		name string
		cfg  *ProviderConfig
	}{
		{Fitbit, &c.Fitbit},
		{Oura, &c.Oura},
		{Whoop, &c.Whoop},
		{Withings, &c.Withings},
	} {
		prefix := "VIGOR_" + strings.ToUpper(p.name) + "_"
		setIfEnv(&p.cfg.ClientID, prefix+"CLIENT_ID")
		setIfEnv(&p.cfg.ClientSecret, prefix+"CLIENT_SECRET")
		setIfEnv(&p.cfg.RedirectURI, prefix+"REDIRECT_URI")
		setIfEnv(&p.cfg.WebhookSecret, prefix+"WEBHOOK_SECRET")
		setIfEnv(&p.cfg.VerificationCode, prefix+"VERIFICATION_CODE")
	}
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

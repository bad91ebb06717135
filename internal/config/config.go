package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mirabell/studiopulse/internal/domain"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
// Parameters: none.
// Returns:
//   - string: SQLite file path or PostgreSQL key/value DSN.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type PipelineConfig struct {
	// Categories overrides the run order; empty runs every category in
	// the default priority order.
	Categories []string `mapstructure:"categories"`
	// BackfillStart is the window start used when a category has no
	// watermark yet, or when its watermark has gone stale.
	BackfillStart  string `mapstructure:"backfill_start"`
	StaleAfterDays int    `mapstructure:"stale_after_days"`
	HistorySize    int    `mapstructure:"history_size"`
	ErrorMaxLen    int    `mapstructure:"error_max_len"`
}

// CategoryOrder parses the configured category names.
// Parameters: none.
// Returns:
//   - []domain.Category: configured run order, nil when unset.
//   - error: non-nil if a name is not a known category.
func (c *PipelineConfig) CategoryOrder() ([]domain.Category, error) {
	var order []domain.Category
	for _, raw := range c.Categories {
		cat, err := domain.ParseCategory(raw)
		if err != nil {
			return nil, fmt.Errorf("pipeline.categories: %w", err)
		}
		order = append(order, cat)
	}
	return order, nil
}

// BackfillStartTime parses BackfillStart as a date.
// Parameters: none.
// Returns:
//   - time.Time: parsed backfill start, or zero time if unset/invalid.
func (c *PipelineConfig) BackfillStartTime() time.Time {
	t, err := time.Parse("2006-01-02", c.BackfillStart)
	if err != nil {
		return time.Time{}
	}
	return t
}

type SourcesConfig struct {
	UnionFit UnionFitConfig `mapstructure:"unionfit"`
	Shopify  ShopifyConfig  `mapstructure:"shopify"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox"`
}

type UnionFitConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	OrgSlug string `mapstructure:"org_slug"`
	// EmailCategories lists categories the upstream only delivers by
	// emailed report; they are routed through the mailbox fetcher.
	EmailCategories []string `mapstructure:"email_categories"`
}

type ShopifyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ShopDomain  string `mapstructure:"shop_domain"`
	AccessToken string `mapstructure:"access_token"`
	APIVersion  string `mapstructure:"api_version"`
}

type MailboxConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Inbox        string        `mapstructure:"inbox"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/studiopulse.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("pipeline.categories", []string{})
	v.SetDefault("pipeline.backfill_start", "2020-01-01")
	v.SetDefault("pipeline.stale_after_days", 7)
	v.SetDefault("pipeline.history_size", 20)
	v.SetDefault("pipeline.error_max_len", 300)
	v.SetDefault("sources.unionfit.base_url", "https://union.fit")
	v.SetDefault("sources.unionfit.email_categories", []string{"revenue_categories"})
	v.SetDefault("sources.shopify.enabled", true)
	v.SetDefault("sources.shopify.api_version", "2024-01")
	v.SetDefault("sources.mailbox.poll_interval", 15*time.Second)
	v.SetDefault("sources.mailbox.wait_timeout", 5*time.Minute)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.use_ssl", true)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("sources.unionfit.api_key", "UNIONFIT_API_KEY")
	v.BindEnv("sources.unionfit.org_slug", "UNIONFIT_ORG_SLUG")
	v.BindEnv("sources.shopify.shop_domain", "SHOPIFY_SHOP_DOMAIN")
	v.BindEnv("sources.shopify.access_token", "SHOPIFY_ACCESS_TOKEN")
	v.BindEnv("sources.mailbox.base_url", "MAILBOX_BASE_URL")
	v.BindEnv("sources.mailbox.api_key", "MAILBOX_API_KEY")
	v.BindEnv("archive.endpoint", "ARCHIVE_ENDPOINT")
	v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

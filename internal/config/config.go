// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Captcha solver modes.
const (
	CaptchaModePrompt = "prompt"
	CaptchaModeStatic = "static"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Site      SiteConfig      `mapstructure:"site"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Emit      EmitConfig      `mapstructure:"emit"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SiteConfig describes the target site and its endpoints.
type SiteConfig struct {
	Domain      string            `mapstructure:"domain"`
	Scheme      string            `mapstructure:"scheme"`
	Seed        string            `mapstructure:"seed"`
	LoginPath   string            `mapstructure:"login_path"`
	CaptchaPath string            `mapstructure:"captcha_path"`
	SubmitPath  string            `mapstructure:"submit_path"`
	PageSize    int               `mapstructure:"page_size"`
	Headers     map[string]string `mapstructure:"headers"`
}

// AuthConfig holds the credential pair and login retry policy.
type AuthConfig struct {
	IdentityField           string `mapstructure:"identity_field"`
	Identity                string `mapstructure:"identity"`
	Password                string `mapstructure:"password"`
	MaxAttempts             int    `mapstructure:"max_attempts"`
	ChallengeTimeoutSeconds int    `mapstructure:"challenge_timeout_seconds"`
}

// CaptchaConfig selects how challenge images are answered.
type CaptchaConfig struct {
	Mode     string `mapstructure:"mode"`
	ImageDir string `mapstructure:"image_dir"`
	Answer   string `mapstructure:"answer"`
}

// CrawlerConfig governs the traversal.
type CrawlerConfig struct {
	Concurrency       int     `mapstructure:"concurrency"`
	MaxProfiles       int     `mapstructure:"max_profiles"`
	UserAgent         string  `mapstructure:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// HTTPConfig configures the transport's timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int `mapstructure:"max_body_bytes"`
}

// EmitConfig tunes the record hub.
type EmitConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchRecords    int `mapstructure:"max_batch_records"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// SinksConfig toggles the record sinks.
type SinksConfig struct {
	Log           bool                    `mapstructure:"log"`
	Prometheus    bool                    `mapstructure:"prometheus"`
	Local         LocalSinkConfig         `mapstructure:"local"`
	GCS           GCSSinkConfig           `mapstructure:"gcs"`
	Postgres      PostgresSinkConfig      `mapstructure:"postgres"`
	SQLite        SQLiteSinkConfig        `mapstructure:"sqlite"`
	Elasticsearch ElasticsearchSinkConfig `mapstructure:"elasticsearch"`
	PubSub        PubSubSinkConfig        `mapstructure:"pubsub"`
}

// LocalSinkConfig writes JSONL files.
type LocalSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseDir string `mapstructure:"base_dir"`
}

// GCSSinkConfig writes NDJSON objects to a bucket.
type GCSSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PostgresSinkConfig upserts into Postgres.
type PostgresSinkConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DSN           string `mapstructure:"dsn"`
	ProfileTable  string `mapstructure:"profile_table"`
	RelationTable string `mapstructure:"relation_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	EnsureSchema  bool   `mapstructure:"ensure_schema"`
}

// SQLiteSinkConfig writes an embedded database file.
type SQLiteSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ElasticsearchSinkConfig indexes records.
type ElasticsearchSinkConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addresses   []string `mapstructure:"addresses"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	IndexPrefix string   `mapstructure:"index_prefix"`
}

// PubSubSinkConfig publishes records to a topic.
type PubSubSinkConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the optional ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load reads and validates a Config. See Read.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read builds a Config from disk/environment without validating it, so
// callers can apply overrides first. An empty path searches for
// followcrawler.{yaml,json,toml} in the working directory and
// $HOME/.followcrawler; a missing file there is not an error.
func Read(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("followcrawler")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.followcrawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.domain", "www.zhihu.com")
	v.SetDefault("site.scheme", "https")
	v.SetDefault("site.seed", "")
	v.SetDefault("site.login_path", "/")
	v.SetDefault("site.captcha_path", "/captcha.gif")
	v.SetDefault("site.submit_path", "/login/email")
	v.SetDefault("site.page_size", 20)
	v.SetDefault("site.headers", map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "zh-CN,zh;q=0.8,en;q=0.6",
	})
	v.SetDefault("auth.identity_field", "email")
	v.SetDefault("auth.identity", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.max_attempts", 1)
	v.SetDefault("auth.challenge_timeout_seconds", 0)
	v.SetDefault("captcha.mode", CaptchaModePrompt)
	v.SetDefault("captcha.image_dir", ".")
	v.SetDefault("captcha.answer", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_profiles", 0)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64) followcrawler/0.1")
	v.SetDefault("crawler.requests_per_second", 2.0)
	v.SetDefault("crawler.burst", 2)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("emit.buffer_size", 1024)
	v.SetDefault("emit.max_batch_records", 200)
	v.SetDefault("emit.max_batch_wait_ms", 1000)
	v.SetDefault("emit.sink_timeout_seconds", 30)
	v.SetDefault("sinks.log", false)
	v.SetDefault("sinks.prometheus", true)
	v.SetDefault("sinks.local.enabled", true)
	v.SetDefault("sinks.local.base_dir", "data/followgraph")
	v.SetDefault("sinks.gcs.enabled", false)
	v.SetDefault("sinks.gcs.bucket", "")
	v.SetDefault("sinks.gcs.prefix", "followgraph")
	v.SetDefault("sinks.postgres.enabled", false)
	v.SetDefault("sinks.postgres.dsn", "")
	v.SetDefault("sinks.postgres.profile_table", "profiles")
	v.SetDefault("sinks.postgres.relation_table", "relation_lists")
	v.SetDefault("sinks.postgres.max_conns", 4)
	v.SetDefault("sinks.postgres.ensure_schema", true)
	v.SetDefault("sinks.sqlite.enabled", false)
	v.SetDefault("sinks.sqlite.path", "data/followgraph.db")
	v.SetDefault("sinks.elasticsearch.enabled", false)
	v.SetDefault("sinks.elasticsearch.addresses", []string{})
	v.SetDefault("sinks.elasticsearch.username", "")
	v.SetDefault("sinks.elasticsearch.password", "")
	v.SetDefault("sinks.elasticsearch.index_prefix", "followgraph")
	v.SetDefault("sinks.pubsub.enabled", false)
	v.SetDefault("sinks.pubsub.project_id", "")
	v.SetDefault("sinks.pubsub.topic", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "followcrawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.Domain) == "" {
		return fmt.Errorf("site.domain is required")
	}
	if c.Site.Scheme != "http" && c.Site.Scheme != "https" {
		return fmt.Errorf("site.scheme must be http or https")
	}
	if c.Site.PageSize <= 0 {
		return fmt.Errorf("site.page_size must be > 0")
	}
	if c.Site.Seed != "" {
		if _, err := url.Parse(c.SeedURL()); err != nil {
			return fmt.Errorf("site.seed: %w", err)
		}
	}
	if c.Auth.Identity == "" || c.Auth.Password == "" {
		return fmt.Errorf("auth.identity and auth.password are required")
	}
	if c.Auth.MaxAttempts <= 0 {
		return fmt.Errorf("auth.max_attempts must be > 0")
	}
	switch c.Captcha.Mode {
	case CaptchaModePrompt:
	case CaptchaModeStatic:
		if c.Captcha.Answer == "" {
			return fmt.Errorf("captcha.answer must be set when captcha.mode is static")
		}
	default:
		return fmt.Errorf("captcha.mode must be %q or %q", CaptchaModePrompt, CaptchaModeStatic)
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxProfiles < 0 {
		return fmt.Errorf("crawler.max_profiles must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return c.Sinks.validate()
}

func (s SinksConfig) validate() error {
	if s.Local.Enabled && strings.TrimSpace(s.Local.BaseDir) == "" {
		return fmt.Errorf("sinks.local.base_dir is required when the local sink is enabled")
	}
	if s.GCS.Enabled && s.GCS.Bucket == "" {
		return fmt.Errorf("sinks.gcs.bucket is required when the gcs sink is enabled")
	}
	if s.Postgres.Enabled && s.Postgres.DSN == "" {
		return fmt.Errorf("sinks.postgres.dsn is required when the postgres sink is enabled")
	}
	if s.SQLite.Enabled && s.SQLite.Path == "" {
		return fmt.Errorf("sinks.sqlite.path is required when the sqlite sink is enabled")
	}
	if s.Elasticsearch.Enabled && len(s.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("sinks.elasticsearch.addresses is required when the elasticsearch sink is enabled")
	}
	if s.PubSub.Enabled && (s.PubSub.ProjectID == "" || s.PubSub.Topic == "") {
		return fmt.Errorf("sinks.pubsub.project_id and sinks.pubsub.topic are required when the pubsub sink is enabled")
	}
	return nil
}

// BaseURL is the site root, e.g. https://www.zhihu.com.
func (c Config) BaseURL() string {
	return c.Site.Scheme + "://" + c.Site.Domain
}

// SeedURL resolves site.seed against the site root. A bare profile ID is
// treated as /people/<id>.
func (c Config) SeedURL() string {
	seed := strings.TrimSpace(c.Site.Seed)
	switch {
	case seed == "":
		return ""
	case strings.HasPrefix(seed, "http://"), strings.HasPrefix(seed, "https://"):
		return seed
	case strings.HasPrefix(seed, "/"):
		return c.BaseURL() + seed
	default:
		return c.BaseURL() + "/people/" + seed
	}
}

// LoginURL is the page carrying the anti-forgery token.
func (c Config) LoginURL() string {
	return c.BaseURL() + c.Site.LoginPath
}

// CaptchaURL is the challenge image endpoint without query parameters.
func (c Config) CaptchaURL() string {
	return c.BaseURL() + c.Site.CaptchaPath
}

// SubmitURL is the credential form endpoint.
func (c Config) SubmitURL() string {
	return c.BaseURL() + c.Site.SubmitPath
}

// Headers returns a fresh header set from site.headers plus the user agent.
func (c Config) Headers() http.Header {
	h := make(http.Header, len(c.Site.Headers)+1)
	for k, v := range c.Site.Headers {
		h.Set(k, v)
	}
	if c.Crawler.UserAgent != "" {
		h.Set("User-Agent", c.Crawler.UserAgent)
	}
	return h
}

// HTTPTimeout is the per-fetch timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ChallengeTimeout bounds the captcha solver; zero means no bound.
func (c Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.Auth.ChallengeTimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps retry delays.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// MaxBatchWait is the longest a record waits in the hub before flushing.
func (c Config) MaxBatchWait() time.Duration {
	return time.Duration(c.Emit.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout bounds one sink call.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Emit.SinkTimeoutSeconds) * time.Second
}

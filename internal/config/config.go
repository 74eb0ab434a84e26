// Package config loads and validates daemon configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config captures all daemon configuration knobs loaded via Viper.
type Config struct {
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Queue      QueueConfig      `mapstructure:"queue"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	ScraperDev ScraperDevConfig `mapstructure:"scraperdev"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DaemonConfig controls the scraper-build worker pool.
type DaemonConfig struct {
	Workers             int    `mapstructure:"workers"`
	City                string `mapstructure:"city"`
	WorkerPrefix        string `mapstructure:"worker_prefix"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	GraceDelaySeconds   int    `mapstructure:"grace_delay_seconds"`
}

// ScheduleConfig sets the interval of each periodic drain.
type ScheduleConfig struct {
	DirectorySeconds int `mapstructure:"directory_seconds"`
	ContactSeconds   int `mapstructure:"contact_seconds"`
	DiscoverySeconds int `mapstructure:"discovery_seconds"`
	RecoverySeconds  int `mapstructure:"recovery_seconds"`
}

// BatchConfig caps how many items each drain pulls per cycle.
type BatchConfig struct {
	Directory int `mapstructure:"directory"`
	Contact   int `mapstructure:"contact"`
	Discovery int `mapstructure:"discovery"`
}

// RecoveryConfig governs stuck-session detection.
type RecoveryConfig struct {
	StuckMinutes int `mapstructure:"stuck_minutes"`
}

// QueueConfig selects and tunes the queue service backend.
type QueueConfig struct {
	Backend           string `mapstructure:"backend"`
	DSN               string `mapstructure:"dsn"`
	ClaimLeaseMinutes int    `mapstructure:"claim_lease_minutes"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
}

// HTTPConfig configures the plain fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	// HostIntervalMillis spaces plain requests to one domain. Zero disables
	// pacing.
	HostIntervalMillis int `mapstructure:"host_interval_ms"`
}

// BrowserConfig configures browser-automation sessions.
type BrowserConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	SettleMillis    int    `mapstructure:"settle_ms"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	DisableHeadless bool   `mapstructure:"disable_headless"`
}

// LLMConfig configures the structured extraction model.
type LLMConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxInputChars  int    `mapstructure:"max_input_chars"`
}

// SearchConfig tunes the discovery worker's search-engine crawl.
type SearchConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	QueryDelayMillis int    `mapstructure:"query_delay_ms"`
	ResultsPerQuery  int    `mapstructure:"results_per_query"`
	MaxDirectories   int    `mapstructure:"max_directories"`
	ComboQueries     int    `mapstructure:"combo_queries"`
	ComboNames       int    `mapstructure:"combo_names"`
}

// ScraperDevConfig describes the external code-generation command.
type ScraperDevConfig struct {
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	WorkDir        string   `mapstructure:"workdir"`
	TimeoutMinutes int      `mapstructure:"timeout_minutes"`
	OutputTailSize int      `mapstructure:"output_tail_bytes"`
}

// StorageConfig selects where escalated page snapshots are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PublishConfig selects where candidate events are published.
type PublishConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// OpsConfig controls the operational HTTP surface.
type OpsConfig struct {
	Addr                  string `mapstructure:"addr"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features and the log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Verbose     bool   `mapstructure:"verbose"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from defaults, a config file and the environment. With
// an empty path, campd.yaml is looked up in the working directory,
// /etc/campd and $HOME/.campd; a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAMPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindProviderEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("campd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/campd/")
		v.AddConfigPath("$HOME/.campd")
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

// bindProviderEnv maps the provider variables operators already export onto
// config keys. The CAMPD_ form still works for each key.
func bindProviderEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"queue.dsn":        {"CAMPD_QUEUE_DSN", "DATABASE_URL"},
		"llm.api_key":      {"CAMPD_LLM_API_KEY", "ANTHROPIC_API_KEY"},
		"browser.endpoint": {"CAMPD_BROWSER_ENDPOINT", "BROWSER_WS_URL"},
		"browser.api_key":  {"CAMPD_BROWSER_API_KEY", "BROWSER_API_KEY"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.workers", 1)
	v.SetDefault("daemon.city", "")
	v.SetDefault("daemon.worker_prefix", "worker")
	v.SetDefault("daemon.poll_interval_seconds", 10)
	v.SetDefault("daemon.grace_delay_seconds", 2)
	v.SetDefault("schedule.directory_seconds", 30)
	v.SetDefault("schedule.contact_seconds", 60)
	v.SetDefault("schedule.discovery_seconds", 30)
	v.SetDefault("schedule.recovery_seconds", 60)
	v.SetDefault("batch.directory", 3)
	v.SetDefault("batch.contact", 3)
	v.SetDefault("batch.discovery", 1)
	v.SetDefault("recovery.stuck_minutes", 25)
	v.SetDefault("queue.backend", BackendPostgres)
	v.SetDefault("queue.claim_lease_minutes", 30)
	v.SetDefault("queue.max_conns", 4)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.host_interval_ms", 1000)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("browser.settle_ms", 3000)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("llm.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.max_input_chars", 60000)
	v.SetDefault("search.base_url", "https://www.google.com/search")
	v.SetDefault("search.query_delay_ms", 3000)
	v.SetDefault("search.results_per_query", 20)
	v.SetDefault("search.max_directories", 5)
	v.SetDefault("search.combo_queries", 2)
	v.SetDefault("search.combo_names", 10)
	v.SetDefault("scraperdev.command", "claude")
	v.SetDefault("scraperdev.args", []string{"--print"})
	v.SetDefault("scraperdev.timeout_minutes", 20)
	v.SetDefault("scraperdev.output_tail_bytes", 4096)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.base_dir", "data/snapshots")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("publish.backend", "none")
	v.SetDefault("publish.topic", "candidates.discovered")
	v.SetDefault("ops.addr", "")
	v.SetDefault("ops.request_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.verbose", false)
	v.SetDefault("logging.file", "/tmp/campd.log")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Daemon.Workers < 1 || c.Daemon.Workers > 10 {
		return fmt.Errorf("daemon.workers must be between 1 and 10")
	}
	if c.Daemon.PollIntervalSeconds <= 0 {
		return fmt.Errorf("daemon.poll_interval_seconds must be > 0")
	}
	if c.Schedule.DirectorySeconds <= 0 || c.Schedule.ContactSeconds <= 0 ||
		c.Schedule.DiscoverySeconds <= 0 || c.Schedule.RecoverySeconds <= 0 {
		return fmt.Errorf("schedule intervals must be > 0")
	}
	if c.Batch.Directory <= 0 || c.Batch.Contact <= 0 || c.Batch.Discovery <= 0 {
		return fmt.Errorf("batch sizes must be > 0")
	}
	if c.Recovery.StuckMinutes <= 0 {
		return fmt.Errorf("recovery.stuck_minutes must be > 0")
	}
	// A live session must hit its own timeout before recovery hands the
	// request to another worker.
	if c.ScraperDev.TimeoutMinutes <= 0 || c.ScraperDev.TimeoutMinutes >= c.Recovery.StuckMinutes {
		return fmt.Errorf("scraperdev.timeout_minutes must be > 0 and below recovery.stuck_minutes (%d)",
			c.Recovery.StuckMinutes)
	}
	switch c.Queue.Backend {
	case BackendPostgres:
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn (DATABASE_URL) is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0")
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
	}
	if c.Publish.Backend == "pubsub" && (c.Publish.ProjectID == "" || c.Publish.Topic == "") {
		return fmt.Errorf("publish.project_id and publish.topic must be set when publish.backend is pubsub")
	}
	return nil
}

// PollInterval is the scraper-build claim tick.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Daemon.PollIntervalSeconds) * time.Second
}

// GraceDelay is how long shutdown waits for in-flight work.
func (c Config) GraceDelay() time.Duration {
	return time.Duration(c.Daemon.GraceDelaySeconds) * time.Second
}

// StuckThreshold is the session age after which recovery resets a request.
func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.Recovery.StuckMinutes) * time.Minute
}

// ClaimLease is the queue service's stale-claim window.
func (c Config) ClaimLease() time.Duration {
	return time.Duration(c.Queue.ClaimLeaseMinutes) * time.Minute
}

// SettleDelay is the post-load pause before reading a rendered page.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Browser.SettleMillis) * time.Millisecond
}

// QueryDelay is the pause between consecutive search queries.
func (c Config) QueryDelay() time.Duration {
	return time.Duration(c.Search.QueryDelayMillis) * time.Millisecond
}

// Every converts a schedule interval in seconds to a duration.
func Every(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

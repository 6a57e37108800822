// Package config loads the Event Virtual Machine's runtime configuration:
// a YAML file overlaid with environment variables, following the same
// singleton-with-overrides shape the teacher uses for its own service
// configuration.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/evmd/internal/fault"
)

// =============================================================================
// EVM Daemon Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Node     NodeConfig     `yaml:"node"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Digest   DigestConfig   `yaml:"digest"`
	Compose  ComposeConfig  `yaml:"compose"`
	Signing  SigningConfig  `yaml:"signing"`
	Store    StoreConfig    `yaml:"store"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Fault    FaultConfig    `yaml:"fault"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// NodeConfig identifies this node for log lines and metrics labels; it
// has no bearing on the EVM core's behavior (the core has no federation
// or transport non-goal per spec.md §1, so there is no peer discovery
// here — just a stable name for diagnostics).
type NodeConfig struct {
	ID     string `yaml:"id"`
	Region string `yaml:"region"`
}

// PipelineConfig sizes the vm.post worker pool, the one bounded resource
// the concurrency model describes.
type PipelineConfig struct {
	PostWorkers int `yaml:"post_workers"`
	QueueDepth  int `yaml:"queue_depth"`
}

// DigestConfig selects the pluggable reference digest (spec.md §4.A).
type DigestConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// ComposeConfig parameterizes the commit composer (spec.md §4.G).
type ComposeConfig struct {
	Origin    string `yaml:"origin"`
	PrevLimit int    `yaml:"prev_limit"`
}

// SigningConfig names the signing key id convention a deployment uses;
// the actual private key material is supplied out of band (an env var
// or a mounted file), never through this struct.
type SigningConfig struct {
	KeyID      string `yaml:"key_id"`
	KeyPath    string `yaml:"key_path"`
	VerifyKeys string `yaml:"verify_keys_path"`
}

// StoreConfig selects the TransactionStore backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // "memory" or "sqlite"
	SQLitePath string `yaml:"sqlite_path"`
}

// NotifyConfig selects the vm.notify broadcast transport.
type NotifyConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig holds the vm.log.accept.debug/vm.log.accept.info/
// vm.log.commit.debug settings. The demo binary lowers its log level to
// debug when AcceptDebug or CommitDebug is set; AcceptInfo is loaded
// but not read, and the pipeline emits no per-accept or per-commit line.
type LoggingConfig struct {
	AcceptDebug bool `yaml:"accept_debug"`
	AcceptInfo  bool `yaml:"accept_info"`
	CommitDebug bool `yaml:"commit_debug"`
}

// FaultConfig names the default fault policy's no-throw/error-log/
// warn-log masks by fault code name, overriding fault.DefaultPolicy
// when non-empty. Valid names: exists, general, invalid, auth, state,
// event, interrupt.
type FaultConfig struct {
	NoThrows []string `yaml:"no_throws"`
	ErrorLog []string `yaml:"error_log"`
	WarnLog  []string `yaml:"warn_log"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it from
// CONFIG_PATH (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then fills
// in defaults for anything still unset.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("EVMD_ENV", c.Server.Env)
	c.Server.Interface = getEnv("EVMD_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Node.ID = getEnv("EVMD_NODE_ID", c.Node.ID)
	c.Node.Region = getEnv("EVMD_REGION", c.Node.Region)

	if v := getEnvInt("EVMD_POST_WORKERS", 0); v > 0 {
		c.Pipeline.PostWorkers = v
	}
	if v := getEnvInt("EVMD_QUEUE_DEPTH", 0); v > 0 {
		c.Pipeline.QueueDepth = v
	}

	c.Digest.Algorithm = getEnv("EVMD_DIGEST_ALGORITHM", c.Digest.Algorithm)

	c.Compose.Origin = getEnv("EVMD_ORIGIN", c.Compose.Origin)
	if v := getEnvInt("EVMD_PREV_LIMIT", 0); v > 0 {
		c.Compose.PrevLimit = v
	}

	c.Signing.KeyID = getEnv("EVMD_SIGNING_KEY_ID", c.Signing.KeyID)
	c.Signing.KeyPath = getEnv("EVMD_SIGNING_KEY_PATH", c.Signing.KeyPath)
	c.Signing.VerifyKeys = getEnv("EVMD_VERIFY_KEYS_PATH", c.Signing.VerifyKeys)

	c.Store.Backend = getEnv("EVMD_STORE_BACKEND", c.Store.Backend)
	c.Store.SQLitePath = getEnv("EVMD_SQLITE_PATH", c.Store.SQLitePath)

	c.Notify.Backend = getEnv("EVMD_NOTIFY_BACKEND", c.Notify.Backend)
	c.Notify.Redis.Addr = getEnv("REDIS_ADDR", c.Notify.Redis.Addr)
	c.Notify.Redis.Password = getEnv("REDIS_PASSWORD", c.Notify.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Notify.Redis.DB = v
	}
	c.Notify.Redis.Channel = getEnv("EVMD_NOTIFY_CHANNEL", c.Notify.Redis.Channel)

	c.Logging.AcceptDebug = getEnvBool("EVMD_LOG_ACCEPT_DEBUG", c.Logging.AcceptDebug)
	c.Logging.AcceptInfo = getEnvBool("EVMD_LOG_ACCEPT_INFO", c.Logging.AcceptInfo)
	c.Logging.CommitDebug = getEnvBool("EVMD_LOG_COMMIT_DEBUG", c.Logging.CommitDebug)

	if v := getEnv("EVMD_FAULT_NO_THROWS", ""); v != "" {
		c.Fault.NoThrows = splitCSV(v)
	}
	if v := getEnv("EVMD_FAULT_ERROR_LOG", ""); v != "" {
		c.Fault.ErrorLog = splitCSV(v)
	}
	if v := getEnv("EVMD_FAULT_WARN_LOG", ""); v != "" {
		c.Fault.WarnLog = splitCSV(v)
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Node.ID == "" {
		c.Node.ID = "evmd-local"
	}
	if c.Pipeline.PostWorkers == 0 {
		c.Pipeline.PostWorkers = 4
	}
	if c.Pipeline.QueueDepth == 0 {
		c.Pipeline.QueueDepth = 1000
	}
	if c.Digest.Algorithm == "" {
		c.Digest.Algorithm = "sha256"
	}
	if c.Compose.Origin == "" {
		c.Compose.Origin = c.Node.ID
	}
	if c.Compose.PrevLimit == 0 {
		c.Compose.PrevLimit = 16
	}
	if c.Signing.KeyID == "" {
		c.Signing.KeyID = "ed25519:1"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "evmd.db"
	}
	if c.Notify.Backend == "" {
		c.Notify.Backend = "memory"
	}
	if c.Notify.Redis.Addr == "" {
		c.Notify.Redis.Addr = "localhost:6379"
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "evmd:notify"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// Policy builds a fault.Policy from the configured mask names, falling
// back to fault.DefaultPolicy for any mask left empty in config.
func (c *Config) Policy() fault.Policy {
	p := fault.DefaultPolicy()
	if len(c.Fault.NoThrows) > 0 {
		p.NoThrows = fault.MaskByNames(c.Fault.NoThrows)
	}
	if len(c.Fault.ErrorLog) > 0 {
		p.ErrorLog = fault.MaskByNames(c.Fault.ErrorLog)
	}
	if len(c.Fault.WarnLog) > 0 {
		p.WarnLog = fault.MaskByNames(c.Fault.WarnLog)
	}
	return p
}

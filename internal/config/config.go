package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds coverwise configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	Console           bool          `yaml:"console"` // serve the try-it page at /console
}

type ModelConfig struct {
	BundleDir          string `yaml:"bundle_dir"`
	ONNXRuntimeLibrary string `yaml:"onnxruntime_library"`
	// ManifestPublicKey is a base64 ed25519 key; when set the bundle must
	// carry a valid bundle.sig.
	ManifestPublicKey string `yaml:"manifest_public_key"`
	// Preload loads the bundle before the listener starts and refuses to
	// start if it is missing.
	Preload bool `yaml:"preload"`
}

type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Clients []ClientConfig `yaml:"clients"`
}

// ClientConfig is one API consumer (a broker portal, an agent app, ...).
type ClientConfig struct {
	ID         string   `yaml:"id"`
	APIKeys    []string `yaml:"api_keys"`
	APIKeysEnv string   `yaml:"api_keys_env"` // comma-separated keys
}

// Keys returns the inline keys plus any found in APIKeysEnv.
func (c ClientConfig) Keys() []string {
	keys := append([]string(nil), c.APIKeys...)
	if c.APIKeysEnv == "" {
		return keys
	}
	for _, k := range strings.Split(os.Getenv(c.APIKeysEnv), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type StoreConfig struct {
	Driver     string      `yaml:"driver"` // memory | sqlite | redis
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	DB          int           `yaml:"db"`
	PasswordEnv string        `yaml:"password_env"`
	KeyPrefix   string        `yaml:"key_prefix"`
	TTL         time.Duration `yaml:"ttl"` // 0 keeps submissions forever
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
	Version  string `yaml:"version"`
}

// EventsConfig configures the recommendation event feed.
type EventsConfig struct {
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Sinks           []EventSinkConfig `yaml:"sinks"`
}

const (
	SinkFileJSONL = "file_jsonl"
	SinkWebhook   = "webhook"
)

type EventSinkConfig struct {
	Type      string            `yaml:"type"` // file_jsonl | webhook
	Path      string            `yaml:"path"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	SecretEnv string            `yaml:"secret_env"` // HMAC signing secret for webhooks
}

// Secret resolves the webhook signing secret from the environment.
func (s EventSinkConfig) Secret() string {
	if s.SecretEnv == "" {
		return ""
	}
	return os.Getenv(s.SecretEnv)
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 64 << 10
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Model.BundleDir == "" {
		cfg.Model.BundleDir = "models"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "coverwise.db"
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = "coverwise:"
	}

	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 1000
	}
	if cfg.Events.Workers == 0 {
		cfg.Events.Workers = 1
	}
	if cfg.Events.ShutdownTimeout == 0 {
		cfg.Events.ShutdownTimeout = 2 * time.Second
	}
	for i := range cfg.Events.Sinks {
		cfg.Events.Sinks[i].Type = strings.ToLower(strings.TrimSpace(cfg.Events.Sinks[i].Type))
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "coverwise"
	}
}

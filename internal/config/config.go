package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "portline.yml"

// MaxFetchTimeoutMS bounds wallet.fetch_timeout_ms; a slow mirror must not stall dashboards.
const MaxFetchTimeoutMS = 5000

// Remote kinds for the wallet backup.
const (
	RemoteNone  = "none"
	RemoteFile  = "file"
	RemoteGist  = "gist"
	RemoteS3    = "s3"
	RemoteRedis = "redis"
)

// Config models portline.yml.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Env     string `yaml:"env"`
	Locks   struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"locks"`
	Store struct {
		Retries   int `yaml:"retries"`
		BackoffMS int `yaml:"backoff_ms"`
	} `yaml:"store"`
	Wallet      WalletConfig `yaml:"wallet"`
	Idempotency struct {
		PendingTTLSeconds int `yaml:"pending_ttl_seconds"`
	} `yaml:"idempotency"`
	Cleanup struct {
		Schedule string `yaml:"schedule"`
		Enabled  bool   `yaml:"enabled"`
	} `yaml:"cleanup"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

type WalletConfig struct {
	Account        string       `yaml:"account"`
	FetchTimeoutMS int          `yaml:"fetch_timeout_ms"`
	Remote         RemoteConfig `yaml:"remote"`
}

type RemoteConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
	Gist struct {
		ID       string `yaml:"id"`
		Token    string `yaml:"token"`
		Filename string `yaml:"filename"`
	} `yaml:"gist"`
	S3 struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Object    string `yaml:"object"`
		Secure    bool   `yaml:"secure"`
	} `yaml:"s3"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Key      string `yaml:"key"`
	} `yaml:"redis"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config.data_dir is required")
	}
	if c.Env != "" && c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("config.env must be 'development' or 'production'")
	}
	if c.Locks.TTLSeconds < 0 {
		return fmt.Errorf("config.locks.ttl_seconds must be >= 0")
	}
	if c.Store.Retries < 0 || c.Store.BackoffMS < 0 {
		return fmt.Errorf("config.store retries and backoff_ms must be >= 0")
	}
	if c.Wallet.FetchTimeoutMS < 0 || c.Wallet.FetchTimeoutMS > MaxFetchTimeoutMS {
		return fmt.Errorf("config.wallet.fetch_timeout_ms must be between 0 and %d", MaxFetchTimeoutMS)
	}
	if c.Idempotency.PendingTTLSeconds < 0 {
		return fmt.Errorf("config.idempotency.pending_ttl_seconds must be >= 0")
	}
	r := c.Wallet.Remote
	switch r.Kind {
	case "", RemoteNone:
	case RemoteFile:
		if r.Path == "" {
			return fmt.Errorf("config.wallet.remote.path is required for kind file")
		}
	case RemoteGist:
		if r.Gist.ID == "" {
			return fmt.Errorf("config.wallet.remote.gist.id is required for kind gist")
		}
	case RemoteS3:
		if r.S3.Endpoint == "" || r.S3.Bucket == "" {
			return fmt.Errorf("config.wallet.remote.s3 endpoint and bucket are required for kind s3")
		}
	case RemoteRedis:
		if r.Redis.Addr == "" {
			return fmt.Errorf("config.wallet.remote.redis.addr is required for kind redis")
		}
	default:
		return fmt.Errorf("config.wallet.remote.kind %q is not one of none, file, gist, s3, redis", r.Kind)
	}
	if r.Kind != "" && r.Kind != RemoteNone && strings.TrimSpace(c.Wallet.Account) == "" {
		return fmt.Errorf("config.wallet.account is required when a remote is configured")
	}
	return nil
}

// LockTTL is the lease staleness threshold.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Locks.TTLSeconds) * time.Second
}

func (c *Config) StoreBackoff() time.Duration {
	return time.Duration(c.Store.BackoffMS) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Wallet.FetchTimeoutMS) * time.Millisecond
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Idempotency.PendingTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `data_dir: data
env: development

locks:
  ttl_seconds: 30

store:
  retries: 10
  backoff_ms: 50

wallet:
  account: rayan
  fetch_timeout_ms: 5000
  remote:
    kind: none
    gist:
      filename: wallet.json
    s3:
      object: wallet.json
      secure: true
    redis:
      key: portline:wallet

idempotency:
  pending_ttl_seconds: 60

cleanup:
  enabled: false
  schedule: "@weekly"

server:
  addr: ":8080"
  base_path: ""
`

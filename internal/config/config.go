package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the facade-and-scheduler configuration. It does not configure
// matching semantics (those live on individual pools) — only the ambient
// runtime: storage, federation transport, scheduling cadence, and logging.
type Config struct {
	Store struct {
		Type     string `yaml:"type"` // "memory" or "postgres"
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
	} `yaml:"store"`

	Federation struct {
		Enabled      bool          `yaml:"enabled"`
		ListenPort   int           `yaml:"listen_port"`
		Peers        []string      `yaml:"peers"`          // host:port of seed peers
		SyncInterval time.Duration `yaml:"sync_interval"`  // periodic CRDT sync tick, default 30s
		JitterMinMS  int           `yaml:"jitter_min_ms"`  // base jitter floor, default 100ms
		JitterMaxMS  int           `yaml:"jitter_max_ms"`  // base jitter ceiling, default 2000ms
		RelayJitterMinSec int      `yaml:"relay_jitter_min_sec"` // default 5s
		RelayJitterMaxSec int      `yaml:"relay_jitter_max_sec"` // default 60s
	} `yaml:"federation"`

	Security struct {
		AllowedIPs      []string `yaml:"allowed_ips"`
		RequireIPCheck  bool     `yaml:"require_ip_check"`
		MaxConnections  int      `yaml:"max_connections"`
		RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	} `yaml:"security"`

	Scheduler struct {
		ScanInterval      time.Duration `yaml:"scan_interval"`        // deadline scan cadence, default 60s
		PrivacyDelayMinMS int           `yaml:"privacy_delay_min_ms"` // default 30000
		PrivacyDelayMaxMS int           `yaml:"privacy_delay_max_ms"` // default 180000
	} `yaml:"scheduler"`

	Timeouts struct {
		IssuerVerify     time.Duration `yaml:"issuer_verify"`      // default 5s
		Attestation      time.Duration `yaml:"attestation"`        // default 10s
		CrossInstanceJoin time.Duration `yaml:"cross_instance_join"` // default 30s
	} `yaml:"timeouts"`

	Logging struct {
		Level       string `yaml:"level"`
		File        string `yaml:"file"`
		EnableAudit bool   `yaml:"enable_audit"`
		AuditFile   string `yaml:"audit_file"`
	} `yaml:"logging"`

	PrivateKey string `yaml:"private_key"` // hex agreement private key of this instance's owner identity
	PublicKey  string `yaml:"public_key"`
}

// SetDefaults fills every zero-valued tunable with its specified default.
func (c *Config) SetDefaults() {
	if len(c.Security.AllowedIPs) == 0 {
		c.Security.AllowedIPs = []string{"127.0.0.1", "::1"}
	}
	if c.Security.MaxConnections == 0 {
		c.Security.MaxConnections = 10
	}
	if c.Security.RateLimitPerMin == 0 {
		c.Security.RateLimitPerMin = 30
	}

	if c.Federation.SyncInterval == 0 {
		c.Federation.SyncInterval = 30 * time.Second
	}
	if c.Federation.JitterMinMS == 0 {
		c.Federation.JitterMinMS = 100
	}
	if c.Federation.JitterMaxMS == 0 {
		c.Federation.JitterMaxMS = 2000
	}
	if c.Federation.RelayJitterMinSec == 0 {
		c.Federation.RelayJitterMinSec = 5
	}
	if c.Federation.RelayJitterMaxSec == 0 {
		c.Federation.RelayJitterMaxSec = 60
	}

	if c.Scheduler.ScanInterval == 0 {
		c.Scheduler.ScanInterval = 60 * time.Second
	}
	if c.Scheduler.PrivacyDelayMinMS == 0 {
		c.Scheduler.PrivacyDelayMinMS = 30_000
	}
	if c.Scheduler.PrivacyDelayMaxMS == 0 {
		c.Scheduler.PrivacyDelayMaxMS = 180_000
	}

	if c.Timeouts.IssuerVerify == 0 {
		c.Timeouts.IssuerVerify = 5 * time.Second
	}
	if c.Timeouts.Attestation == 0 {
		c.Timeouts.Attestation = 10 * time.Second
	}
	if c.Timeouts.CrossInstanceJoin == 0 {
		c.Timeouts.CrossInstanceJoin = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
}

// Load reads and parses a YAML configuration file, applying defaults to
// every tunable left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	return &cfg, nil
}

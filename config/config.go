package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/cache"
)

// Backend names shared by the identity and dispatch sections
const (
	BackendNone      = "none"
	BackendMemory    = "memory"
	BackendNATS      = "nats"
	BackendRedis     = "redis"
	BackendStatic    = "static"
	BackendSQLite    = "sqlite"
	BackendJetStream = "jetstream"
	BackendLog       = "log"
)

// Config is the complete application configuration
type Config struct {
	Version   string          `json:"version"`
	Platform  PlatformConfig  `json:"platform"`
	NATS      NATSConfig      `json:"nats"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   MetricsConfig   `json:"metrics"`
	Ingest    IngestConfig    `json:"ingest"`
	Router    RouterConfig    `json:"router"`
	Identity  IdentityConfig  `json:"identity"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Biometric BiometricConfig `json:"biometric"`
}

// PlatformConfig identifies this instance
type PlatformConfig struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	// NodeID seeds message id generation; unique per running instance.
	NodeID int64 `json:"node_id"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// HTTPConfig configures the ingestion listener
type HTTPConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MaxBodyBytes    int64         `json:"max_body_bytes"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// IngestConfig configures the terminal-facing endpoints
type IngestConfig struct {
	// TextRateLimit is the sustained text push rate per second for the
	// whole endpoint, TextBurst the bucket size.
	TextRateLimit float64 `json:"text_rate_limit"`
	TextBurst     int     `json:"text_burst"`
	AckToken      string  `json:"ack_token"`
	RateLimitCode string  `json:"rate_limit_code"`
	// DiagnosticsCapacity is how many failed raw payloads are retained.
	DiagnosticsCapacity int `json:"diagnostics_capacity"`
}

// RouterConfig configures classification and the dispatch pool
type RouterConfig struct {
	Workers          int               `json:"workers"`
	QueueSize        int               `json:"queue_size"`
	DispatchTimeout  time.Duration     `json:"dispatch_timeout"`
	SentinelDeviceID int64             `json:"sentinel_device_id"`
	Tables           map[string]string `json:"tables"`
}

// IdentityConfig configures the device identity tiers
type IdentityConfig struct {
	L1        cache.Config    `json:"l1"`
	L2        L2Config        `json:"l2"`
	Directory DirectoryConfig `json:"directory"`
}

// L2Config selects the shared cache backend
type L2Config struct {
	Backend string        `json:"backend"`
	TTL     time.Duration `json:"ttl"`
	// Bucket is the NATS KV bucket name.
	Bucket string `json:"bucket"`
	// Redis settings; Channel carries invalidations between instances.
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix"`
	Channel       string `json:"channel"`
}

// DirectoryConfig selects the authoritative device directory
type DirectoryConfig struct {
	Backend string        `json:"backend"`
	Subject string        `json:"subject"`
	Timeout time.Duration `json:"timeout"`
	// Devices seeds the static directory: serial number to device id.
	Devices map[string]int64 `json:"devices,omitempty"`
}

// DispatchConfig configures business handoff
type DispatchConfig struct {
	Backend       string        `json:"backend"`
	Stream        string        `json:"stream"`
	SubjectPrefix string        `json:"subject_prefix"`
	MaxAge        time.Duration `json:"max_age"`
	Duplicates    time.Duration `json:"duplicates"`
}

// BiometricConfig configures template storage and matching
type BiometricConfig struct {
	Store            string             `json:"store"`
	DSN              string             `json:"dsn"`
	Workers          int                `json:"workers"`
	QueueSize        int                `json:"queue_size"`
	CandidateTimeout time.Duration      `json:"candidate_timeout"`
	SearchBudget     time.Duration      `json:"search_budget"`
	CleanupInterval  time.Duration      `json:"cleanup_interval"`
	Thresholds       map[string]float64 `json:"thresholds,omitempty"`
}

// DefaultTables maps vendor table tags to protocol codes.
func DefaultTables() map[string]string {
	return map[string]string{
		"RTLOG":      "ACCESS_ENTROPY_V4_8",
		"ATTLOG":     "ATTENDANCE_ENTROPY_V4_0",
		"CONSUMELOG": "CONSUME_ZKTECO_V1_0",
		"ALLOWLOG":   "CONSUME_ZKTECO_V1_0",
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Platform: PlatformConfig{
			ID:     "termstream",
			NodeID: 1,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "termstream",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Ingest: IngestConfig{
			TextRateLimit:       200,
			TextBurst:           400,
			AckToken:            "OK",
			RateLimitCode:       "ERROR:429",
			DiagnosticsCapacity: 256,
		},
		Router: RouterConfig{
			Workers:          16,
			QueueSize:        1024,
			DispatchTimeout:  5 * time.Second,
			SentinelDeviceID: 1,
			Tables:           DefaultTables(),
		},
		Identity: IdentityConfig{
			L1: cache.DefaultConfig(),
			L2: L2Config{
				Backend:   BackendNATS,
				TTL:       10 * time.Minute,
				Bucket:    "TERMSTREAM_DEVICES",
				KeyPrefix: "termstream:device:",
				Channel:   "termstream:device:evict",
			},
			Directory: DirectoryConfig{
				Backend: BackendNATS,
				Subject: "directory.device.by_serial",
				Timeout: 500 * time.Millisecond,
			},
		},
		Dispatch: DispatchConfig{
			Backend:       BackendJetStream,
			Stream:        "TERMSTREAM_PUSHES",
			SubjectPrefix: "termstream.push",
			MaxAge:        72 * time.Hour,
			Duplicates:    2 * time.Minute,
		},
		Biometric: BiometricConfig{
			Store:            BackendSQLite,
			DSN:              "termstream-biometric.db",
			Workers:          8,
			QueueSize:        4096,
			CandidateTimeout: 50 * time.Millisecond,
			SearchBudget:     time.Second,
			CleanupInterval:  time.Hour,
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", fmt.Sprintf(format, args...))
}

// Validate checks the configuration and normalizes table keys to upper case
func (c *Config) Validate() error {
	if c.Router.Workers <= 0 {
		return invalid("router.workers must be positive, got %d", c.Router.Workers)
	}
	if c.Router.QueueSize <= 0 {
		return invalid("router.queue_size must be positive, got %d", c.Router.QueueSize)
	}
	if c.Router.DispatchTimeout <= 0 {
		return invalid("router.dispatch_timeout must be positive")
	}
	if c.Router.SentinelDeviceID <= 0 {
		return invalid("router.sentinel_device_id must be positive, got %d", c.Router.SentinelDeviceID)
	}
	if len(c.Router.Tables) == 0 {
		return invalid("router.tables must map at least one table")
	}
	tables := make(map[string]string, len(c.Router.Tables))
	for table, code := range c.Router.Tables {
		key := strings.ToUpper(strings.TrimSpace(table))
		if key == "" || strings.TrimSpace(code) == "" {
			return invalid("router.tables entry %q -> %q is incomplete", table, code)
		}
		if prev, dup := tables[key]; dup && prev != code {
			return invalid("router.tables maps %s to both %s and %s", key, prev, code)
		}
		tables[key] = code
	}
	c.Router.Tables = tables

	if c.Ingest.TextRateLimit <= 0 {
		return invalid("ingest.text_rate_limit must be positive")
	}
	if c.Ingest.TextBurst < 1 {
		return invalid("ingest.text_burst must be at least 1")
	}
	if len(c.Ingest.AckToken) == 0 {
		return invalid("ingest.ack_token is required")
	}
	if c.Ingest.DiagnosticsCapacity <= 0 {
		return invalid("ingest.diagnostics_capacity must be positive")
	}

	if err := c.Identity.L1.Validate(); err != nil {
		return err
	}
	switch c.Identity.L2.Backend {
	case BackendNone, BackendMemory, BackendNATS:
	case BackendRedis:
		if c.Identity.L2.RedisAddr == "" {
			return invalid("identity.l2.redis_addr is required for the redis backend")
		}
	default:
		return invalid("unknown identity.l2.backend %q", c.Identity.L2.Backend)
	}
	switch c.Identity.Directory.Backend {
	case BackendNone, BackendStatic, BackendNATS:
	default:
		return invalid("unknown identity.directory.backend %q", c.Identity.Directory.Backend)
	}
	if c.Identity.Directory.Timeout <= 0 {
		return invalid("identity.directory.timeout must be positive")
	}

	switch c.Dispatch.Backend {
	case BackendJetStream, BackendLog:
	default:
		return invalid("unknown dispatch.backend %q", c.Dispatch.Backend)
	}

	if c.needsNATS() && len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required by the configured backends")
	}

	switch c.Biometric.Store {
	case BackendMemory, BackendSQLite:
	default:
		return invalid("unknown biometric.store %q", c.Biometric.Store)
	}
	if c.Biometric.Workers <= 0 {
		return invalid("biometric.workers must be positive")
	}
	if c.Biometric.CandidateTimeout <= 0 || c.Biometric.SearchBudget <= 0 {
		return invalid("biometric.candidate_timeout and search_budget must be positive")
	}
	for modality, threshold := range c.Biometric.Thresholds {
		if threshold < 0 || threshold > 1 {
			return invalid("biometric.thresholds.%s must be within [0,1], got %v", modality, threshold)
		}
	}

	return nil
}

// NeedsNATS reports whether any configured backend uses NATS.
func (c *Config) NeedsNATS() bool {
	return c.needsNATS()
}

func (c *Config) needsNATS() bool {
	return c.Identity.L2.Backend == BackendNATS ||
		c.Identity.Directory.Backend == BackendNATS ||
		c.Dispatch.Backend == BackendJetStream
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, secret := range []*string{&masked.NATS.Password, &masked.NATS.Token, &masked.Identity.L2.RedisPassword} {
		if *secret != "" {
			*secret = "****"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

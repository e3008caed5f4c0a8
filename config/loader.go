package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/termstream/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TERMSTREAM"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// Layers returns the configured layer paths
func (l *Loader) Layers() []string {
	out := make([]string, len(l.layers))
	copy(out, l.layers)
	return out
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges defaults, every layer and the environment
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.Wrap(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadRaw reads a layer as a generic map, JSON or YAML by extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if err := checkDepth(raw, 0); err != nil {
		return nil, err
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationKeys end every field holding a time.Duration.
var durationKeys = []string{"timeout", "ttl", "interval", "wait", "budget", "max_age", "duplicates"}

func isDurationKey(key string) bool {
	for _, suffix := range durationKeys {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations rewrites duration strings to nanoseconds so the merged map
// decodes into time.Duration fields.
func parseDurations(m map[string]any) error {
	for key, value := range m {
		switch v := value.(type) {
		case map[string]any:
			if err := parseDurations(v); err != nil {
				return err
			}
		case string:
			if !isDurationKey(key) {
				continue
			}
			d, err := parseDurationWithDays(v)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
			}
			m[key] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// deepMergeMaps recursively merges override onto base. Tables are replaced
// wholesale so a layer can drop a default mapping.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if k != "tables" {
			if baseMap, ok := base[k].(map[string]any); ok {
				if overrideMap, ok := v.(map[string]any); ok {
					result[k] = deepMergeMaps(baseMap, overrideMap)
					continue
				}
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(key, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

// applyEnvOverrides applies TERMSTREAM_* overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		name   string
		target *string
	}{
		{"PLATFORM_ID", &cfg.Platform.ID},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"HTTP_ADDR", &cfg.HTTP.Addr},
		{"L2_BACKEND", &cfg.Identity.L2.Backend},
		{"REDIS_ADDR", &cfg.Identity.L2.RedisAddr},
		{"REDIS_PASSWORD", &cfg.Identity.L2.RedisPassword},
		{"DIRECTORY_BACKEND", &cfg.Identity.Directory.Backend},
		{"DISPATCH_BACKEND", &cfg.Dispatch.Backend},
		{"BIOMETRIC_STORE", &cfg.Biometric.Store},
		{"BIOMETRIC_DSN", &cfg.Biometric.DSN},
	}
	for _, s := range strs {
		val, ok, err := l.env(s.name)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", s.name)
		}
		if ok {
			*s.target = val
		}
	}

	if val, ok, err := l.env("NATS_URLS"); err != nil {
		return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "NATS_URLS")
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	if val, ok, err := l.env("NODE_ID"); err != nil {
		return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "NODE_ID")
	} else if ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse NODE_ID")
		}
		cfg.Platform.NodeID = n
	}

	if val, ok, err := l.env("TEXT_RATE_LIMIT"); err != nil {
		return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "TEXT_RATE_LIMIT")
	} else if ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse TEXT_RATE_LIMIT")
		}
		cfg.Ingest.TextRateLimit = f
	}

	return nil
}

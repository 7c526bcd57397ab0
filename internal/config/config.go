package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

const (
	defaultSourceURL       = "https://raw.githubusercontent.com/StevenBlack/hosts/master/alternates/porn/hosts"
	defaultDataDir         = "data"
	defaultArtifactName    = "blockerList.json"
	defaultMinDomains      = 100000
	defaultMaxDownloadSize = 64 * datasize.MB
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// ByteSize accepts plain byte counts or sizes such as "64MB".
type ByteSize struct {
	datasize.ByteSize
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		n, err := strconv.ParseUint(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size integer %q: %w", value.Value, err)
		}
		b.ByteSize = datasize.ByteSize(n)
		return nil
	}
	if err := b.ByteSize.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	return nil
}

type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Compiler    CompilerConfig    `yaml:"compiler"`
	Artifact    ArtifactConfig    `yaml:"artifact"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Logging     LoggingConfig     `yaml:"logging"`
	Control     ControlConfig     `yaml:"control"`
	Webhooks    WebhookConfig     `yaml:"webhooks"`
}

// SourceConfig describes the remote hosts list and how often it is refreshed.
type SourceConfig struct {
	URL             string   `yaml:"url"`
	Timeout         Duration `yaml:"timeout"`
	RefreshInterval Duration `yaml:"refresh_interval"` // snapshot age that triggers a refresh
	CheckInterval   Duration `yaml:"check_interval"`   // how often serve checks staleness
	MinDomains      int      `yaml:"min_domains"`      // smaller results are rejected as implausible
	MaxDownloadSize ByteSize `yaml:"max_download_size"`
}

type StorageConfig struct {
	Backend   string      `yaml:"backend"` // "file" or "redis"
	Directory string      `yaml:"directory"`
	StateFile string      `yaml:"state_file"` // file backend only
	CacheFile string      `yaml:"cache_file"`
	Redis     RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	DB        int    `yaml:"db"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

type CompilerConfig struct {
	MaxRules              int    `yaml:"max_rules"`
	MaxPredefinedKeywords int    `yaml:"max_predefined_keywords"`
	MaxCustomKeywords     int    `yaml:"max_custom_keywords"`
	MaxSnapshotDomains    int    `yaml:"max_snapshot_domains"`
	WhitelistPolicy       string `yaml:"whitelist_policy"` // "custom_domains" or "all"
	BundlePath            string `yaml:"bundle_path"`      // empty uses the embedded rule file
	KeywordsPath          string `yaml:"keywords_path"`
}

type ArtifactConfig struct {
	Targets []string `yaml:"targets"`
}

type EntitlementConfig struct {
	Entitled *bool `yaml:"entitled"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "text" or "json"
	Level  string `yaml:"level"`
}

type ControlConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Token     string `yaml:"token"`
	TokenHash string `yaml:"token_hash"` // bcrypt hash, checked when token is empty
}

type WebhookConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	URL         string   `yaml:"url"`
	Timeout     Duration `yaml:"timeout"`
	MinInterval Duration `yaml:"min_interval"`
}

func Load(overridePath string) (Config, error) {
	defaultPath := os.Getenv("DEFAULT_CONFIG_PATH")
	if strings.TrimSpace(defaultPath) == "" {
		defaultPath = "config/default.yaml"
	}
	return LoadWithFiles(defaultPath, overridePath)
}

// LoadWithFiles reads the default file, deep-merges the optional override file
// over it and applies defaults. A missing override file is not an error.
func LoadWithFiles(defaultPath, overridePath string) (Config, error) {
	baseData, err := os.ReadFile(defaultPath)
	if err != nil {
		return Config{}, err
	}
	base, err := parseYAMLMap(baseData)
	if err != nil {
		return Config{}, fmt.Errorf("parse default config: %w", err)
	}
	overridePath = strings.TrimSpace(overridePath)
	if overridePath != "" {
		overrideData, err := os.ReadFile(overridePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			override, err := parseYAMLMap(overrideData)
			if err != nil {
				return Config{}, fmt.Errorf("parse override config: %w", err)
			}
			base = mergeMaps(base, override)
		}
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse merged config: %w", err)
	}
	applyDefaults(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Source.URL == "" {
		cfg.Source.URL = defaultSourceURL
	}
	if cfg.Source.Timeout.Duration == 0 {
		cfg.Source.Timeout.Duration = 30 * time.Second
	}
	if cfg.Source.RefreshInterval.Duration == 0 {
		cfg.Source.RefreshInterval.Duration = 24 * time.Hour
	}
	if cfg.Source.CheckInterval.Duration == 0 {
		cfg.Source.CheckInterval.Duration = time.Hour
	}
	if cfg.Source.MinDomains == 0 {
		cfg.Source.MinDomains = defaultMinDomains
	}
	if cfg.Source.MaxDownloadSize.ByteSize == 0 {
		cfg.Source.MaxDownloadSize.ByteSize = defaultMaxDownloadSize
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Directory == "" {
		cfg.Storage.Directory = defaultDataDir
	}
	if cfg.Storage.StateFile == "" {
		cfg.Storage.StateFile = filepath.Join(cfg.Storage.Directory, "state.yaml")
	}
	if cfg.Storage.CacheFile == "" {
		cfg.Storage.CacheFile = filepath.Join(cfg.Storage.Directory, "blocklist-cache.json")
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = "blocker:"
	}
	if cfg.Compiler.MaxRules == 0 {
		cfg.Compiler.MaxRules = 15000
	}
	if cfg.Compiler.MaxPredefinedKeywords == 0 {
		cfg.Compiler.MaxPredefinedKeywords = 200
	}
	if cfg.Compiler.MaxCustomKeywords == 0 {
		cfg.Compiler.MaxCustomKeywords = 50
	}
	if cfg.Compiler.WhitelistPolicy == "" {
		cfg.Compiler.WhitelistPolicy = "custom_domains"
	}
	if len(cfg.Artifact.Targets) == 0 {
		cfg.Artifact.Targets = []string{
			filepath.Join(cfg.Storage.Directory, "shared", defaultArtifactName),
			filepath.Join(cfg.Storage.Directory, defaultArtifactName),
		}
	}
	if cfg.Entitlement.Entitled == nil {
		cfg.Entitlement.Entitled = boolPtr(false)
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warning"
	}
	if cfg.Control.Enabled == nil {
		cfg.Control.Enabled = boolPtr(false)
	}
	if cfg.Control.Listen == "" {
		cfg.Control.Listen = "127.0.0.1:8081"
	}
	if cfg.Webhooks.Enabled == nil {
		cfg.Webhooks.Enabled = boolPtr(false)
	}
	if cfg.Webhooks.Timeout.Duration == 0 {
		cfg.Webhooks.Timeout.Duration = 5 * time.Second
	}
	if cfg.Webhooks.MinInterval.Duration == 0 {
		cfg.Webhooks.MinInterval.Duration = 10 * time.Second
	}
}

func normalize(cfg *Config) {
	cfg.Source.URL = strings.TrimSpace(cfg.Source.URL)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Compiler.WhitelistPolicy = strings.ToLower(strings.TrimSpace(cfg.Compiler.WhitelistPolicy))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	targets := make([]string, 0, len(cfg.Artifact.Targets))
	for _, target := range cfg.Artifact.Targets {
		if target = strings.TrimSpace(target); target != "" {
			targets = append(targets, target)
		}
	}
	cfg.Artifact.Targets = targets
	cfg.Control.Token = strings.TrimSpace(cfg.Control.Token)
	cfg.Control.TokenHash = strings.TrimSpace(cfg.Control.TokenHash)
	cfg.Webhooks.URL = strings.TrimSpace(cfg.Webhooks.URL)
}

func validate(cfg *Config) error {
	parsed, err := url.Parse(cfg.Source.URL)
	if err != nil {
		return fmt.Errorf("invalid source.url %q: %w", cfg.Source.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("source.url must be http or https (got %q)", cfg.Source.URL)
	}
	if cfg.Source.MinDomains < 1 {
		return fmt.Errorf("source.min_domains must be at least 1")
	}
	if cfg.Source.Timeout.Duration < 0 || cfg.Source.RefreshInterval.Duration < 0 || cfg.Source.CheckInterval.Duration < 0 {
		return fmt.Errorf("source intervals must not be negative")
	}
	switch cfg.Storage.Backend {
	case "file":
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Address) == "" {
			return fmt.Errorf("storage.redis.address must not be empty when backend is redis")
		}
	default:
		return fmt.Errorf("storage.backend must be file or redis (got %q)", cfg.Storage.Backend)
	}
	if cfg.Compiler.MaxRules < 1 || cfg.Compiler.MaxPredefinedKeywords < 0 ||
		cfg.Compiler.MaxCustomKeywords < 0 || cfg.Compiler.MaxSnapshotDomains < 0 {
		return fmt.Errorf("compiler limits must not be negative and max_rules must be at least 1")
	}
	switch cfg.Compiler.WhitelistPolicy {
	case "custom_domains", "all":
	default:
		return fmt.Errorf("compiler.whitelist_policy must be custom_domains or all (got %q)", cfg.Compiler.WhitelistPolicy)
	}
	if len(cfg.Artifact.Targets) == 0 {
		return fmt.Errorf("artifact.targets must not be empty")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", cfg.Logging.Format)
	}
	if cfg.Webhooks.Enabled != nil && *cfg.Webhooks.Enabled {
		if cfg.Webhooks.URL == "" {
			return fmt.Errorf("webhooks.url must not be empty when webhooks are enabled")
		}
		if _, err := url.ParseRequestURI(cfg.Webhooks.URL); err != nil {
			return fmt.Errorf("invalid webhooks.url %q: %w", cfg.Webhooks.URL, err)
		}
	}
	return nil
}

func boolPtr(value bool) *bool {
	return &value
}

func parseYAMLMap(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized, ok := normalizeMap(raw).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return normalized, nil
}

func normalizeMap(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			out[key] = normalizeMap(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			keyStr, ok := key.(string)
			if !ok {
				continue
			}
			out[keyStr] = normalizeMap(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, val := range typed {
			out = append(out, normalizeMap(val))
		}
		return out
	default:
		return typed
	}
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for key, overrideVal := range override {
		if baseVal, ok := base[key]; ok {
			baseMap, baseOK := baseVal.(map[string]interface{})
			overrideMap, overrideOK := overrideVal.(map[string]interface{})
			if baseOK && overrideOK {
				base[key] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		base[key] = overrideVal
	}
	return base
}

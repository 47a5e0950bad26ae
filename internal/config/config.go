package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CARCHAT_"

// FileName is the config file looked up inside the base directory.
const FileName = "config.toml"

// Config holds application configuration.
type Config struct {
	// TurnTimeout is the soft deadline for the repository stages of one turn.
	TurnTimeout time.Duration `koanf:"turn_timeout"`

	// HistoryLimit is the number of trailing messages loaded as recent context.
	HistoryLimit int `koanf:"history_limit"`

	// SimilarLimit caps the similar-conversation lookup.
	SimilarLimit int `koanf:"similar_limit"`

	// SimilarMinMessages is the minimum message count for a conversation to
	// count as similar.
	SimilarMinMessages int `koanf:"similar_min_messages"`

	// RecencyWindowDays bounds the user-context aggregate.
	RecencyWindowDays int `koanf:"recency_window_days"`

	// PersonalizationMinUses is how often a capability must appear in the
	// user's history before it nudges confidence.
	PersonalizationMinUses int `koanf:"personalization_min_uses"`

	// PersonalizationBoost is added to the router confidence on a match.
	PersonalizationBoost float64 `koanf:"personalization_boost"`

	// RoutingRulesPath optionally replaces the embedded routing rules.
	RoutingRulesPath string `koanf:"routing_rules_path"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `koanf:"db_max_open_conns"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `koanf:"db_max_idle_conns"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `koanf:"disabled_tools"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TurnTimeout:            10 * time.Second,
		HistoryLimit:           5,
		SimilarLimit:           3,
		SimilarMinMessages:     2,
		RecencyWindowDays:      30,
		PersonalizationMinUses: 3,
		PersonalizationBoost:   0.1,
		LogLevel:               "info",
	}
}

// Load loads configuration from baseDir/config.toml layered over the
// defaults, then applies CARCHAT_* environment overrides.
// A missing file is not an error.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.carchat.
func Load(baseDir string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := filepath.Join(baseDir, FileName)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DisabledTools = mergeStringSlice(nil, cfg.DisabledTools)

	return cfg, nil
}

// ProjectDir is the per-project directory searched for FileName.
const ProjectDir = ".carchat"

// LoadWithProject loads the global configuration from baseDir and layers the
// nearest project config (ProjectDir/FileName, found by walking up from
// startDir) over it. Project scalars win over the global file and arrays are
// merged. CARCHAT_* environment overrides still win over both.
func LoadWithProject(baseDir, startDir string) (*Config, error) {
	global, err := Load(baseDir)
	if err != nil {
		return nil, err
	}

	path := FindProjectConfig(startDir)
	if path == "" || path == filepath.Join(baseDir, FileName) {
		return global, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	project := &Config{}
	if err := k.Unmarshal("", project); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return Merge(global, project), nil
}

// FindProjectConfig walks upward from startDir to the nearest
// ProjectDir/FileName. It returns "" when there is none.
func FindProjectConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		path := filepath.Join(dir, ProjectDir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// envValue maps CARCHAT_TURN_TIMEOUT=5s to turn_timeout and splits list values.
func envValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "disabled_tools" {
		return key, strings.Split(value, ",")
	}
	return key, value
}

func defaultsMap() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"turn_timeout":             d.TurnTimeout,
		"history_limit":            d.HistoryLimit,
		"similar_limit":            d.SimilarLimit,
		"similar_min_messages":     d.SimilarMinMessages,
		"recency_window_days":      d.RecencyWindowDays,
		"personalization_min_uses": d.PersonalizationMinUses,
		"personalization_boost":    d.PersonalizationBoost,
		"log_level":                d.LogLevel,
	}
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := *base

	if overlay.TurnTimeout > 0 {
		result.TurnTimeout = overlay.TurnTimeout
	}
	if overlay.HistoryLimit > 0 {
		result.HistoryLimit = overlay.HistoryLimit
	}
	if overlay.SimilarLimit > 0 {
		result.SimilarLimit = overlay.SimilarLimit
	}
	if overlay.SimilarMinMessages > 0 {
		result.SimilarMinMessages = overlay.SimilarMinMessages
	}
	if overlay.RecencyWindowDays > 0 {
		result.RecencyWindowDays = overlay.RecencyWindowDays
	}
	if overlay.PersonalizationMinUses > 0 {
		result.PersonalizationMinUses = overlay.PersonalizationMinUses
	}
	if overlay.PersonalizationBoost > 0 {
		result.PersonalizationBoost = overlay.PersonalizationBoost
	}
	if overlay.RoutingRulesPath != "" {
		result.RoutingRulesPath = overlay.RoutingRulesPath
	}
	if overlay.LogLevel != "" {
		result.LogLevel = overlay.LogLevel
	}
	if overlay.DBMaxOpenConns > 0 {
		result.DBMaxOpenConns = overlay.DBMaxOpenConns
	}
	if overlay.DBMaxIdleConns > 0 {
		result.DBMaxIdleConns = overlay.DBMaxIdleConns
	}

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return &result
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// Package config loads the core's configuration options from
// defaults, an optional YAML policy file, and environment variables, in
// that ascending order of priority, then validates the result.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NetworkMode is the sandbox's network posture.
type NetworkMode string

const (
	NetworkOff   NetworkMode = "off"
	NetworkAllow NetworkMode = "allow"
)

// SandboxConfig mirrors the sandbox's resource-limit options.
type SandboxConfig struct {
	MemoryBytes   int64       `yaml:"memory_bytes" env:"SANDBOX_MEMORY_BYTES" validate:"gt=0"`
	CPUMillis     int64       `yaml:"cpu_ms" env:"SANDBOX_CPU_MS" validate:"gt=0"`
	WallMillis    int64       `yaml:"wall_ms" env:"SANDBOX_WALL_MS" validate:"gt=0"`
	Network       NetworkMode `yaml:"network" env:"SANDBOX_NETWORK" validate:"oneof=off allow"`
	NetworkAllow  []string    `yaml:"network_allowlist"`
	FSRoots       []string    `yaml:"fs_roots"`
	MaxProcs      int         `yaml:"max_procs" env:"SANDBOX_MAX_PROCS" validate:"gte=0"`
	MaxFDs        int         `yaml:"max_fds" env:"SANDBOX_MAX_FDS" validate:"gte=0"`
	MaxConcurrent int         `yaml:"max_concurrent" env:"SANDBOX_MAX_CONCURRENT" validate:"gt=0"`
}

// AnalyzerConfig mirrors the analyzer's configuration options.
type AnalyzerConfig struct {
	AllowedModules     []string `yaml:"allowed_modules"`
	TreatMediumAsFatal bool     `yaml:"treat_medium_as_fatal" env:"ANALYZER_TREAT_MEDIUM_AS_FATAL"`
}

// CapabilityConfig mirrors the capability manager's configuration options.
type CapabilityConfig struct {
	CheckTTLMillis     int64   `yaml:"capability_check_ttl_ms" env:"CAPABILITY_CHECK_TTL_MS" validate:"gte=0"`
	CacheSize          int     `yaml:"cache_size" env:"CAPABILITY_CACHE_SIZE" validate:"gt=0"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" env:"CAPABILITY_RATE_LIMIT_PER_SECOND" validate:"gte=0"`
	RateLimitBurst     int     `yaml:"rate_limit_burst" env:"CAPABILITY_RATE_LIMIT_BURST" validate:"gte=0"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is the root configuration object for the core.
type Config struct {
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Capability CapabilityConfig `yaml:"capability"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns the baked-in sensible-default configuration.
func Default() Config {
	return Config{
		Analyzer: AnalyzerConfig{
			AllowedModules:     []string{"math", "strings", "time", "json"},
			TreatMediumAsFatal: false,
		},
		Capability: CapabilityConfig{
			CheckTTLMillis:     5000,
			CacheSize:          4096,
			RateLimitPerSecond: 0,
			RateLimitBurst:     0,
		},
		Sandbox: SandboxConfig{
			MemoryBytes:   256 * 1024 * 1024,
			CPUMillis:     30000,
			WallMillis:    30000,
			Network:       NetworkOff,
			MaxProcs:      0,
			MaxFDs:        64,
			MaxConcurrent: 8,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config starting from Default(), overlaying a YAML file at
// path (if non-empty and present), then environment variables, then
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	// .env is best-effort: local developer convenience only.
	_ = godotenv.Load()

	if err := envdecode.Decode(&cfg); err != nil && !isNoTargetFieldsErr(err) {
		return cfg, fmt.Errorf("decode env config: %w", err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// isNoTargetFieldsErr swallows envdecode's "no target fields" error, which
// fires for the struct fields that carry no `env` tag (e.g. NetworkAllow).
func isNoTargetFieldsErr(err error) bool {
	return strings.Contains(err.Error(), "envdecode: no target field")
}

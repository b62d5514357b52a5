// Package config loads service configuration from an optional YAML file and
// VETAI_-prefixed environment variables, with env taking precedence. All
// configuration is resolved once at process start and passed into component
// constructors; nothing reads the process environment afterwards.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type OpenAIConfig struct {
	APIKey        string `koanf:"apikey"`
	BaseURL       string `koanf:"baseurl"`
	Model         string `koanf:"model"`
	FallbackModel string `koanf:"fallbackmodel"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// AuthConfig carries clinic API keys as "clinicID:key" pairs, comma separated.
type AuthConfig struct {
	Keys string `koanf:"keys"`
}

// Pairs splits the configured keys into (clinicID, key) tuples.
func (a AuthConfig) Pairs() ([][2]string, error) {
	if strings.TrimSpace(a.Keys) == "" {
		return nil, nil
	}
	var out [][2]string
	for _, entry := range strings.Split(a.Keys, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed auth key entry %q, want clinicID:key", entry)
		}
		out = append(out, [2]string{parts[0], parts[1]})
	}
	return out, nil
}

type RateLimitConfig struct {
	AnalyzeMaxAttempts int `koanf:"analyzemaxattempts"`
	AnalyzeWindowMin   int `koanf:"analyzewindowmin"`
	LockoutThreshold   int `koanf:"lockoutthreshold"`
	LockoutDurationMin int `koanf:"lockoutdurationmin"`
}

// AnalyzeWindow returns the analyze window as a duration.
func (r RateLimitConfig) AnalyzeWindow() time.Duration {
	return time.Duration(r.AnalyzeWindowMin) * time.Minute
}

// LockoutDuration returns the lockout duration as a duration.
func (r RateLimitConfig) LockoutDuration() time.Duration {
	return time.Duration(r.LockoutDurationMin) * time.Minute
}

// Load reads configuration. configFile may be empty; when set it must point at
// a YAML file, which environment variables then override.
func Load(configFile string) (*Config, error) {
	k := koanf.New(".")

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	// Load environment variables
	if err := k.Load(env.Provider("VETAI_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "VETAI_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	defaults := map[string]any{
		"server.port":                  8080,
		"openai.model":                 "gpt-4o-mini",
		"database.driver":              "sqlite",
		"database.dsn":                 "clinical-ai.db",
		"ratelimit.analyzemaxattempts": 60,
		"ratelimit.analyzewindowmin":   60,
		"ratelimit.lockoutthreshold":   10,
		"ratelimit.lockoutdurationmin": 30,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for required settings.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.apikey is required (VETAI_OPENAI_APIKEY)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if _, err := c.Auth.Pairs(); err != nil {
		return err
	}
	return nil
}

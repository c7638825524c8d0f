// Package config loads packplan settings from defaults, an optional TOML
// file and PACKPLAN_* environment variables, in increasing priority.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/genplan"
	"github.com/abhisek/packplan/internal/lifecycle"
	"github.com/abhisek/packplan/internal/llm"
	"github.com/abhisek/packplan/internal/lock"
	"github.com/abhisek/packplan/internal/observability"
	"github.com/abhisek/packplan/internal/selector"
)

const (
	configName = "packplan"
	configType = "toml"
	envPrefix  = "PACKPLAN"
)

// Lock backends.
const (
	LockKeyed = "keyed"
	LockRedis = "redis"
)

// Config is the full application configuration.
type Config struct {
	DBPath   string `mapstructure:"db_path" toml:"db_path"`
	HTTPAddr string `mapstructure:"http_addr" toml:"http_addr"`
	LogMode  string `mapstructure:"log_mode" toml:"log_mode"`

	// DiscoverLLM picks a provider from standard API key env vars when
	// llm.provider is "none".
	DiscoverLLM bool `mapstructure:"discover_llm" toml:"discover_llm"`

	Pack      PackConfig           `mapstructure:"pack" toml:"pack"`
	Planner   PlannerConfig        `mapstructure:"planner" toml:"planner"`
	Lock      LockConfig           `mapstructure:"lock" toml:"lock"`
	Lifecycle lifecycle.Config     `mapstructure:"lifecycle" toml:"lifecycle"`
	Tracing   observability.Config `mapstructure:"tracing" toml:"tracing"`
	LLM       llm.Config           `mapstructure:"llm" toml:"llm"`
}

// PackConfig is the flat form of constraints.Spec.
type PackConfig struct {
	Size                  int                        `mapstructure:"size" toml:"size"`
	Easy                  int                        `mapstructure:"easy" toml:"easy"`
	Medium                int                        `mapstructure:"medium" toml:"medium"`
	Hard                  int                        `mapstructure:"hard" toml:"hard"`
	FrequencyMinima       []constraints.FrequencyMin `mapstructure:"frequency_minima" toml:"frequency_minima"`
	MinDistinctTopicPairs int                        `mapstructure:"min_distinct_topic_pairs" toml:"min_distinct_topic_pairs"`
	AvoidStrongTopics     bool                       `mapstructure:"avoid_strong_topics" toml:"avoid_strong_topics"`
}

// Spec converts the pack settings to a constraints.Spec.
func (p PackConfig) Spec() constraints.Spec {
	return constraints.Spec{
		Size: p.Size,
		Distribution: map[catalog.Band]int{
			catalog.BandEasy:   p.Easy,
			catalog.BandMedium: p.Medium,
			catalog.BandHard:   p.Hard,
		},
		FrequencyMinima:       append([]constraints.FrequencyMin(nil), p.FrequencyMinima...),
		MinDistinctTopicPairs: p.MinDistinctTopicPairs,
		AvoidStrongTopics:     p.AvoidStrongTopics,
	}
}

func packFromSpec(s constraints.Spec) PackConfig {
	return PackConfig{
		Size:                  s.Size,
		Easy:                  s.Required(catalog.BandEasy),
		Medium:                s.Required(catalog.BandMedium),
		Hard:                  s.Required(catalog.BandHard),
		FrequencyMinima:       s.FrequencyMinima,
		MinDistinctTopicPairs: s.MinDistinctTopicPairs,
		AvoidStrongTopics:     s.AvoidStrongTopics,
	}
}

// PlannerConfig groups the candidate selector and generative planner.
type PlannerConfig struct {
	Selector   selector.Config `mapstructure:"selector" toml:"selector"`
	Generative genplan.Config  `mapstructure:"generative" toml:"generative"`
}

// LockConfig selects the per-learner lock.
type LockConfig struct {
	// Backend is "keyed" (in-process) or "redis" (shared).
	Backend string           `mapstructure:"backend" toml:"backend"`
	Wait    time.Duration    `mapstructure:"wait" toml:"wait"`
	Redis   lock.RedisConfig `mapstructure:"redis" toml:"redis"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:  ":8080",
		LogMode:   "dev",
		Pack:      packFromSpec(constraints.DefaultSpec()),
		Planner:   PlannerConfig{Selector: selector.DefaultConfig(), Generative: genplan.DefaultConfig()},
		Lock:      LockConfig{Backend: LockKeyed, Wait: 2 * time.Second, Redis: lock.RedisConfig{Addr: "localhost:6379"}},
		Lifecycle: lifecycle.DefaultConfig(),
		Tracing:   observability.Config{Exporter: "none", SampleRatio: 1, ServiceName: "packplan"},
		LLM:       llm.DefaultConfig(),
	}
}

// Load reads configuration. An empty path searches the working directory
// and $XDG_CONFIG_HOME/packplan for packplan.toml; a missing file is not an
// error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType(configType)

	// Seeding viper with the encoded defaults registers every key, which
	// AutomaticEnv needs to resolve env overrides during Unmarshal.
	base, err := toml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := configDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DiscoverLLM && !cfg.LLM.Enabled() {
		if discovered, ok := llm.DiscoverConfig(); ok {
			discovered.Retry = cfg.LLM.Retry
			cfg.LLM = discovered
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	if err := c.Pack.Spec().Validate(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	switch c.Lock.Backend {
	case LockKeyed, LockRedis:
	default:
		return fmt.Errorf("lock: unknown backend %q", c.Lock.Backend)
	}
	if c.Lock.Wait <= 0 {
		return errors.New("lock: wait must be positive")
	}
	if c.Planner.Generative.Budget <= 0 {
		return errors.New("planner: generative budget must be positive")
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	return nil
}

// TOML renders the configuration with credentials masked.
func (c *Config) TOML() ([]byte, error) {
	masked := *c
	masked.LLM.Anthropic.APIKey = mask(masked.LLM.Anthropic.APIKey)
	masked.LLM.OpenAI.APIKey = mask(masked.LLM.OpenAI.APIKey)
	masked.LLM.Gemini.APIKey = mask(masked.LLM.Gemini.APIKey)
	masked.LLM.OpenRouter.APIKey = mask(masked.LLM.OpenRouter.APIKey)
	masked.Lock.Redis.Password = mask(masked.Lock.Redis.Password)
	return toml.Marshal(masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func configDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "packplan"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "packplan"), nil
}

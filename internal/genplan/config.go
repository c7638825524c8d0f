package genplan

import "time"

// Config controls the generative planner.
type Config struct {
	// Budget bounds the whole planning step, corrective retry included.
	Budget time.Duration `mapstructure:"budget" toml:"budget"`

	// MaxAttempts is 2: one attempt plus one corrective retry.
	MaxAttempts int `mapstructure:"max_attempts" toml:"max_attempts"`

	MaxTokens   int     `mapstructure:"max_tokens" toml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
}

// DefaultConfig returns the standard planner settings.
func DefaultConfig() Config {
	return Config{
		Budget:      3 * time.Second,
		MaxAttempts: 2,
		MaxTokens:   2048,
		Temperature: 0.2,
	}
}

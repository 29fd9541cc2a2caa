package recovery

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls recovery code shape and email token timing.
type Config struct {
	CodeCount   int           `env:"PASSKIT_RECOVERY_CODE_COUNT"  envDefault:"8"`
	CodeLength  int           `env:"PASSKIT_RECOVERY_CODE_LENGTH" envDefault:"20"`
	TokenTTL    time.Duration `env:"PASSKIT_RECOVERY_TOKEN_TTL"   envDefault:"60m"`
	LinkBaseURL string        `env:"PASSKIT_RECOVERY_LINK_URL"    envDefault:"http://localhost:8086/recover"`
}

// LoadConfigFromEnv returns recovery configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			CodeCount:   8,
			CodeLength:  20,
			TokenTTL:    60 * time.Minute,
			LinkBaseURL: "http://localhost:8086/recover",
		}
	}
	if cfg.CodeCount <= 0 {
		cfg.CodeCount = 8
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 20
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 60 * time.Minute
	}
	if cfg.LinkBaseURL == "" {
		cfg.LinkBaseURL = "http://localhost:8086/recover"
	}
	return cfg
}

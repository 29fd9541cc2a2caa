package ceremony

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls relying party identity and challenge timing.
type Config struct {
	RPDisplayName string        `env:"PASSKIT_RP_DISPLAY_NAME" envDefault:"Passkit"`
	RPID          string        `env:"PASSKIT_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"PASSKIT_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"PASSKIT_CHALLENGE_TTL"   envDefault:"5m"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
//
// Defaults are intentionally explicit because challenge timing is
// security-sensitive and should remain predictable in local and CI
// environments.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "Passkit",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8086"},
			ChallengeTTL:  5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "Passkit"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8086"}
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return cfg
}

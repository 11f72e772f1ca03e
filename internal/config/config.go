package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the bot needs from the environment.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`

	// DatabaseURL points at the Postgres instance holding saved playlists.
	// Playlist commands are disabled when empty.
	DatabaseURL string `env:"DATABASE_URL"`

	StoragePath string `env:"STORAGE_PATH" envDefault:"datastore.json"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	// IdleTimeout applies to both the queue-exhausted and the
	// empty-channel disconnect timers.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`

	AudioBitrate     int `env:"AUDIO_BITRATE" envDefault:"96000"`
	ResolveBatchSize int `env:"RESOLVE_BATCH_SIZE" envDefault:"3"`
}

// New loads .env (when present) and parses the environment.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.ResolveBatchSize < 1 {
		cfg.ResolveBatchSize = 1
	}

	return &cfg, nil
}

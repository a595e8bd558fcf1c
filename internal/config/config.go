// Package config содержит логику чтения конфигурации сервиса учёта доставок воды.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultTruckTypeID = 1
	defaultCooldown    = 30 * time.Second
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress         string        `env:"RUN_ADDRESS"`
	DatabaseURI        string        `env:"DATABASE_URI"`
	JWTSecret          string        `env:"JWT_SECRET"`
	RedisURL           string        `env:"REDIS_URL"`
	DeviceKey          string        `env:"DEVICE_KEY"`
	DefaultTruckTypeID int64         `env:"DEFAULT_TRUCK_TYPE_ID"`
	SwipeCooldown      time.Duration `env:"SWIPE_COOLDOWN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.JWTSecret, "s", "", "secret for access token signatures")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for card swipe debounce")
	flag.StringVar(&cfg.DeviceKey, "k", "", "shared key of card readers")
	flag.Int64Var(&cfg.DefaultTruckTypeID, "t", defaultTruckTypeID, "truck type for card swipes")
	flag.DurationVar(&cfg.SwipeCooldown, "c", defaultCooldown, "minimal interval between swipes of one card")

	flag.Parse()

	// env не трогает поля, для которых переменная не задана.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.DefaultTruckTypeID <= 0 {
		return nil, fmt.Errorf("default truck type id must be positive, got %d", cfg.DefaultTruckTypeID)
	}
	if cfg.SwipeCooldown < 0 {
		return nil, fmt.Errorf("swipe cooldown must not be negative, got %s", cfg.SwipeCooldown)
	}

	return cfg, nil
}

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/huikka/subathon/internal/models"
)

// Settings is the static reference data loaded once at startup: the channel
// point reward table, the sleep caps and the goal list shown to viewers.
type Settings struct {
	Rewards      map[string]int64 `yaml:"rewards"`
	MaxSleepTime models.SleepCaps `yaml:"max_sleep_time"`
	Goals        []models.Goal    `yaml:"goals"`
}

func loadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	return &settings, nil
}

// databaseDSN builds the Postgres connection URL from DB_* environment
// variables, with local-development defaults.
func databaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "subathon"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Package config содержит логику чтения конфигурации сервиса членства.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса членства.
type Config struct {
	RunAddress        string  `env:"RUN_ADDRESS"`
	DatabaseURI       string  `env:"DATABASE_URI"`
	NotifierAddress   string  `env:"NOTIFIER_ADDRESS"`
	AuthSecret        string  `env:"AUTH_SECRET"`
	WelcomeBonusHours float64 `env:"WELCOME_BONUS_HOURS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifierAddress := cfg.NotifierAddress
	envAuthSecret := cfg.AuthSecret
	envWelcomeBonus := cfg.WelcomeBonusHours

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "notification dispatcher address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for caller token verification")
	flag.Float64Var(&cfg.WelcomeBonusHours, "b", 5, "welcome bonus in hours")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifierAddress != "" {
		cfg.NotifierAddress = envNotifierAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envWelcomeBonus != 0 {
		cfg.WelcomeBonusHours = envWelcomeBonus
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.WelcomeBonusHours < 0 {
		return nil, fmt.Errorf("welcome bonus must not be negative, got %v", cfg.WelcomeBonusHours)
	}

	return cfg, nil
}

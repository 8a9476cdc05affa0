// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/pharmaledger/internal/money"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress              string `env:"RUN_ADDRESS"`
	DatabaseURI             string `env:"DATABASE_URI"`
	InventoryServiceAddress string `env:"INVENTORY_SERVICE_ADDRESS"`
	RedisAddress            string `env:"REDIS_ADDRESS"`
	RedisPassword           string `env:"REDIS_PASSWORD"`

	// JWTSecret и PaymentCallbackToken обязательны вне песочницы.
	JWTSecret string `env:"JWT_SECRET"`

	MercadoPagoAccessToken string        `env:"MERCADOPAGO_ACCESS_TOKEN"`
	PaymentGatewaySandbox  bool          `env:"PAYMENT_GATEWAY_SANDBOX" envDefault:"true"`
	PaymentNotificationURL string        `env:"PAYMENT_NOTIFICATION_URL"`
	PaymentCallbackToken   string        `env:"PAYMENT_CALLBACK_TOKEN"`
	SessionExpiry          time.Duration `env:"SESSION_EXPIRY" envDefault:"15m"`

	Currency  string `env:"CURRENCY" envDefault:"NPR"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envInventoryAddress := cfg.InventoryServiceAddress
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.InventoryServiceAddress, "i", "", "inventory service address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for callback de-duplication")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envInventoryAddress != "" {
		cfg.InventoryServiceAddress = envInventoryAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if !money.Currency(cfg.Currency).IsValid() {
		return nil, fmt.Errorf("unsupported currency %q", cfg.Currency)
	}
	if cfg.SessionExpiry <= 0 {
		return nil, fmt.Errorf("session expiry must be positive, got %s", cfg.SessionExpiry)
	}
	if !cfg.PaymentGatewaySandbox {
		if cfg.MercadoPagoAccessToken == "" {
			return nil, errors.New("MERCADOPAGO_ACCESS_TOKEN is required when the gateway sandbox is disabled")
		}
		if cfg.JWTSecret == "" {
			return nil, errors.New("JWT_SECRET is required when the gateway sandbox is disabled")
		}
		if cfg.PaymentCallbackToken == "" {
			return nil, errors.New("PAYMENT_CALLBACK_TOKEN is required when the gateway sandbox is disabled")
		}
	}

	return cfg, nil
}

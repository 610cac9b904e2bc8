// Package config содержит логику чтения конфигурации сервиса заданий.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/imagejobs/internal/ratelimit"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultDatabaseURI = "sqlite::memory:"
)

// S3 содержит параметры хранилища загрузок.
type S3 struct {
	Bucket    string `env:"S3_BUCKET"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Endpoint  string `env:"S3_ENDPOINT"`
}

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	ConfigFile   string `env:"CONFIG_FILE"`
	JWTSecret    string `env:"JWT_SECRET"`
	RedisAddr    string `env:"REDIS_ADDR"`
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE"`

	ProviderAddress      string  `env:"PROVIDER_ADDRESS"`
	ProviderAPIKey       string  `env:"PROVIDER_API_KEY"`
	ProviderRPS          float64 `env:"PROVIDER_RPS" envDefault:"5"`
	ProviderSubmitPreset string  `env:"PROVIDER_SUBMIT_PRESET" envDefault:"long"`

	// ProvisionUsers создаёт счёт пользователя при первом списании.
	ProvisionUsers bool `env:"PROVISION_USERS" envDefault:"true"`

	BillingAddress   string `env:"BILLING_ADDRESS"`
	BillingAPIKey    string `env:"BILLING_API_KEY"`
	BillingReturnURL string `env:"BILLING_RETURN_URL"`

	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	StaleAfter        time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5s"`

	S3 S3

	// Quotas читаются только из YAML-файла и дополняют квоты по умолчанию.
	Quotas ratelimit.Quotas
}

// File описывает YAML-файл конфигурации: структуры, которые неудобно задавать переменными окружения.
type File struct {
	AllowedOrigins []string                   `yaml:"allowed_origins"`
	Quotas         map[string]ratelimit.Quota `yaml:"quotas"`
}

// Parse считывает конфигурацию из .env, флагов командной строки, переменных окружения и YAML-файла.
// Переменные окружения имеют приоритет над флагами, флаги и окружение над файлом.
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
	envProviderAddress := cfg.ProviderAddress
	envConfigFile := cfg.ConfigFile

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", defaultDatabaseURI, "database URI (postgres:// or sqlite:)")
	flag.StringVar(&cfg.ProviderAddress, "p", "", "image provider address")
	flag.StringVar(&cfg.ConfigFile, "c", "", "path to YAML config file")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderAddress != "" {
		cfg.ProviderAddress = envProviderAddress
	}
	if envConfigFile != "" {
		cfg.ConfigFile = envConfigFile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.DatabaseURI == "" {
		cfg.DatabaseURI = defaultDatabaseURI
	}

	cfg.Quotas = ratelimit.DefaultQuotas()
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if cfg.StaleAfter <= 0 {
		return nil, errors.New("STALE_AFTER must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, errors.New("RECONCILE_INTERVAL must be positive")
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = f.AllowedOrigins
	}

	for name, q := range f.Quotas {
		class := ratelimit.Class(name)
		if _, ok := c.Quotas[class]; !ok {
			return fmt.Errorf("config file: unknown quota class %q", name)
		}
		if q.Max <= 0 || q.Window <= 0 {
			return fmt.Errorf("config file: quota %q must have positive max and window", name)
		}
		c.Quotas[class] = q
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config содержит всю конфигурацию приложения
//
// Порядок применения: значения по умолчанию, затем YAML файл из
// CONFIG_FILE (если задан), затем переменные окружения.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Security  SecurityConfig  `yaml:"security"`
	Broker    BrokerConfig    `yaml:"broker"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Principal PrincipalConfig `yaml:"principal"`
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// лимит запросов к /api/v1 на принципала
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     float64 `yaml:"rate_limit_burst"`
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // postgres | sqlite
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	SSLMode    string `yaml:"ssl_mode"`
	SQLitePath string `yaml:"sqlite_path"`
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - секрет для шифрования токенов брокера в БД
	EncryptionKey string `yaml:"encryption_key"`
	// APIKey - ключ доступа к REST API; пусто - без проверки
	APIKey string `yaml:"api_key"`
}

// BrokerConfig - настройки upstream брокера
type BrokerConfig struct {
	Name              string        `yaml:"name"`
	Environment       string        `yaml:"environment"` // demo | live
	BaseURL           string        `yaml:"base_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	QuoteConcurrency  int           `yaml:"quote_concurrency"`
}

// RealtimeConfig - настройки realtime hub
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	InboundRate       float64       `yaml:"inbound_rate"`
	InboundBurst      float64       `yaml:"inbound_burst"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PrincipalConfig - принципал запросов без явного заголовка
type PrincipalConfig struct {
	DefaultID string `yaml:"default_id"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			Host:               "0.0.0.0",
			AllowedOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       30 * time.Second,
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			Name:       "tradebridge",
			User:       "user",
			Password:   "password",
			SSLMode:    "disable",
			SQLitePath: "tradebridge.db",
		},
		Broker: BrokerConfig{
			Name:              "tradelocker",
			Environment:       "demo",
			RequestTimeout:    15 * time.Second,
			RequestsPerMinute: 300,
			QuoteConcurrency:  4,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			SendBuffer:        256,
			InboundRate:       5,
			InboundBurst:      10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Principal: PrincipalConfig{
			DefaultID: "local",
		},
	}
}

// Load загружает конфигурацию
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile накладывает YAML файл поверх текущих значений
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.RateLimitPerSecond = getEnvAsFloat("API_RATE_LIMIT", c.Server.RateLimitPerSecond)
	c.Server.RateLimitBurst = getEnvAsFloat("API_RATE_BURST", c.Server.RateLimitBurst)

	c.Database.Driver = strings.ToLower(getEnv("DB_DRIVER", c.Database.Driver))
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)

	c.Security.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Security.EncryptionKey)
	c.Security.APIKey = getEnv("API_KEY", c.Security.APIKey)

	c.Broker.Name = strings.ToLower(getEnv("BROKER_NAME", c.Broker.Name))
	c.Broker.Environment = strings.ToLower(getEnv("BROKER_ENV", c.Broker.Environment))
	c.Broker.BaseURL = getEnv("BROKER_BASE_URL", c.Broker.BaseURL)
	c.Broker.RequestTimeout = getEnvAsDuration("BROKER_REQUEST_TIMEOUT", c.Broker.RequestTimeout)
	c.Broker.RequestsPerMinute = getEnvAsInt("BROKER_REQUESTS_PER_MINUTE", c.Broker.RequestsPerMinute)
	c.Broker.QuoteConcurrency = getEnvAsInt("BROKER_QUOTE_CONCURRENCY", c.Broker.QuoteConcurrency)

	c.Realtime.HeartbeatInterval = getEnvAsDuration("WS_HEARTBEAT_INTERVAL", c.Realtime.HeartbeatInterval)
	c.Realtime.HeartbeatTimeout = getEnvAsDuration("WS_HEARTBEAT_TIMEOUT", c.Realtime.HeartbeatTimeout)
	c.Realtime.SendBuffer = getEnvAsInt("WS_SEND_BUFFER", c.Realtime.SendBuffer)
	c.Realtime.InboundRate = getEnvAsFloat("WS_INBOUND_RATE", c.Realtime.InboundRate)
	c.Realtime.InboundBurst = getEnvAsFloat("WS_INBOUND_BURST", c.Realtime.InboundBurst)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Principal.DefaultID = getEnv("DEFAULT_PRINCIPAL", c.Principal.DefaultID)
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен: токены брокера хранятся зашифрованными
	if c.Security.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY is required for encrypting broker tokens")
	}
	if len(c.Security.EncryptionKey) < 16 {
		return errors.New("ENCRYPTION_KEY must be at least 16 bytes")
	}

	if c.Security.APIKey == "" && c.Principal.DefaultID == "" {
		return errors.New("either API_KEY or DEFAULT_PRINCIPAL must be set")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}

	if c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("BROKER_REQUEST_TIMEOUT must be positive, got %v", c.Broker.RequestTimeout)
	}
	if c.Broker.RequestsPerMinute < 0 {
		return fmt.Errorf("BROKER_REQUESTS_PER_MINUTE cannot be negative, got %d", c.Broker.RequestsPerMinute)
	}
	if c.Broker.QuoteConcurrency < 1 || c.Broker.QuoteConcurrency > 32 {
		return fmt.Errorf("BROKER_QUOTE_CONCURRENCY must be between 1 and 32, got %d", c.Broker.QuoteConcurrency)
	}

	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be positive, got %v", c.Realtime.HeartbeatInterval)
	}
	if c.Realtime.HeartbeatTimeout <= c.Realtime.HeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT (%v) must exceed WS_HEARTBEAT_INTERVAL (%v)",
			c.Realtime.HeartbeatTimeout, c.Realtime.HeartbeatInterval)
	}
	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.Realtime.SendBuffer)
	}

	if c.Server.RateLimitPerSecond < 0 {
		return fmt.Errorf("API_RATE_LIMIT cannot be negative, got %v", c.Server.RateLimitPerSecond)
	}

	return nil
}

// DSN возвращает строку подключения для выбранного драйвера
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList читает список через запятую
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

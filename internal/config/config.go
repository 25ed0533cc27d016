// Пакет config — загрузка и валидация конфигурации DropLink
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации DropLink.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к директории object store
	DataDir string

	// Параметры подключения к PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Границы пула подключений pgxpool
	DBMaxConns int
	DBMinConns int

	// Порог простой загрузки: payload больше — только chunked
	MaxSimpleSize int64
	// Максимальный общий размер файла в байтах
	MaxFileSize int64
	// Рекомендуемый размер части chunked-загрузки
	PartSize int64
	// Максимальный размер одной части
	MaxPartSize int64
	// TTL незавершённой chunked-сессии (после — прерывается GC)
	SessionTTL time.Duration

	// Интервал запуска GC
	GCInterval time.Duration
	// Размер batch GC
	GCBatchSize int
	// Мягкий бюджет времени одного sweep. Проверяется перед каждым batch.
	GCMaxExecutionTime time.Duration
	// Окно хранения записей rate limiting
	RateLimitRetention time.Duration
	// Минимальный интервал между VACUUM
	VacuumInterval time.Duration

	// Размер LRU-кэша терминальных решений
	CacheSize int
	// TTL записи кэша решений
	CacheTTL time.Duration

	// Политика повторов вызовов object store при загрузке части
	UploadRetryAttempts int
	UploadRetryBackoff  time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics
	DephealthName string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// DL_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("DL_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("DL_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("DL_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// DL_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("DL_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// --- PostgreSQL ---

	// DL_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("DL_DB_HOST")
	if err != nil {
		return nil, err
	}

	// DL_DB_PORT (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("DL_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DL_DB_PORT: %w", err)
	}

	// DL_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("DL_DB_NAME")
	if err != nil {
		return nil, err
	}

	// DL_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("DL_DB_USER")
	if err != nil {
		return nil, err
	}

	// DL_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("DL_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// DL_DB_SSL_MODE (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("DL_DB_SSL_MODE", "disable")

	// DL_DB_MAX_CONNS / DL_DB_MIN_CONNS — границы пула (по умолчанию 10 / 2)
	cfg.DBMaxConns, err = getEnvInt("DL_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DL_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("DL_DB_MAX_CONNS: значение должно быть >= 1")
	}
	cfg.DBMinConns, err = getEnvInt("DL_DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("DL_DB_MIN_CONNS: %w", err)
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("DL_DB_MIN_CONNS: значение %d должно быть в диапазоне 0..DL_DB_MAX_CONNS (%d)",
			cfg.DBMinConns, cfg.DBMaxConns)
	}

	// --- Лимиты загрузки ---

	// DL_MAX_SIMPLE_SIZE — порог простой загрузки (по умолчанию 32 MiB)
	cfg.MaxSimpleSize, err = getEnvInt64("DL_MAX_SIMPLE_SIZE", 32<<20)
	if err != nil {
		return nil, fmt.Errorf("DL_MAX_SIMPLE_SIZE: %w", err)
	}
	if cfg.MaxSimpleSize <= 0 {
		return nil, fmt.Errorf("DL_MAX_SIMPLE_SIZE: значение должно быть положительным")
	}

	// DL_MAX_FILE_SIZE — максимальный общий размер файла (по умолчанию 4 GiB)
	cfg.MaxFileSize, err = getEnvInt64("DL_MAX_FILE_SIZE", 4<<30)
	if err != nil {
		return nil, fmt.Errorf("DL_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize < cfg.MaxSimpleSize {
		return nil, fmt.Errorf("DL_MAX_FILE_SIZE: значение %d должно быть >= DL_MAX_SIMPLE_SIZE (%d)",
			cfg.MaxFileSize, cfg.MaxSimpleSize)
	}

	// DL_PART_SIZE — рекомендуемый размер части (по умолчанию 8 MiB)
	cfg.PartSize, err = getEnvInt64("DL_PART_SIZE", 8<<20)
	if err != nil {
		return nil, fmt.Errorf("DL_PART_SIZE: %w", err)
	}
	if cfg.PartSize <= 0 {
		return nil, fmt.Errorf("DL_PART_SIZE: значение должно быть положительным")
	}

	// DL_MAX_PART_SIZE — максимальный размер части (по умолчанию 64 MiB)
	cfg.MaxPartSize, err = getEnvInt64("DL_MAX_PART_SIZE", 64<<20)
	if err != nil {
		return nil, fmt.Errorf("DL_MAX_PART_SIZE: %w", err)
	}
	if cfg.MaxPartSize < cfg.PartSize {
		return nil, fmt.Errorf("DL_MAX_PART_SIZE: значение %d должно быть >= DL_PART_SIZE (%d)",
			cfg.MaxPartSize, cfg.PartSize)
	}

	// DL_SESSION_TTL — TTL незавершённой сессии (по умолчанию 24h)
	cfg.SessionTTL, err = getEnvDuration("DL_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DL_SESSION_TTL: %w", err)
	}

	// --- GC ---

	// DL_GC_INTERVAL — интервал GC (по умолчанию 1h)
	cfg.GCInterval, err = getEnvDuration("DL_GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DL_GC_INTERVAL: %w", err)
	}

	// DL_GC_BATCH_SIZE — размер batch (по умолчанию 100)
	cfg.GCBatchSize, err = getEnvInt("DL_GC_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("DL_GC_BATCH_SIZE: %w", err)
	}
	if cfg.GCBatchSize <= 0 {
		return nil, fmt.Errorf("DL_GC_BATCH_SIZE: значение должно быть положительным")
	}

	// DL_GC_MAX_EXECUTION_TIME — бюджет времени sweep (по умолчанию 5m)
	cfg.GCMaxExecutionTime, err = getEnvDuration("DL_GC_MAX_EXECUTION_TIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DL_GC_MAX_EXECUTION_TIME: %w", err)
	}

	// DL_RATE_LIMIT_RETENTION — окно хранения записей rate limiting (по умолчанию 24h)
	cfg.RateLimitRetention, err = getEnvDuration("DL_RATE_LIMIT_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DL_RATE_LIMIT_RETENTION: %w", err)
	}

	// DL_VACUUM_INTERVAL — минимальный интервал между VACUUM (по умолчанию 24h)
	cfg.VacuumInterval, err = getEnvDuration("DL_VACUUM_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DL_VACUUM_INTERVAL: %w", err)
	}

	// --- Кэш решений ---

	// DL_CACHE_SIZE (по умолчанию 10000)
	cfg.CacheSize, err = getEnvInt("DL_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("DL_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("DL_CACHE_SIZE: значение должно быть положительным")
	}

	// DL_CACHE_TTL (по умолчанию 1h)
	cfg.CacheTTL, err = getEnvDuration("DL_CACHE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DL_CACHE_TTL: %w", err)
	}

	// --- Политика повторов ---

	// DL_UPLOAD_RETRY_ATTEMPTS (по умолчанию 3)
	cfg.UploadRetryAttempts, err = getEnvInt("DL_UPLOAD_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("DL_UPLOAD_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.UploadRetryAttempts < 1 {
		return nil, fmt.Errorf("DL_UPLOAD_RETRY_ATTEMPTS: значение должно быть >= 1")
	}

	// DL_UPLOAD_RETRY_BACKOFF (по умолчанию 500ms)
	cfg.UploadRetryBackoff, err = getEnvDuration("DL_UPLOAD_RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("DL_UPLOAD_RETRY_BACKOFF: %w", err)
	}

	// --- Логирование ---

	// DL_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DL_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DL_LOG_LEVEL: %w", err)
	}

	// DL_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DL_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DL_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// DL_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 15s)
	cfg.ShutdownTimeout, err = getEnvDuration("DL_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DL_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- topologymetrics ---

	// DL_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("DL_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DL_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// DL_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию "droplink")
	cfg.DephealthGroup = getEnvDefault("DL_DEPHEALTH_GROUP", "droplink")

	// DEPHEALTH_NAME — имя владельца пода для метки name (без префикса модуля)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "droplink")

	// --- Таймауты HTTP ---

	cfg.HTTPReadTimeout, err = getEnvDuration("DL_HTTP_READ_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DL_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("DL_HTTP_WRITE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DL_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("DL_HTTP_IDLE_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DL_HTTP_IDLE_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения без учётных данных
// (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

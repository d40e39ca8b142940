// Пакет config — загрузка и валидация конфигурации Automation Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Automation Module.
type Config struct {
	// Порт HTTP-сервера (health/metrics)
	Port int
	// Хост для bind HTTP-сервера
	Host string

	// Параметры подключения к PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Директория хранения файлов загрузок
	UploadsDir string
	// Директория хранения версий скриптов
	ScriptsDir string
	// Корневая директория временных выходных директорий заданий
	OutputDir string

	// Максимальное количество одновременно выполняемых заданий
	MaxConcurrentJobs int
	// Таймаут выполнения одного скрипта
	RunnerTimeout time.Duration
	// Время ожидания завершения работающих скриптов при shutdown
	ShutdownGrace time.Duration
	// Интервал периодической сверки зависших заданий
	ReconcileInterval time.Duration

	// Размер LRU-кэша определений функций
	FuncCacheSize int
	// TTL записей кэша определений функций
	FuncCacheTTL time.Duration

	// Имя бинаря запуска скриптов (uv)
	UVBin string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Если в рабочей директории есть .env — переменные подхватываются из него.
func Load() (*Config, error) {
	// .env необязателен: при отсутствии работаем по окружению процесса
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	// AU_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("AU_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("AU_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AU_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AU_HOST — хост для bind (по умолчанию 127.0.0.1)
	cfg.Host = getEnvDefault("AU_HOST", "127.0.0.1")

	// Подключение к PostgreSQL
	cfg.DBHost = getEnvDefault("AU_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("AU_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AU_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("AU_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("AU_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("AU_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AU_DB_SSL_MODE", "disable")

	// Директории хранения — обязательные
	cfg.UploadsDir, err = getEnvRequired("AU_UPLOADS_DIR")
	if err != nil {
		return nil, err
	}
	cfg.ScriptsDir, err = getEnvRequired("AU_SCRIPTS_DIR")
	if err != nil {
		return nil, err
	}
	cfg.OutputDir, err = getEnvRequired("AU_OUTPUT_DIR")
	if err != nil {
		return nil, err
	}

	// AU_MAX_CONCURRENT_JOBS — размер пула пермитов (по умолчанию 10)
	cfg.MaxConcurrentJobs, err = getEnvInt("AU_MAX_CONCURRENT_JOBS", 10)
	if err != nil {
		return nil, fmt.Errorf("AU_MAX_CONCURRENT_JOBS: %w", err)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("AU_MAX_CONCURRENT_JOBS: значение должно быть положительным")
	}

	// AU_RUNNER_TIMEOUT — таймаут выполнения скрипта (по умолчанию 10m)
	cfg.RunnerTimeout, err = getEnvDuration("AU_RUNNER_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AU_RUNNER_TIMEOUT: %w", err)
	}

	// AU_SHUTDOWN_GRACE — ожидание работающих скриптов при shutdown (по умолчанию 30s)
	cfg.ShutdownGrace, err = getEnvDuration("AU_SHUTDOWN_GRACE", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AU_SHUTDOWN_GRACE: %w", err)
	}

	// AU_RECONCILE_INTERVAL — интервал сверки (по умолчанию 6h)
	cfg.ReconcileInterval, err = getEnvDuration("AU_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AU_RECONCILE_INTERVAL: %w", err)
	}

	// AU_FUNC_CACHE_SIZE — размер кэша функций (по умолчанию 256)
	cfg.FuncCacheSize, err = getEnvInt("AU_FUNC_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("AU_FUNC_CACHE_SIZE: %w", err)
	}

	// AU_FUNC_CACHE_TTL — TTL кэша функций (по умолчанию 30s)
	cfg.FuncCacheTTL, err = getEnvDuration("AU_FUNC_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AU_FUNC_CACHE_TTL: %w", err)
	}

	// AU_UV_BIN — бинарь запуска скриптов (по умолчанию "uv")
	cfg.UVBin = getEnvDefault("AU_UV_BIN", "uv")

	// AU_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AU_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AU_LOG_LEVEL: %w", err)
	}

	// AU_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AU_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AU_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// AU_SHUTDOWN_TIMEOUT — таймаут graceful shutdown HTTP-сервера (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("AU_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AU_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
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

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 10m, 6h)", val)
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

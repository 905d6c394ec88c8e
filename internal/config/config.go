// Пакет config — загрузка и валидация конфигурации Upload Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Поддерживаемые драйверы хранилища записей.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config содержит все параметры конфигурации Upload Module.
type Config struct {
	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Путь к директории backing-файлов загрузок
	UploadDir string
	// Суффикс незавершённой загрузки
	IncompleteExt string
	// Суффикс завершённой загрузки
	CompleteExt string
	// Срок жизни загрузки от момента создания
	Expiration time.Duration
	// Максимальный заявленный размер файла в байтах (0 — без ограничения)
	MaxBytes int64
	// Алгоритм контрольной суммы (md5, sha1, sha256, sha512)
	ChecksumType string
	// Обязательна ли контрольная сумма при завершении
	ChecksumRequired bool
	// Размер файла, начиная с которого проверка суммы выполняется асинхронно
	AsyncChecksumThreshold int64
	// Размер LRU-кэша контрольных сумм
	ChecksumCacheSize int
	// TTL записи кэша контрольных сумм
	ChecksumCacheTTL time.Duration
	// Интервал периодической очистки
	SweepInterval time.Duration

	// Драйвер хранилища записей: postgres или sqlite
	DBDriver string
	// Параметры PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Путь к файлу SQLite (только DBDriver=sqlite)
	SQLitePath string

	// URL Redis (очередь задач, флаги прерывания, pub/sub)
	RedisURL string
	// Имя очереди фоновых задач
	QueueName string
	// Количество параллельных обработчиков воркера
	WorkerConcurrency int
	// Максимальное количество повторов задачи
	TaskMaxRetry int
	// Время жизни флага прерывания задачи
	AbortTTL time.Duration
	// Канал уведомлений о несовпадении контрольной суммы
	MismatchChannel string
	// Канал уведомлений о смене состояния задач
	StatusChannel string

	// URL JWKS endpoint для проверки JWT
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	JWTIssuer string
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (UM_DEPHEALTH_GROUP)
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// UM_PORT — порт HTTP-сервера (по умолчанию 8040)
	port, err := getEnvInt("UM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("UM_PORT: %w", err)
	}
	if port < 8040 || port > 8049 {
		return nil, fmt.Errorf("UM_PORT: значение %d вне допустимого диапазона 8040-8049", port)
	}
	cfg.Port = port

	// UM_UPLOAD_DIR — обязательный
	cfg.UploadDir, err = getEnvRequired("UM_UPLOAD_DIR")
	if err != nil {
		return nil, err
	}

	cfg.IncompleteExt = getEnvDefault("UM_INCOMPLETE_EXT", ".part")
	cfg.CompleteExt = getEnvDefault("UM_COMPLETE_EXT", ".done")
	if cfg.IncompleteExt == cfg.CompleteExt {
		return nil, fmt.Errorf("UM_COMPLETE_EXT: значение %q совпадает с UM_INCOMPLETE_EXT", cfg.CompleteExt)
	}

	// UM_EXPIRATION — срок жизни загрузки (по умолчанию 24h)
	cfg.Expiration, err = getEnvDuration("UM_EXPIRATION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_EXPIRATION: %w", err)
	}
	if cfg.Expiration <= 0 {
		return nil, fmt.Errorf("UM_EXPIRATION: значение должно быть положительным")
	}

	// UM_MAX_BYTES — лимит размера (по умолчанию без ограничения), допускает 2GiB, 500MB
	cfg.MaxBytes, err = getEnvSize("UM_MAX_BYTES", 0)
	if err != nil {
		return nil, fmt.Errorf("UM_MAX_BYTES: %w", err)
	}

	// UM_CHECKSUM_TYPE — алгоритм контрольной суммы (по умолчанию md5)
	cfg.ChecksumType = strings.ToLower(getEnvDefault("UM_CHECKSUM_TYPE", "md5"))
	validChecksums := map[string]bool{"md5": true, "sha1": true, "sha256": true, "sha512": true}
	if !validChecksums[cfg.ChecksumType] {
		return nil, fmt.Errorf("UM_CHECKSUM_TYPE: недопустимое значение %q, допустимые: md5, sha1, sha256, sha512", cfg.ChecksumType)
	}

	cfg.ChecksumRequired, err = getEnvBool("UM_CHECKSUM_REQUIRED", true)
	if err != nil {
		return nil, fmt.Errorf("UM_CHECKSUM_REQUIRED: %w", err)
	}

	// UM_ASYNC_CHECKSUM_THRESHOLD — порог асинхронной проверки (по умолчанию 64MiB)
	cfg.AsyncChecksumThreshold, err = getEnvSize("UM_ASYNC_CHECKSUM_THRESHOLD", 64*units.MiB)
	if err != nil {
		return nil, fmt.Errorf("UM_ASYNC_CHECKSUM_THRESHOLD: %w", err)
	}

	cfg.ChecksumCacheSize, err = getEnvInt("UM_CHECKSUM_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("UM_CHECKSUM_CACHE_SIZE: %w", err)
	}
	if cfg.ChecksumCacheSize <= 0 {
		return nil, fmt.Errorf("UM_CHECKSUM_CACHE_SIZE: значение должно быть положительным")
	}

	cfg.ChecksumCacheTTL, err = getEnvDuration("UM_CHECKSUM_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("UM_CHECKSUM_CACHE_TTL: %w", err)
	}

	// UM_SWEEP_INTERVAL — интервал очистки (по умолчанию 1h)
	cfg.SweepInterval, err = getEnvDuration("UM_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_SWEEP_INTERVAL: %w", err)
	}

	// UM_DB_DRIVER — postgres (по умолчанию) или sqlite
	cfg.DBDriver = getEnvDefault("UM_DB_DRIVER", DriverPostgres)
	switch cfg.DBDriver {
	case DriverPostgres:
		if err := cfg.loadPostgres(); err != nil {
			return nil, err
		}
	case DriverSQLite:
		cfg.SQLitePath, err = getEnvRequired("UM_SQLITE_PATH")
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("UM_DB_DRIVER: недопустимое значение %q, допустимые: postgres, sqlite", cfg.DBDriver)
	}

	cfg.RedisURL = getEnvDefault("UM_REDIS_URL", "redis://localhost:6379/0")
	cfg.QueueName = getEnvDefault("UM_QUEUE_NAME", "uploads")

	cfg.WorkerConcurrency, err = getEnvInt("UM_WORKER_CONCURRENCY", 10)
	if err != nil {
		return nil, fmt.Errorf("UM_WORKER_CONCURRENCY: %w", err)
	}
	if cfg.WorkerConcurrency <= 0 {
		return nil, fmt.Errorf("UM_WORKER_CONCURRENCY: значение должно быть положительным")
	}

	cfg.TaskMaxRetry, err = getEnvInt("UM_TASK_MAX_RETRY", 3)
	if err != nil {
		return nil, fmt.Errorf("UM_TASK_MAX_RETRY: %w", err)
	}
	if cfg.TaskMaxRetry < 0 {
		return nil, fmt.Errorf("UM_TASK_MAX_RETRY: значение не может быть отрицательным")
	}

	cfg.AbortTTL, err = getEnvDuration("UM_ABORT_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UM_ABORT_TTL: %w", err)
	}

	cfg.MismatchChannel = getEnvDefault("UM_MISMATCH_CHANNEL", "chunk_upload")
	cfg.StatusChannel = getEnvDefault("UM_STATUS_CHANNEL", "upload_status")

	// UM_JWKS_URL — обязательный: владелец загрузки определяется по JWT
	cfg.JWKSUrl, err = getEnvRequired("UM_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.JWKSCACert = getEnvDefault("UM_JWKS_CA_CERT", "")
	cfg.JWTIssuer = getEnvDefault("UM_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("UM_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("UM_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("UM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// UM_TLS_CERT / UM_TLS_KEY — задаются вместе или не задаются
	cfg.TLSCert = getEnvDefault("UM_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("UM_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("UM_TLS_CERT и UM_TLS_KEY должны задаваться вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("UM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("UM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("UM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("UM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("UM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("UM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("UM_DEPHEALTH_GROUP", "upload-module")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	return cfg, nil
}

// loadPostgres загружает параметры подключения к PostgreSQL.
func (c *Config) loadPostgres() error {
	var err error
	c.DBHost = getEnvDefault("UM_DB_HOST", "localhost")
	c.DBPort, err = getEnvInt("UM_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("UM_DB_PORT: %w", err)
	}
	c.DBName = getEnvDefault("UM_DB_NAME", "artstore_uploads")
	c.DBUser, err = getEnvRequired("UM_DB_USER")
	if err != nil {
		return err
	}
	c.DBPassword, err = getEnvRequired("UM_DB_PASSWORD")
	if err != nil {
		return err
	}
	c.DBSSLMode = getEnvDefault("UM_DB_SSL_MODE", "disable")
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для метрик и логов).
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

// getEnvBool возвращает логическое значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvSize возвращает размер в байтах. Допускает число байт и
// двоичные единицы (64MiB, 2GiB, 512k).
func getEnvSize(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := units.RAMInBytes(val)
	if err != nil {
		return 0, fmt.Errorf("некорректный размер: %q (используйте 1048576, 64MiB, 2GiB)", val)
	}
	if n < 0 {
		return 0, fmt.Errorf("размер не может быть отрицательным: %q", val)
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
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 24h)", val)
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

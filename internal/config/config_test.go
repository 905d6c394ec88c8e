package config

import (
	"log/slog"
	"testing"
	"time"
)

// allKeys — все переменные окружения UM_*, влияющие на Load.
var allKeys = []string{
	"UM_PORT", "UM_UPLOAD_DIR", "UM_INCOMPLETE_EXT", "UM_COMPLETE_EXT",
	"UM_EXPIRATION", "UM_MAX_BYTES", "UM_CHECKSUM_TYPE", "UM_CHECKSUM_REQUIRED",
	"UM_ASYNC_CHECKSUM_THRESHOLD", "UM_CHECKSUM_CACHE_SIZE", "UM_CHECKSUM_CACHE_TTL",
	"UM_SWEEP_INTERVAL", "UM_DB_DRIVER", "UM_DB_HOST", "UM_DB_PORT", "UM_DB_NAME",
	"UM_DB_USER", "UM_DB_PASSWORD", "UM_DB_SSL_MODE", "UM_SQLITE_PATH",
	"UM_REDIS_URL", "UM_QUEUE_NAME", "UM_WORKER_CONCURRENCY", "UM_TASK_MAX_RETRY",
	"UM_ABORT_TTL", "UM_MISMATCH_CHANNEL", "UM_STATUS_CHANNEL", "UM_JWKS_URL",
	"UM_JWKS_CA_CERT", "UM_JWT_ISSUER", "UM_JWT_LEEWAY", "UM_JWKS_REFRESH_INTERVAL",
	"UM_TLS_CERT", "UM_TLS_KEY", "UM_LOG_LEVEL", "UM_LOG_FORMAT",
	"UM_SHUTDOWN_TIMEOUT", "UM_DEPHEALTH_CHECK_INTERVAL", "UM_DEPHEALTH_GROUP",
	"DEPHEALTH_NAME",
}

// setEnv очищает все UM_* переменные и устанавливает переданные.
// Пустое значение эквивалентно незаданной переменной.
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

// minimalEnv — минимальный набор обязательных переменных.
func minimalEnv() map[string]string {
	return map[string]string{
		"UM_UPLOAD_DIR":  "/data/uploads",
		"UM_DB_USER":     "artstore",
		"UM_DB_PASSWORD": "secret",
		"UM_JWKS_URL":    "https://admin:8000/api/v1/auth/jwks",
	}
}

// TestLoad_Defaults проверяет значения по умолчанию.
func TestLoad_Defaults(t *testing.T) {
	setEnv(t, minimalEnv())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8040 {
		t.Errorf("Port: ожидалось 8040, получено %d", cfg.Port)
	}
	if cfg.IncompleteExt != ".part" || cfg.CompleteExt != ".done" {
		t.Errorf("суффиксы: %q / %q", cfg.IncompleteExt, cfg.CompleteExt)
	}
	if cfg.JWTLeeway != 5*time.Second || cfg.JWKSRefreshInterval != 15*time.Minute || cfg.JWTIssuer != "" {
		t.Errorf("JWT: leeway %v, refresh %v, issuer %q", cfg.JWTLeeway, cfg.JWKSRefreshInterval, cfg.JWTIssuer)
	}
	if cfg.Expiration != 24*time.Hour {
		t.Errorf("Expiration: ожидалось 24h, получено %s", cfg.Expiration)
	}
	if cfg.MaxBytes != 0 {
		t.Errorf("MaxBytes: ожидалось 0, получено %d", cfg.MaxBytes)
	}
	if cfg.ChecksumType != "md5" || !cfg.ChecksumRequired {
		t.Errorf("checksum: %q required=%v", cfg.ChecksumType, cfg.ChecksumRequired)
	}
	if cfg.AsyncChecksumThreshold != 64*1024*1024 {
		t.Errorf("AsyncChecksumThreshold: ожидалось 64MiB, получено %d", cfg.AsyncChecksumThreshold)
	}
	if cfg.DBDriver != DriverPostgres || cfg.DBPort != 5432 {
		t.Errorf("DB: %s:%d", cfg.DBDriver, cfg.DBPort)
	}
	if cfg.MismatchChannel != "chunk_upload" {
		t.Errorf("MismatchChannel: %q", cfg.MismatchChannel)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("лог: %v %q", cfg.LogLevel, cfg.LogFormat)
	}
}

// TestLoad_HumanSizes проверяет разбор размеров в человекочитаемом виде.
func TestLoad_HumanSizes(t *testing.T) {
	env := minimalEnv()
	env["UM_MAX_BYTES"] = "2GiB"
	env["UM_ASYNC_CHECKSUM_THRESHOLD"] = "1048576"
	setEnv(t, env)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.MaxBytes != 2*1024*1024*1024 {
		t.Errorf("MaxBytes: получено %d", cfg.MaxBytes)
	}
	if cfg.AsyncChecksumThreshold != 1048576 {
		t.Errorf("AsyncChecksumThreshold: получено %d", cfg.AsyncChecksumThreshold)
	}
}

// TestLoad_SQLite проверяет режим SQLite без параметров PostgreSQL.
func TestLoad_SQLite(t *testing.T) {
	setEnv(t, map[string]string{
		"UM_UPLOAD_DIR":  "/data/uploads",
		"UM_JWKS_URL":    "https://admin/jwks",
		"UM_DB_DRIVER":   "sqlite",
		"UM_SQLITE_PATH": "/data/uploads.db",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.DBDriver != DriverSQLite || cfg.SQLitePath != "/data/uploads.db" {
		t.Errorf("SQLite: %q %q", cfg.DBDriver, cfg.SQLitePath)
	}
}

// TestLoad_Errors проверяет ошибки валидации.
func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"нет UM_UPLOAD_DIR", "UM_UPLOAD_DIR", ""},
		{"нет UM_JWKS_URL", "UM_JWKS_URL", ""},
		{"порт вне диапазона", "UM_PORT", "9000"},
		{"некорректный порт", "UM_PORT", "abc"},
		{"одинаковые суффиксы", "UM_COMPLETE_EXT", ".part"},
		{"некорректный срок", "UM_EXPIRATION", "сутки"},
		{"нулевой срок", "UM_EXPIRATION", "0s"},
		{"некорректный размер", "UM_MAX_BYTES", "много"},
		{"неизвестный алгоритм", "UM_CHECKSUM_TYPE", "crc32"},
		{"некорректный bool", "UM_CHECKSUM_REQUIRED", "может"},
		{"неизвестный драйвер", "UM_DB_DRIVER", "mysql"},
		{"нулевая конкурентность", "UM_WORKER_CONCURRENCY", "0"},
		{"отрицательные повторы", "UM_TASK_MAX_RETRY", "-1"},
		{"неизвестный уровень", "UM_LOG_LEVEL", "trace"},
		{"неизвестный формат", "UM_LOG_FORMAT", "xml"},
		{"TLS без ключа", "UM_TLS_CERT", "/tls/cert.pem"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := minimalEnv()
			env[tt.key] = tt.val
			setEnv(t, env)

			if _, err := Load(); err == nil {
				t.Errorf("%s=%q: ожидалась ошибка", tt.key, tt.val)
			}
		})
	}
}

// TestLoad_SQLiteRequiresPath проверяет обязательность UM_SQLITE_PATH.
func TestLoad_SQLiteRequiresPath(t *testing.T) {
	env := minimalEnv()
	env["UM_DB_DRIVER"] = "sqlite"
	setEnv(t, env)

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка без UM_SQLITE_PATH")
	}
}

// TestDatabaseDSN проверяет формирование DSN.
func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBName: "up", DBUser: "u", DBPassword: "p", DBSSLMode: "disable"}
	want := "host=db port=5433 dbname=up user=u password=p sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN: ожидалось %q, получено %q", want, got)
	}
	if got := cfg.DatabaseURL(); got != "postgres://db:5433/up" {
		t.Errorf("DatabaseURL: получено %q", got)
	}
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName    string
	AppVersion string
	Port       string

	Environment   string
	AdminAPIToken string
	AppRootDomain string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// Scratch-database server the candidate workspaces get their databases on.
	ScratchDBHost     string
	ScratchDBPort     string
	ScratchDBName     string
	ScratchDBUser     string
	ScratchDBPassword string
	ScratchDBSSLMode  string

	// AccessTokenMasterKey derives the per-workspace launch token secrets.
	AccessTokenMasterKey string

	SchedulerInterval  time.Duration
	ExecutorWorkers    int
	ExecutorQueueDepth int

	CleanupMaxConcurrency int
	CleanupPerOpTimeout   time.Duration

	HealthCheckTimeout  time.Duration
	HealthCheckInterval time.Duration

	// RetentionSchedule is a cron expression for the hourly record purge.
	RetentionSchedule string
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()

	dbHost := getenv("DB_HOST", "localhost")
	dbPort := getenv("DB_PORT", "5432")
	dbName := getenv("DB_NAME", "workspace_cloud")
	dbUser := getenv("DB_USER", "postgres")
	dbPassword := getenv("DB_PASSWORD", "postgres")
	dbSSLMode := getenv("DB_SSL_MODE", "disable")

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "workspace-cloud"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Port:          getenv("PORT", "8080"),
		Environment:   getenv("ENVIRONMENT", "development"),
		AdminAPIToken: strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		AppRootDomain: strings.TrimLeft(strings.TrimSpace(getenv("APP_ROOT_DOMAIN", "")), "."),

		DBType:            getenv("DB_TYPE", "postgres"),
		DBHost:            dbHost,
		DBPort:            dbPort,
		DBName:            dbName,
		DBUser:            dbUser,
		DBPassword:        dbPassword,
		DBSSLMode:         dbSSLMode,
		DBMaxIdleConn:     10,
		DBMaxOpenConn:     100,
		DBConnMaxLifetime: 3600,
		DBConnMaxIdleTime: 60,

		ScratchDBHost:     getenv("SCRATCH_DB_HOST", dbHost),
		ScratchDBPort:     getenv("SCRATCH_DB_PORT", dbPort),
		ScratchDBName:     getenv("SCRATCH_DB_NAME", dbName),
		ScratchDBUser:     getenv("SCRATCH_DB_USER", dbUser),
		ScratchDBPassword: getenv("SCRATCH_DB_PASSWORD", dbPassword),
		ScratchDBSSLMode:  getenv("SCRATCH_DB_SSL_MODE", dbSSLMode),

		AccessTokenMasterKey: strings.TrimSpace(getenv("ACCESS_TOKEN_MASTER_KEY", "")),

		SchedulerInterval:  time.Second * time.Duration(getenvInt("SCHEDULER_INTERVAL_SECONDS", 30)),
		ExecutorWorkers:    getenvInt("EXECUTOR_WORKERS", 8),
		ExecutorQueueDepth: getenvInt("EXECUTOR_QUEUE_DEPTH", 64),

		CleanupMaxConcurrency: getenvInt("CLEANUP_MAX_CONCURRENCY", 4),
		CleanupPerOpTimeout:   time.Second * time.Duration(getenvInt("CLEANUP_PER_OP_TIMEOUT_SECONDS", 300)),

		HealthCheckTimeout:  time.Second * time.Duration(getenvInt("HEALTH_CHECK_TIMEOUT_SECONDS", 120)),
		HealthCheckInterval: time.Second * time.Duration(getenvInt("HEALTH_CHECK_INTERVAL_SECONDS", 5)),

		RetentionSchedule: getenv("RETENTION_SCHEDULE", "@hourly"),
	}

	return &cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

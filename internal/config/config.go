package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Predictor  PredictorConfig
	Horizon    HorizonConfig
	MarketData MarketDataConfig
	Queue      QueueConfig
	Reconcile  ReconcileConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrationsPath string
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	Topic         string
	RequestsTopic string
	GroupID       string
}

// RedisConfig holds the Redis connection used for the reconciliation lease
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// PredictorConfig locates the external forecasting tools
type PredictorConfig struct {
	Interpreter    string
	ScriptDir      string
	DatasetScript  string
	DatasetDir     string
	Timeout        time.Duration
	DatasetTimeout time.Duration
}

// HorizonConfig locates the end date tool
type HorizonConfig struct {
	Script   string
	Calendar string
	Timeout  time.Duration
}

// MarketDataConfig holds Alpha Vantage settings
type MarketDataConfig struct {
	APIKey          string
	KeyFile         string
	BaseURL         string
	OutputSize      string
	RequestTimeout  time.Duration
	RequestsPerSec  int
	MaxRetryTimeout time.Duration
}

// QueueConfig holds prediction admission settings
type QueueConfig struct {
	MaxPending int
}

// ReconcileConfig holds reconciliation settings
type ReconcileConfig struct {
	Concurrency int
	Interval    time.Duration
	LeaseTTL    time.Duration
	TimeZone    string
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "predictions"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MigrationsPath: getEnv("DB_MIGRATIONS_PATH", "file://db/migrations"),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvBool("KAFKA_ENABLED", true),
			Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:         getEnv("KAFKA_TOPIC", "prediction-events"),
			RequestsTopic: getEnv("KAFKA_REQUESTS_TOPIC", "prediction-requests"),
			GroupID:       getEnv("KAFKA_GROUP_ID", "stock-prediction-service"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Predictor: PredictorConfig{
			Interpreter:    getEnv("PREDICTOR_INTERPRETER", "python3"),
			ScriptDir:      getEnv("PREDICTOR_SCRIPT_DIR", "./ml"),
			DatasetScript:  getEnv("PREDICTOR_DATASET_SCRIPT", "./ml/build_dataset.py"),
			DatasetDir:     getEnv("PREDICTOR_DATASET_DIR", "./data"),
			Timeout:        getEnvDuration("PREDICTOR_TIMEOUT", 10*time.Minute),
			DatasetTimeout: getEnvDuration("PREDICTOR_DATASET_TIMEOUT", 2*time.Minute),
		},
		Horizon: HorizonConfig{
			Script:   getEnv("HORIZON_SCRIPT", "./ml/end_date.py"),
			Calendar: getEnv("HORIZON_CALENDAR", "XNYS"),
			Timeout:  getEnvDuration("HORIZON_TIMEOUT", 30*time.Second),
		},
		MarketData: MarketDataConfig{
			KeyFile:         getEnv("ALPHAVANTAGE_KEY_FILE", "./alpha_vantage.key"),
			BaseURL:         getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co"),
			OutputSize:      getEnv("ALPHAVANTAGE_OUTPUT_SIZE", "compact"),
			RequestTimeout:  getEnvDuration("ALPHAVANTAGE_TIMEOUT", 15*time.Second),
			RequestsPerSec:  getEnvInt("ALPHAVANTAGE_RPS", 1),
			MaxRetryTimeout: getEnvDuration("ALPHAVANTAGE_MAX_RETRY", 30*time.Second),
		},
		Queue: QueueConfig{
			MaxPending: getEnvInt("QUEUE_MAX_PENDING", 25),
		},
		Reconcile: ReconcileConfig{
			Concurrency: getEnvInt("RECONCILE_CONCURRENCY", 3),
			Interval:    getEnvDuration("RECONCILE_INTERVAL", time.Hour),
			LeaseTTL:    getEnvDuration("RECONCILE_LEASE_TTL", 10*time.Minute),
			TimeZone:    getEnv("RECONCILE_TIMEZONE", "America/New_York"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
	cfg.MarketData.APIKey = resolveAPIKey(cfg.MarketData.KeyFile)

	return cfg
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Location returns the reference timezone, UTC if it cannot be loaded.
func (r *ReconcileConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", r.TimeZone).Msg("Unknown timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

// resolveAPIKey prefers the environment and falls back to the key file.
func resolveAPIKey(keyFile string) string {
	if key := strings.TrimSpace(os.Getenv("ALPHAVANTAGE_API_KEY")); key != "" {
		return key
	}
	if keyFile == "" {
		return ""
	}
	data, err := os.ReadFile(keyFile)
	if err != nil {
		log.Warn().Str("path", keyFile).Msg("Alpha Vantage API key not set and key file not readable")
		return ""
	}
	return strings.TrimSpace(string(data))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

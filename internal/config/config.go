package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Admin connection used by the migration runner to create the target
	// database when it does not exist yet. Falls back to the main
	// credentials against the server's default database.
	DBAdminUser     string
	DBAdminPassword string
	DBAdminDatabase string

	MigrationsDir string
	SeedsDir      string

	// Redis (queue backend)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Queue names
	GenerationQueue         string
	GenerationResultQueue   string
	NotificationQueue       string
	NotificationResultQueue string

	// Generation
	BatchSize int

	// Consumers
	ResultConcurrency       int
	NotificationConcurrency int
	DrainTimeout            time.Duration

	// Downstream gateways
	NotifierBaseURL string
	NotifierAPIKey  string
	NotifierTimeout time.Duration

	ScanBaseURL string
	ScanAPIKey  string
	ScanTimeout time.Duration

	PaymentBaseURL string
	PaymentAPIKey  string
	PaymentTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:          "localhost",
		DBPort:          5432,
		DBUser:          "billetcore",
		DBPassword:      "",
		DBName:          "billetcore",
		DBSSLMode:       "disable",
		DBAdminDatabase: "postgres",

		MigrationsDir: "migrations",
		SeedsDir:      "seeds",

		RedisHost: "localhost",
		RedisPort: 6379,

		GenerationQueue:         "ticket_generation_queue",
		GenerationResultQueue:   "ticket_generation_result_queue",
		NotificationQueue:       "notification_queue",
		NotificationResultQueue: "notification_result_queue",

		BatchSize: 100,

		ResultConcurrency:       1,
		NotificationConcurrency: 3,
		DrainTimeout:            30 * time.Second,

		NotifierTimeout: 15 * time.Second,
		ScanTimeout:     5 * time.Second,
		PaymentTimeout:  10 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	cfg.DBAdminUser = cfg.DBUser
	cfg.DBAdminPassword = cfg.DBPassword
	if user := os.Getenv("DB_ADMIN_USER"); user != "" {
		cfg.DBAdminUser = user
	}
	if password := os.Getenv("DB_ADMIN_PASSWORD"); password != "" {
		cfg.DBAdminPassword = password
	}
	if name := os.Getenv("DB_ADMIN_DATABASE"); name != "" {
		cfg.DBAdminDatabase = name
	}

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		cfg.MigrationsDir = dir
	}
	if dir := os.Getenv("SEEDS_DIR"); dir != "" {
		cfg.SeedsDir = dir
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Queue names
	if name := os.Getenv("GENERATION_QUEUE"); name != "" {
		cfg.GenerationQueue = name
	}
	if name := os.Getenv("GENERATION_RESULT_QUEUE"); name != "" {
		cfg.GenerationResultQueue = name
	}
	if name := os.Getenv("NOTIFICATION_QUEUE"); name != "" {
		cfg.NotificationQueue = name
	}
	if name := os.Getenv("NOTIFICATION_RESULT_QUEUE"); name != "" {
		cfg.NotificationResultQueue = name
	}

	if size := os.Getenv("GENERATION_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s < 1 {
			return nil, fmt.Errorf("invalid GENERATION_BATCH_SIZE: %q", size)
		}
		cfg.BatchSize = s
	}

	if c := os.Getenv("RESULT_CONCURRENCY"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid RESULT_CONCURRENCY: %q", c)
		}
		cfg.ResultConcurrency = n
	}

	if c := os.Getenv("NOTIFICATION_CONCURRENCY"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid NOTIFICATION_CONCURRENCY: %q", c)
		}
		cfg.NotificationConcurrency = n
	}

	if d := os.Getenv("DRAIN_TIMEOUT"); d != "" {
		dur, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid DRAIN_TIMEOUT: %w", err)
		}
		cfg.DrainTimeout = dur
	}

	// Downstream gateways
	if url := os.Getenv("NOTIFIER_BASE_URL"); url != "" {
		cfg.NotifierBaseURL = url
	}
	if key := os.Getenv("NOTIFIER_API_KEY"); key != "" {
		cfg.NotifierAPIKey = key
	}
	if url := os.Getenv("SCAN_BASE_URL"); url != "" {
		cfg.ScanBaseURL = url
	}
	if key := os.Getenv("SCAN_API_KEY"); key != "" {
		cfg.ScanAPIKey = key
	}
	if url := os.Getenv("PAYMENT_BASE_URL"); url != "" {
		cfg.PaymentBaseURL = url
	}
	if key := os.Getenv("PAYMENT_API_KEY"); key != "" {
		cfg.PaymentAPIKey = key
	}

	return cfg, nil
}

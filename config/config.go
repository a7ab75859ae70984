package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/recsyslab/recommender-backend/cache"
	"github.com/recsyslab/recommender-backend/datasource"
	"github.com/recsyslab/recommender-backend/registry"
	"github.com/recsyslab/recommender-backend/store"
)

// Settings carries tunables read from the environment. Durations that the
// environment expresses as plain numbers are in seconds.
type Settings struct {
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	SchedulerInterval      time.Duration
	TrainTimeout           time.Duration
	Retention              time.Duration
	MaxConcurrentTrainings int64
	ResultCacheTTL         time.Duration
	ArtifactCacheTTL       time.Duration
}

// LoadSettings reads settings from the environment with defaults suitable
// for local development.
func LoadSettings() Settings {
	return Settings{
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		RedisAddr:     getEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinIOEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnvOrDefault("MINIO_BUCKET", "model-artifacts"),
		MinIOUseSSL:    getEnvOrDefault("MINIO_USE_SSL", "false") == "true",

		SchedulerInterval:      getEnvSeconds("SCHEDULER_INTERVAL", 60),
		TrainTimeout:           getEnvSeconds("TRAIN_TIMEOUT", 600),
		Retention:              getEnvSeconds("ARTIFACT_RETENTION", 30*24*3600),
		MaxConcurrentTrainings: int64(getEnvInt("MAX_CONCURRENT_TRAININGS", 2)),
		ResultCacheTTL:         getEnvSeconds("RESULT_CACHE_TTL", 300),
		ArtifactCacheTTL:       getEnvSeconds("ARTIFACT_CACHE_TTL", 900),
	}
}

// Config holds all shared clients for the backend. Components receive
// these as explicit dependencies at construction time.
type Config struct {
	Settings Settings

	// Database
	DB *gorm.DB

	// Volatile cache (Redis, or in-process when Redis is not configured)
	Cache cache.Cache

	// Artifact payload storage
	Objects store.ObjectStore
}

// New initializes database, cache and object storage clients.
func New(ctx context.Context, settings Settings) (*Config, error) {
	cfg := &Config{Settings: settings}

	if err := cfg.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := cfg.initCache(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := cfg.initObjectStore(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	log.Println("Configuration initialized successfully")
	return cfg, nil
}

// initDatabase initializes the database connection with optimized settings
func (c *Config) initDatabase() error {
	if c.Settings.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := gorm.Open(postgres.Open(c.Settings.DatabaseURL), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	c.DB = db
	log.Println("Database initialized successfully")
	return nil
}

// AutoMigrate creates or updates the schema for every persisted model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&registry.ModelConfig{},
		&datasource.Interaction{},
		&store.Artifact{},
		&store.TrainingRun{},
		&store.Metric{},
	)
}

// initCache connects to Redis when configured, otherwise falls back to the
// in-process cache.
func (c *Config) initCache(ctx context.Context) error {
	if c.Settings.RedisAddr == "" {
		log.Println("REDIS_ADDR not set, using in-process cache")
		c.Cache = cache.NewMemoryCache()
		return nil
	}

	redisCache, err := cache.NewRedisCache(ctx, c.Settings.RedisAddr, c.Settings.RedisPassword, c.Settings.RedisDB)
	if err != nil {
		return err
	}
	c.Cache = redisCache
	log.Printf("Redis cache initialized (addr: %s)", c.Settings.RedisAddr)
	return nil
}

// initObjectStore connects to MinIO when configured, otherwise falls back
// to in-memory payload storage.
func (c *Config) initObjectStore(ctx context.Context) error {
	if c.Settings.MinIOEndpoint == "" {
		log.Println("MINIO_ENDPOINT not set, using in-memory object store")
		c.Objects = store.NewMemoryObjectStore()
		return nil
	}

	objects, err := store.NewMinIOStore(ctx, store.MinIOConfig{
		Endpoint:  c.Settings.MinIOEndpoint,
		AccessKey: c.Settings.MinIOAccessKey,
		SecretKey: c.Settings.MinIOSecretKey,
		Bucket:    c.Settings.MinIOBucket,
		UseSSL:    c.Settings.MinIOUseSSL,
	})
	if err != nil {
		return err
	}
	c.Objects = objects
	return nil
}

// Close closes all connections
func (c *Config) Close() {
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			log.Printf("Failed to close cache: %v", err)
		}
	}
	if c.DB != nil {
		sqlDB, err := c.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Warning: invalid value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

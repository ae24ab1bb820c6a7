package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const (
	StorageMinio  = "minio"
	StorageFS     = "fs"
	StorageMemory = "memory"

	IndexTiDB   = "tidb"
	IndexMemory = "memory"

	// MinSweepGrace exceeds the server write timeout, so an upload still in
	// flight can always bind before its blob becomes sweepable
	MinSweepGrace = 10 * time.Minute
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	ChunkSizeKB int
	MaxUploadMB int
	LogLevel    string

	// Backends
	StorageBackend string
	FSRoot         string
	IndexBackend   string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	TracingEnabled bool
	JaegerEndpoint string

	// Orphan sweep
	SweepInterval time.Duration
	SweepGrace    time.Duration
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "memestream"),
		ChunkSizeKB: getEnvAsInt("CHUNK_SIZE_KB", 1024),
		MaxUploadMB: getEnvAsInt("MAX_UPLOAD_MB", 64),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StorageBackend: getEnv("STORAGE_BACKEND", StorageMinio),
		FSRoot:         getEnv("FS_ROOT", "./data/blobs"),
		IndexBackend:   getEnv("INDEX_BACKEND", IndexTiDB),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "memestream"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "memestream"),

		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),

		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 10*time.Minute),
		SweepGrace:    getEnvAsDuration("SWEEP_GRACE", 24*time.Hour),
	}

	return config, nil
}

// AddFlags registers command-line overrides. Defaults are the values
// already loaded from the environment
func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.ServicePort, "port", c.ServicePort, "HTTP listen port")
	flagSet.IntVar(&c.ChunkSizeKB, "chunk-size-kb", c.ChunkSizeKB, "chunk size in KiB")
	flagSet.StringVar(&c.StorageBackend, "storage", c.StorageBackend, "blob storage backend: minio, fs or memory")
	flagSet.StringVar(&c.FSRoot, "fs-root", c.FSRoot, "root directory for the fs storage backend")
	flagSet.StringVar(&c.IndexBackend, "index", c.IndexBackend, "metadata index backend: tidb or memory")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	if c.ChunkSizeKB <= 0 {
		return fmt.Errorf("CHUNK_SIZE_KB must be positive, got %d", c.ChunkSizeKB)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}
	switch c.StorageBackend {
	case StorageMinio, StorageMemory:
	case StorageFS:
		if c.FSRoot == "" {
			return fmt.Errorf("FS_ROOT is required for the fs storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.IndexBackend {
	case IndexTiDB, IndexMemory:
	default:
		return fmt.Errorf("unknown INDEX_BACKEND %q", c.IndexBackend)
	}
	if c.SweepInterval < 0 || c.SweepGrace < 0 {
		return fmt.Errorf("sweep interval and grace must not be negative")
	}
	if c.SweepInterval > 0 && c.SweepGrace < MinSweepGrace {
		return fmt.Errorf("SWEEP_GRACE must be at least %s when the sweep is enabled, got %s", MinSweepGrace, c.SweepGrace)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeKB) * 1024
}

// GetMaxUploadBytes returns the request body limit for uploads
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

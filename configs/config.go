package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// NodeID (NODE_ID) must be unique per process. A node ignores
	// announcements that carry its own id but not its current message id,
	// so two processes sharing an id never see each other's claims. Leave it
	// empty to get a random uuid.
	NodeID    string
	Namespace string

	// Broadcast bus
	BusBackend     string // memory, redis or etcd
	RedisHost      string
	RedisPort      string
	EtcdEndpoints  []string
	EtcdPrefix     string
	EtcdMessageTTL int

	// Catalog backing the collect responder
	CatalogBackend string // memory, postgres, redis or s3
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3CacheDir     string

	// Protocol timing
	ClaimPollInterval time.Duration
	ClaimTimeout      time.Duration
	CollectTimeout    time.Duration
	DuplicatePolicy   string

	APIPort   string
	JWTSecret string

	LogLevel        string
	LogEncoding     string
	TracingEnabled  bool
	TracingEndpoint string
}

func LoadConfig() *Config {
	return &Config{
		NodeID:            getEnv("NODE_ID", ""),
		Namespace:         getEnv("NAMESPACE", "autonode"),
		BusBackend:        getEnv("BUS_BACKEND", "redis"),
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		EtcdEndpoints:     strings.Split(getEnv("ETCD_ENDPOINTS", "localhost:2379"), ","),
		EtcdPrefix:        getEnv("ETCD_PREFIX", "/autonode/bus"),
		EtcdMessageTTL:    getEnvAsInt("ETCD_MESSAGE_TTL", 10),
		CatalogBackend:    getEnv("CATALOG_BACKEND", "memory"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "autonode"),
		DBPassword:        getEnv("DB_PASSWORD", "password"),
		DBName:            getEnv("DB_NAME", "autonode"),
		S3Bucket:          getEnv("S3_BUCKET", "autonode-items"),
		S3Prefix:          getEnv("S3_PREFIX", "items/"),
		S3Region:          getEnv("S3_REGION", "eu-west-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKey:       getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:       getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3CacheDir:        getEnv("S3_CACHE_DIR", ""),
		ClaimPollInterval: getEnvAsDuration("CLAIM_POLL_INTERVAL", 200*time.Millisecond),
		ClaimTimeout:      getEnvAsDuration("CLAIM_TIMEOUT", time.Second),
		CollectTimeout:    getEnvAsDuration("COLLECT_TIMEOUT", time.Second),
		DuplicatePolicy:   getEnv("DUPLICATE_POLICY", "overwrite"),
		APIPort:           getEnv("API_PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogEncoding:       getEnv("LOG_ENCODING", "json"),
		TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_ENDPOINT", "localhost:4318"),
	}
}

// RedisAddr returns host:port of the redis server.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// PostgresDSN builds the connection string used by the postgres catalog.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost + " user=" + c.DBUser + " password=" + c.DBPassword +
		" dbname=" + c.DBName + " port=" + c.DBPort + " sslmode=disable TimeZone=UTC"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return fallback
}

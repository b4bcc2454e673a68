package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process-level configuration for the exchange node.
type Server struct {
	Addr        string
	Environment string

	// Participant base URLs. In the sandbox topology all four actors run in
	// one process, so these default to the node's own address.
	GatewayBaseURL        string
	ConsentManagerBaseURL string
	ProviderBaseURL       string
	RequesterBaseURL      string

	PeerCallTimeout time.Duration
	CorrelationTTL  time.Duration

	ConsentTTL     time.Duration
	OTPTTL         time.Duration
	OTPMaxAttempts int

	DispatchWorkers   int
	DispatchQueueSize int

	JWTSigningKey      string
	ArtefactSigningKey string

	// Sandbox enrollment credentials, one per actor role.
	ConsentManagerSecret string
	ProviderSecret       string
	RequesterSecret      string

	Redis    RedisConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
}

// RedisConfig holds connection settings for the optional external KV store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds connection settings for the consent store database.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// KafkaConfig holds connection settings for the transaction-log topic.
type KafkaConfig struct {
	Brokers          string
	TransactionTopic string
}

// Consent expires seven days after the request is raised; links ten minutes
// after the code is issued. Both are protocol policy, env-overridable for
// tests only.
var (
	ConsentTTL = 7 * 24 * time.Hour
	OTPTTL     = 10 * time.Minute
)

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := getEnv("SETU_ADDR", ":8090")
	selfURL := getEnv("SETU_BASE_URL", "http://localhost"+addr)

	cfg := Server{
		Addr:                  addr,
		Environment:           getEnv("SETU_ENV", "sandbox"),
		// Actor base URLs carry the actor's mount prefix. In the
		// single-process sandbox every actor shares one listener and is told
		// apart by prefix alone.
		GatewayBaseURL:        getEnv("SETU_GATEWAY_URL", selfURL),
		ConsentManagerBaseURL: getEnv("SETU_CM_URL", selfURL+"/cm"),
		ProviderBaseURL:       getEnv("SETU_HIP_URL", selfURL+"/hip"),
		RequesterBaseURL:      getEnv("SETU_HIU_URL", selfURL+"/hiu"),
		PeerCallTimeout:       getDuration("SETU_PEER_TIMEOUT", 15*time.Second),
		CorrelationTTL:        getDuration("SETU_CORRELATION_TTL", 24*time.Hour),
		ConsentTTL:            getDuration("SETU_CONSENT_TTL", ConsentTTL),
		OTPTTL:                getDuration("SETU_OTP_TTL", OTPTTL),
		OTPMaxAttempts:        getInt("SETU_OTP_MAX_ATTEMPTS", 3),
		DispatchWorkers:       getInt("SETU_DISPATCH_WORKERS", 8),
		DispatchQueueSize:     getInt("SETU_DISPATCH_QUEUE", 256),
		JWTSigningKey:         getEnv("SETU_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		ArtefactSigningKey:    getEnv("SETU_ARTEFACT_SIGNING_KEY", "sandbox-artefact-signing-key"),
		ConsentManagerSecret:  getEnv("SETU_CM_SECRET", "cm-sandbox-secret"),
		ProviderSecret:        getEnv("SETU_HIP_SECRET", "hip-sandbox-secret"),
		RequesterSecret:       getEnv("SETU_HIU_SECRET", "hiu-sandbox-secret"),
		Redis: RedisConfig{
			URL:          os.Getenv("SETU_REDIS_URL"),
			PoolSize:     getInt("SETU_REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("SETU_REDIS_MIN_IDLE", 2),
			DialTimeout:  getDuration("SETU_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("SETU_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("SETU_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("SETU_DATABASE_URL"),
			MaxOpenConns:    getInt("SETU_DB_MAX_OPEN", 25),
			MaxIdleConns:    getInt("SETU_DB_MAX_IDLE", 5),
			ConnMaxLifetime: getDuration("SETU_DB_CONN_LIFETIME", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:          os.Getenv("SETU_KAFKA_BROKERS"),
			TransactionTopic: getEnv("SETU_KAFKA_TX_TOPIC", "setu.transactions"),
		},
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"tkp-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"60"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	MaxUploadBytes                int64    `env:"MAX_UPLOAD_BYTES" env-default:"10485760"` // 10MB

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"tkp"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Enabled - when false, allows X-Tenant-ID and X-User-ID headers for testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"true"`
	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`
	// Key prefix for distributed locks
	RedisLockPrefix string `env:"REDIS_LOCK_PREFIX" env-default:"tkp:lock"`

	// Kafka brokers (comma-separated)
	KafkaBrokers []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for document lifecycle events
	KafkaEventTopic string `env:"KAFKA_EVENT_TOPIC" env-default:"tkp-document-events"`
	// Kafka producer batch size
	KafkaBatchSize int `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	// Kafka producer batch timeout
	KafkaBatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" env-default:"100ms"`
	// Kafka required acks (-1 all, 0 none, 1 leader)
	KafkaRequiredAcks int `env:"KAFKA_REQUIRED_ACKS" env-default:"-1"`
	// Kafka compression codec
	KafkaCompression string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Object storage root directory for raw document bytes
	StorageRoot string `env:"STORAGE_ROOT" env-default:"data/objects"`

	// Embedding provider (http or local)
	EmbedderProvider string `env:"EMBEDDER_PROVIDER" env-default:"local"`
	// Embedding service base URL
	EmbedderBaseURL string `env:"EMBEDDER_BASE_URL" env-default:""`
	// Embedding model identifier
	EmbedderModel string `env:"EMBEDDER_MODEL" env-default:"text-embed-v1"`
	// Embedding vector dimensionality
	EmbedderDims int `env:"EMBEDDER_DIMS" env-default:"768"`
	// Texts per embedding request
	EmbedderBatchSize int `env:"EMBEDDER_BATCH_SIZE" env-default:"64"`
	// Embedding request timeout
	EmbedderTimeout time.Duration `env:"EMBEDDER_TIMEOUT" env-default:"30s"`

	// Worker settings
	// Job lease duration
	WorkerLease time.Duration `env:"WORKER_LEASE" env-default:"60s"`
	// Poll interval when the queue is empty
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" env-default:"2s"`
	// Base retry backoff
	WorkerBackoffBase time.Duration `env:"WORKER_BACKOFF_BASE" env-default:"30s"`
	// Maximum retry backoff
	WorkerBackoffMax time.Duration `env:"WORKER_BACKOFF_MAX" env-default:"15m"`
	// Publish lock TTL
	WorkerPublishLockTTL time.Duration `env:"WORKER_PUBLISH_LOCK_TTL" env-default:"30s"`

	// Chunking settings
	// Token limit for parent blocks
	ChunkParentTokenLimit int `env:"CHUNK_PARENT_TOKEN_LIMIT" env-default:"800"`
	// Token limit for child chunks
	ChunkChildTokenLimit int `env:"CHUNK_CHILD_TOKEN_LIMIT" env-default:"200"`
	// Token overlap between adjacent child chunks
	ChunkChildOverlap int `env:"CHUNK_CHILD_OVERLAP" env-default:"40"`

	// Retrieval settings
	// Candidates recalled per channel
	RetrievalRecallLimit int `env:"RETRIEVAL_RECALL_LIMIT" env-default:"50"`
	// Shared timeout for recall channels
	RetrievalRecallTimeout time.Duration `env:"RETRIEVAL_RECALL_TIMEOUT" env-default:"2s"`
	// Default result count when the request omits top_k
	RetrievalDefaultTopK int `env:"RETRIEVAL_DEFAULT_TOP_K" env-default:"8"`
	// Token budget for packed context blocks
	RetrievalContextTokenBudget int `env:"RETRIEVAL_CONTEXT_TOKEN_BUDGET" env-default:"2000"`
	// Top score below which the query is declined
	RetrievalMinConfidence float64 `env:"RETRIEVAL_MIN_CONFIDENCE" env-default:"0.25"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

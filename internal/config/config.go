package config

import (
	"encoding/json"
	"time"

	"semaphore/pkg/config"
	"semaphore/pkg/logging"
)

// Config aggregates the typed per-component configuration records. Every
// component receives only its own subrecord.
type Config struct {
	Connection  ConnectionConfig
	Relay       RelayConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Security    SecurityConfig
	Acks        AckConfig
	Heartbeat   HeartbeatConfig
	Webhooks    WebhookConfig
	Persistence PersistenceConfig
	Dedup       DedupConfig
	Load        LoadConfig
	Breaker     BreakerConfig
	Ingest      IngestConfig
	Encryption  EncryptionConfig
}

// ConnectionConfig configures the WebSocket transport and upgrade
// admission.
type ConnectionConfig struct {
	Host                     string
	Port                     string
	IdleTimeout              time.Duration
	MaxPayloadLength         int
	BackpressureLimit        int64
	CloseOnBackpressureLimit bool
	SendPings                bool
	PublishToSelf            bool
	PerMessageDeflate        bool
	ConnectRatePerIP         float64
	ConnectRateGlobal        float64
	ConnectBurst             int
}

// RelayConfig configures the cross-node relay backend.
type RelayConfig struct {
	Enabled   bool
	Addrs     []string
	Password  string
	Database  int
	KeyPrefix string
}

// AuthConfig configures socket authentication on upgrade and the
// service token guarding the admin API.
type AuthConfig struct {
	Enabled      bool
	CookieName   string
	JWTSecret    string
	ServiceToken string
}

// RateLimitConfig configures the per-socket message window limiter.
type RateLimitConfig struct {
	Max        int
	Window     time.Duration
	PerChannel bool
	PerUser    bool
}

// SecurityConfig configures payload gates and CORS.
type SecurityConfig struct {
	CORSEnabled      bool
	CORSOrigins      []string
	CORSCredentials  bool
	MaxPayloadSize   int
	SanitizeMessages bool
}

// AckConfig configures per-message acknowledgments.
type AckConfig struct {
	Enabled       bool
	Timeout       time.Duration
	RetryAttempts int
}

// HeartbeatConfig configures presence heartbeats.
type HeartbeatConfig struct {
	Enabled                bool
	Interval               time.Duration
	Timeout                time.Duration
	RequireClientHeartbeat bool
}

// WebhookEndpoint is a single registered webhook target.
type WebhookEndpoint struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
	Method  string            `json:"method,omitempty"`
}

// WebhookConfig configures the best-effort webhook emitter.
type WebhookConfig struct {
	Enabled       bool
	Endpoints     []WebhookEndpoint
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
	Secret        string
}

// PersistenceConfig configures the recent-message window per channel.
type PersistenceConfig struct {
	Enabled       bool
	TTL           time.Duration
	MaxMessages   int
	ExcludeEvents []string
}

// DedupConfig configures message deduplication.
type DedupConfig struct {
	Enabled bool
	TTL     time.Duration
	MaxSize int
}

// LoadConfig configures admission and load shedding.
type LoadConfig struct {
	MaxConnections           int
	MaxChannelsPerConnection int
	MaxGlobalChannels        int
	ShedLoadAt               float64 // admission threshold, fraction of capacity
	BackpressureThreshold    int64   // per-socket queued bytes
	MaxBatchSize             int
}

// BreakerConfig configures circuit breakers guarding external calls.
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
	Timeout          time.Duration
}

// IngestConfig configures the optional Kafka event source.
type IngestConfig struct {
	Enabled bool
	Brokers []string
	GroupID string
	Topics  []string
}

// EncryptionConfig configures the optional per-channel payload encryption.
type EncryptionConfig struct {
	Enabled  bool
	Secret   string
	Channels []string // channel name patterns that opt in
}

// Load builds the full configuration from the environment.
func Load(logger logging.Logger) *Config {
	cfg := &Config{
		Connection: ConnectionConfig{
			Host:        config.GetEnv("HOST", ""),
			Port:        config.GetEnv("PORT", "6001"),
			IdleTimeout: config.GetEnvDuration("IDLE_TIMEOUT", 120*time.Second),
			// transport cap, sits above the application payload limit so
			// oversized frames surface as an error, not a 1009 close
			MaxPayloadLength:         config.GetEnvInt("MAX_PAYLOAD_LENGTH", 200*1024),
			BackpressureLimit:        config.GetEnvInt64("BACKPRESSURE_LIMIT", 1024*1024),
			CloseOnBackpressureLimit: config.GetEnvBool("CLOSE_ON_BACKPRESSURE_LIMIT", false),
			SendPings:                config.GetEnvBool("SEND_PINGS", true),
			PublishToSelf:            config.GetEnvBool("PUBLISH_TO_SELF", false),
			PerMessageDeflate:        config.GetEnvBool("PER_MESSAGE_DEFLATE", false),
			ConnectRatePerIP:         config.GetEnvFloat("CONNECT_RATE_PER_IP", 20),
			ConnectRateGlobal:        config.GetEnvFloat("CONNECT_RATE_GLOBAL", 2000),
			ConnectBurst:             config.GetEnvInt("CONNECT_BURST", 20),
		},
		Relay: RelayConfig{
			Enabled:   config.GetEnvBool("RELAY_ENABLED", false),
			Addrs:     config.GetEnvStringSlice("REDIS_ADDRS", []string{"localhost:6379"}),
			Password:  config.GetEnv("REDIS_PASSWORD", ""),
			Database:  config.GetEnvInt("REDIS_DB", 0),
			KeyPrefix: config.GetEnv("REDIS_KEY_PREFIX", "broadcasting:"),
		},
		Auth: AuthConfig{
			Enabled:      config.GetEnvBool("AUTH_ENABLED", false),
			CookieName:   config.GetEnv("AUTH_COOKIE_NAME", "semaphore_session"),
			JWTSecret:    config.GetEnv("JWT_SECRET", ""),
			ServiceToken: config.GetEnv("SERVICE_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Max:        config.GetEnvInt("RATE_LIMIT_MAX", 100),
			Window:     config.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			PerChannel: config.GetEnvBool("RATE_LIMIT_PER_CHANNEL", false),
			PerUser:    config.GetEnvBool("RATE_LIMIT_PER_USER", false),
		},
		Security: SecurityConfig{
			CORSEnabled:      config.GetEnvBool("CORS_ENABLED", true),
			CORSOrigins:      config.GetEnvStringSlice("CORS_ORIGINS", nil),
			CORSCredentials:  config.GetEnvBool("CORS_CREDENTIALS", false),
			MaxPayloadSize:   config.GetEnvInt("MAX_PAYLOAD_SIZE", 100*1024),
			SanitizeMessages: config.GetEnvBool("SANITIZE_MESSAGES", false),
		},
		Acks: AckConfig{
			Enabled:       config.GetEnvBool("ACK_ENABLED", false),
			Timeout:       config.GetEnvDuration("ACK_TIMEOUT", 5*time.Second),
			RetryAttempts: config.GetEnvInt("ACK_RETRY_ATTEMPTS", 3),
		},
		Heartbeat: HeartbeatConfig{
			Enabled:                config.GetEnvBool("HEARTBEAT_ENABLED", true),
			Interval:               config.GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			Timeout:                config.GetEnvDuration("HEARTBEAT_TIMEOUT", 120*time.Second),
			RequireClientHeartbeat: config.GetEnvBool("HEARTBEAT_REQUIRE_CLIENT", false),
		},
		Webhooks: WebhookConfig{
			Enabled:       config.GetEnvBool("WEBHOOK_ENABLED", false),
			Endpoints:     parseWebhookEndpoints(logger),
			RetryAttempts: config.GetEnvInt("WEBHOOK_RETRY_ATTEMPTS", 3),
			RetryDelay:    config.GetEnvDuration("WEBHOOK_RETRY_DELAY", time.Second),
			Timeout:       config.GetEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			Secret:        config.GetEnv("WEBHOOK_SECRET", ""),
		},
		Persistence: PersistenceConfig{
			Enabled:       config.GetEnvBool("PERSISTENCE_ENABLED", false),
			TTL:           config.GetEnvDuration("PERSISTENCE_TTL", time.Hour),
			MaxMessages:   config.GetEnvInt("PERSISTENCE_MAX_MESSAGES", 100),
			ExcludeEvents: config.GetEnvStringSlice("PERSISTENCE_EXCLUDE_EVENTS", nil),
		},
		Dedup: DedupConfig{
			Enabled: config.GetEnvBool("DEDUP_ENABLED", false),
			TTL:     config.GetEnvDuration("DEDUP_TTL", time.Minute),
			MaxSize: config.GetEnvInt("DEDUP_MAX_SIZE", 10000),
		},
		Load: LoadConfig{
			MaxConnections:           config.GetEnvInt("LOAD_MAX_CONNECTIONS", 10000),
			MaxChannelsPerConnection: config.GetEnvInt("LOAD_MAX_CHANNELS_PER_CONNECTION", 100),
			MaxGlobalChannels:        config.GetEnvInt("LOAD_MAX_GLOBAL_CHANNELS", 10000),
			ShedLoadAt:               config.GetEnvFloat("LOAD_SHED_AT", 0.9),
			BackpressureThreshold:    config.GetEnvInt64("LOAD_BACKPRESSURE_THRESHOLD", 256*1024),
			MaxBatchSize:             config.GetEnvInt("LOAD_MAX_BATCH_SIZE", 50),
		},
		Breaker: BreakerConfig{
			FailureThreshold: config.GetEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			FailureWindow:    config.GetEnvDuration("CIRCUIT_FAILURE_WINDOW", time.Minute),
			ResetTimeout:     config.GetEnvDuration("CIRCUIT_RESET_TIMEOUT", 30*time.Second),
			SuccessThreshold: config.GetEnvInt("CIRCUIT_SUCCESS_THRESHOLD", 2),
			Timeout:          config.GetEnvDuration("CIRCUIT_CALL_TIMEOUT", 10*time.Second),
		},
		Ingest: IngestConfig{
			Enabled: config.GetEnvBool("KAFKA_ENABLED", false),
			Brokers: config.GetEnvStringSlice("KAFKA_BROKERS", nil),
			GroupID: config.GetEnv("KAFKA_GROUP_ID", "semaphore-group"),
			Topics:  config.GetEnvStringSlice("KAFKA_TOPICS", []string{"broadcast_events"}),
		},
		Encryption: EncryptionConfig{
			Enabled:  config.GetEnvBool("ENCRYPTION_ENABLED", false),
			Secret:   config.GetEnv("ENCRYPTION_SECRET", ""),
			Channels: config.GetEnvStringSlice("ENCRYPTION_CHANNELS", nil),
		},
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		logger.Warn("AUTH_ENABLED is set but JWT_SECRET is empty; disabling socket auth")
		cfg.Auth.Enabled = false
	}
	if cfg.Ingest.Enabled && len(cfg.Ingest.Brokers) == 0 {
		logger.Warn("KAFKA_ENABLED is set but KAFKA_BROKERS is empty; disabling ingest")
		cfg.Ingest.Enabled = false
	}

	return cfg
}

// parseWebhookEndpoints reads WEBHOOK_ENDPOINTS as a JSON array.
func parseWebhookEndpoints(logger logging.Logger) []WebhookEndpoint {
	raw := config.GetEnv("WEBHOOK_ENDPOINTS", "")
	if raw == "" {
		return nil
	}
	var endpoints []WebhookEndpoint
	if err := json.Unmarshal([]byte(raw), &endpoints); err != nil {
		if logger != nil {
			logger.WithError(err).Warn("Failed to parse WEBHOOK_ENDPOINTS, ignoring")
		}
		return nil
	}
	return endpoints
}

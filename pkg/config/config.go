package config

import (
	"time"

	"github.com/joho/godotenv"
)

// Session store backends.
const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds the runtime configuration for the gateway.
// Every field has an environment key and a sensible default.
type Config struct {
	ServiceName string // e.g. "books-gateway"
	Env         string // e.g. "dev", "uat", "prod"
	LogLevel    string // "debug", "info", etc.
	Port        int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int
	PublicDir        string // static landing page

	// Intuit defaults used when /authUri omits a field.
	IntuitClientID     string
	IntuitClientSecret string
	IntuitEnvironment  string // "sandbox" | "production"
	IntuitRedirectURI  string
	IntuitState        string
	IntuitTokenPath    string // persisted token record
	IntuitRPS          int    // per-realm request rate
	IntuitBurst        int
	IntuitRetryMax     int
	IntuitTimeout      time.Duration

	RefreshInterval time.Duration // scheduled refresh tick
	RefreshSkew     time.Duration // 0 = refresh unconditionally on every tick

	GoogleCredentialsPath string // credentials.json
	GoogleTokenPath       string // token.json
	GoogleRedirectURL     string
	GoogleSecretName      string // optional AWS secret holding client_id/client_secret

	BridgeWSURL          string // event stream of the messaging bridge
	BridgeHTTPURL        string // sub-router + media endpoint of the bridge
	BridgeReconnectDelay time.Duration
	QRPath               string

	WebhookEnabled bool
	WebhookPath    string
	WebhookTimeout time.Duration

	SessionStore string // file | redis | postgres
	SessionPath  string
	SessionKey   string // redis key / document name

	RedisAddr string
	RedisDB   int
	RedisPass string

	DatabaseURL         string
	PGMaxConns          int
	PGMinConns          int
	PGMaxConnLifetime   time.Duration
	PGMaxConnIdleTime   time.Duration
	PGHealthCheckPeriod time.Duration

	NATSURL      string // empty disables the NATS relay sink
	RelaySubject string
	RabbitMQURL  string // empty disables the AMQP relay sink
	RelayQueue   string

	SecretsBackend string // "" | "aws"
	AWSRegion      string
	CacheTTL       time.Duration
	CleanupFreq    time.Duration
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName: GetEnv("SERVICE_NAME", "books-gateway"),
		Env:         GetEnv("ENV", "dev"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		Port:        GetEnvInt("PORT", 8000),

		HTTPReadTimeout:  GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: GetEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		HTTPIdleTimeout:  GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    GetEnvInt("HTTP_BODY_LIMIT", 4*1024*1024),
		PublicDir:        GetEnv("PUBLIC_DIR", "./public"),

		IntuitClientID:     GetEnv("INTUIT_CLIENT_ID", ""),
		IntuitClientSecret: GetEnv("INTUIT_CLIENT_SECRET", ""),
		IntuitEnvironment:  GetEnv("INTUIT_ENVIRONMENT", "sandbox"),
		IntuitRedirectURI:  GetEnv("INTUIT_REDIRECT_URI", ""),
		IntuitState:        GetEnv("INTUIT_STATE", "intuit-test"),
		IntuitTokenPath:    GetEnv("INTUIT_TOKEN_PATH", "intuit_token.json"),
		IntuitRPS:          GetEnvInt("INTUIT_RPS", 8),
		IntuitBurst:        GetEnvInt("INTUIT_BURST", 10),
		IntuitRetryMax:     GetEnvInt("INTUIT_RETRY_MAX", 2),
		IntuitTimeout:      GetEnvDuration("INTUIT_TIMEOUT", 15*time.Second),

		RefreshInterval: GetEnvDuration("TOKEN_REFRESH_INTERVAL", 5*time.Minute),
		RefreshSkew:     GetEnvDuration("TOKEN_REFRESH_SKEW", 15*time.Minute),

		GoogleCredentialsPath: GetEnv("GOOGLE_CREDENTIALS_PATH", "credentials.json"),
		GoogleTokenPath:       GetEnv("GOOGLE_TOKEN_PATH", "token.json"),
		GoogleRedirectURL:     GetEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleSecretName:      GetEnv("GOOGLE_SECRET_NAME", ""),

		BridgeWSURL:          GetEnv("BRIDGE_WS_URL", "ws://localhost:3001/events"),
		BridgeHTTPURL:        GetEnv("BRIDGE_HTTP_URL", "http://localhost:3001"),
		BridgeReconnectDelay: GetEnvDuration("BRIDGE_RECONNECT_DELAY", 5*time.Second),
		QRPath:               GetEnv("QR_PATH", "./components/last.qr"),

		WebhookEnabled: GetEnvBool("WEBHOOK_ENABLED", false),
		WebhookPath:    GetEnv("WEBHOOK_PATH", ""),
		WebhookTimeout: GetEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		SessionStore: GetEnv("SESSION_STORE", StoreFile),
		SessionPath:  GetEnv("SESSION_PATH", "./.wwebjs_auth/session.json"),
		SessionKey:   GetEnv("SESSION_KEY", "gateway:messaging:session"),

		RedisAddr: GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   GetEnvInt("REDIS_DB", 0),
		RedisPass: GetEnv("REDIS_PASS", ""),

		DatabaseURL:         GetEnv("DATABASE_URL", ""),
		PGMaxConns:          GetEnvInt("PG_MAX_CONNS", 4),
		PGMinConns:          GetEnvInt("PG_MIN_CONNS", 1),
		PGMaxConnLifetime:   GetEnvDuration("PG_MAX_CONN_LIFETIME", 30*time.Minute),
		PGMaxConnIdleTime:   GetEnvDuration("PG_MAX_CONN_IDLE_TIME", 5*time.Minute),
		PGHealthCheckPeriod: GetEnvDuration("PG_HEALTH_CHECK_PERIOD", 1*time.Minute),

		NATSURL:      GetEnv("NATS_URL", ""),
		RelaySubject: GetEnv("RELAY_SUBJECT", "evt.messaging.message_received.v1"),
		RabbitMQURL:  GetEnv("RABBITMQ_URL", ""),
		RelayQueue:   GetEnv("RELAY_QUEUE", "inbound.messages"),

		SecretsBackend: GetEnv("SECRETS_BACKEND", ""),
		AWSRegion:      GetEnv("AWS_REGION", "us-east-2"),
		CacheTTL:       GetEnvDuration("CACHE_TTL", 1*time.Hour),
		CleanupFreq:    GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),
	}
}

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
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	RunMigrations bool

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

	Observability ObservabilityConfig

	Redis     RedisConfig
	Kafka     KafkaConfig
	Secret    SecretConfig
	ESocial   ESocialConfig
	Poller    PollerConfig
	RateLimit RateLimitConfig
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type KafkaConfig struct {
	Brokers        []string
	LifecycleTopic string
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// SecretConfig selects the managed secret backend holding company certificates.
type SecretConfig struct {
	Provider  string
	ProjectID string
}

// ESocialConfig describes the remote web service and the transmitter identity.
type ESocialConfig struct {
	Adapter             string
	Environment         int
	SubmitURL           string
	QueryURL            string
	RequestTimeout      time.Duration
	ProcessVersion      string
	TransmitterType     int
	TransmitterDocument string

	// Optional client certificate presented to the web service.
	ClientCertFile string
	ClientKeyFile  string

	SimulatorDelay time.Duration
}

type PollerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
	LockTTL     time.Duration
}

// RateLimitConfig throttles submissions per company; zero disables it.
type RateLimitConfig struct {
	SubmitRate  float64
	SubmitBurst int
}

const (
	SecretProviderGCP    = "gcp"
	SecretProviderMemory = "memory"

	// ESocial tpAmb values.
	ESocialProduction = 1
	ESocialRestricted = 2
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development"))

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "esocialgw"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       environment,
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		RunMigrations:     getenvBool("RUN_MIGRATIONS", true),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "esocialgw"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OtelProtocol:      otlpProtocol(),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:        splitList(getenv("KAFKA_BROKERS", "")),
			LifecycleTopic: getenv("KAFKA_LIFECYCLE_TOPIC", "esocial.event.lifecycle.v1"),
		},
		Secret: SecretConfig{
			Provider:  strings.ToLower(strings.TrimSpace(getenv("SECRET_PROVIDER", SecretProviderGCP))),
			ProjectID: strings.TrimSpace(getenv("SECRET_PROJECT_ID", os.Getenv("GOOGLE_CLOUD_PROJECT"))),
		},
		ESocial: ESocialConfig{
			Adapter:             strings.ToLower(strings.TrimSpace(getenv("TRANSMISSION_ADAPTER", "esocial"))),
			Environment:         getenvInt("ESOCIAL_ENVIRONMENT", ESocialRestricted),
			SubmitURL:           getenv("ESOCIAL_SUBMIT_URL", "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/enviarloteeventos/WsEnviarLoteEventos.svc"),
			QueryURL:            getenv("ESOCIAL_QUERY_URL", "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/consultarloteeventos/WsConsultarLoteEventos.svc"),
			RequestTimeout:      getenvDuration("ESOCIAL_REQUEST_TIMEOUT", 60*time.Second),
			ProcessVersion:      getenv("ESOCIAL_PROCESS_VERSION", "esocialgw-0.1.0"),
			TransmitterType:     getenvInt("ESOCIAL_TRANSMITTER_TYPE", 1),
			TransmitterDocument: strings.TrimSpace(getenv("ESOCIAL_TRANSMITTER_DOCUMENT", "")),
			ClientCertFile:      strings.TrimSpace(getenv("ESOCIAL_CLIENT_CERT_FILE", "")),
			ClientKeyFile:       strings.TrimSpace(getenv("ESOCIAL_CLIENT_KEY_FILE", "")),
			SimulatorDelay:      getenvDuration("ESOCIAL_SIMULATOR_DELAY", 2*time.Minute),
		},
		Poller: PollerConfig{
			RunInterval: getenvDuration("POLLER_RUN_INTERVAL", 15*time.Second),
			BatchSize:   getenvInt("POLLER_BATCH_SIZE", 50),
			EnabledJobs: splitList(getenv("POLLER_ENABLED_JOBS", "")),
			LockTTL:     getenvDuration("POLLER_LOCK_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			SubmitRate:  getenvFloat("RATE_LIMIT_SUBMIT_RATE", 1),
			SubmitBurst: getenvInt("RATE_LIMIT_SUBMIT_BURST", 10),
		},
	}

	return cfg
}

// otlpProtocol prefers the traces-specific variable the OTel SDKs honour.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	return strings.ToLower(strings.TrimSpace(protocol))
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

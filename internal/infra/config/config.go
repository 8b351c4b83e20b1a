package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport selects the delivery channel implementation.
const (
	TransportMemory = "memory"
	TransportKafka  = "kafka"
	TransportGRPC   = "grpc"
)

// Storage selects the conversation repository.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageScylla = "scylla"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env      string
	HTTPAddr string
	NodeID   string

	ReplyWindow      time.Duration
	RetryBackoff     []time.Duration
	PublishWorkers   int
	PublishTimeout   time.Duration
	TypingTTL        time.Duration
	HeartbeatTimeout time.Duration

	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string

	Transport        string
	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupID     string
	RelayAddr        string
	RelayListenAddr  string
	RelayDial        time.Duration
	RelayCallTimeout time.Duration

	Storage        string
	SQLitePath     string
	ScyllaHosts    []string
	ScyllaKeyspace string

	MongoURI           string
	MongoDB            string
	IdempotencyTTL     time.Duration
	OutboxPollInterval time.Duration

	RedisAddr       string
	PresenceChannel string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	ListingsURL      string
	ListingsFixtures string
	ListingsTimeout  time.Duration
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		NodeID:           os.Getenv("NODE_ID"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        getEnv("JWT_ISSUER", "dealroom"),
		Transport:        strings.ToLower(getEnv("TRANSPORT", TransportMemory)),
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "dealroom"),
		RelayAddr:        getEnv("RELAY_GRPC_ADDR", "localhost:9090"),
		RelayListenAddr:  getEnv("RELAY_LISTEN_ADDR", ":9090"),
		Storage:          strings.ToLower(getEnv("STORAGE", StorageMemory)),
		SQLitePath:       getEnv("SQLITE_PATH", "dealroom.db"),
		ScyllaKeyspace:   getEnv("SCYLLA_KEYSPACE", "dealroom"),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          getEnv("MONGO_DB", "dealroom"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		PresenceChannel:  getEnv("PRESENCE_CHANNEL", "dealroom.presence"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         getEnv("S3_BUCKET", "dealroom-attachments"),
		ListingsURL:      os.Getenv("LISTINGS_URL"),
		ListingsFixtures: os.Getenv("LISTINGS_FIXTURES"),
	}
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.ScyllaHosts = splitList(getEnv("SCYLLA_HOSTS", "127.0.0.1"))
	cfg.CORSOrigins = splitList(getEnv("CORS_ORIGINS", "http://localhost:3000"))

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"REPLY_WINDOW", 24 * time.Hour, &cfg.ReplyWindow},
		{"PUBLISH_TIMEOUT", 10 * time.Second, &cfg.PublishTimeout},
		{"TYPING_TTL", 3 * time.Second, &cfg.TypingTTL},
		{"HEARTBEAT_TIMEOUT", 45 * time.Second, &cfg.HeartbeatTimeout},
		{"RELAY_GRPC_DIAL_TIMEOUT", 3 * time.Second, &cfg.RelayDial},
		{"RELAY_GRPC_TIMEOUT", 5 * time.Second, &cfg.RelayCallTimeout},
		{"IDEMP_TTL", 168 * time.Hour, &cfg.IdempotencyTTL},
		{"OUTBOX_POLL_INTERVAL", 500 * time.Millisecond, &cfg.OutboxPollInterval},
		{"LISTINGS_TIMEOUT", 3 * time.Second, &cfg.ListingsTimeout},
	}
	for _, d := range durations {
		v, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	workers, err := parseIntEnv("PUBLISH_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	cfg.PublishWorkers = workers

	retryStr := getEnv("RETRY_BACKOFF", "1s,5s,30s")
	for _, raw := range strings.Split(retryStr, ",") {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RETRY_BACKOFF component %q: %w", raw, err)
		}
		cfg.RetryBackoff = append(cfg.RetryBackoff, d)
	}

	useSSL, err := parseBoolEnv("S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.S3UseSSL = useSSL

	switch cfg.Transport {
	case TransportMemory, TransportGRPC:
	case TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return Config{}, fmt.Errorf("KAFKA_BROKERS is required for kafka transport")
		}
	default:
		return Config{}, fmt.Errorf("unknown TRANSPORT %q", cfg.Transport)
	}
	switch cfg.Storage {
	case StorageMemory, StorageSQLite, StorageScylla:
	default:
		return Config{}, fmt.Errorf("unknown STORAGE %q", cfg.Storage)
	}
	if cfg.Env != "dev" && cfg.Env != "local" && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required outside dev")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

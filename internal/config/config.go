package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	ListenAddr string

	// DatabaseURL is the PostgreSQL URL backing the aggregation store.
	DatabaseURL string

	// KafkaBrokers is the broker bootstrap list (host:port, comma separated).
	KafkaBrokers []string
	// KafkaGroupID is the shared consumer group so multiple instances
	// split partitions instead of duplicating work.
	KafkaGroupID string

	// RedisAddr is the cache backend address. Empty disables caching;
	// the overview endpoint then computes on every request.
	RedisAddr     string
	RedisPassword string

	// MongoURL points at the downstream services' MongoDB deployment,
	// used only for the database-overview and ad-hoc query features.
	MongoURL string
	// ServiceDatabases maps downstream service name -> database name,
	// e.g. "identity:identity_db,inventory:inventory_db".
	ServiceDatabases map[string]string

	// JWT verification parameters. Tokens are issued by the identity
	// service; this core only validates them.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// OverviewTTL bounds staleness of the cached database overview.
	OverviewTTL time.Duration

	// QueryRowCap is the hard cap on rows returned by ad-hoc queries.
	QueryRowCap int

	// ShutdownGrace is how long in-flight consumers and pushes get to
	// finish after a termination signal.
	ShutdownGrace time.Duration

	// MetricRetentionDays caps how long metric history and query audit
	// rows are kept before the retention worker prunes them.
	MetricRetentionDays int
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:          getenv("APP_LISTEN_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("APP_DATABASE_URL"),
		KafkaBrokers:        splitList(getenv("APP_KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupID:        getenv("APP_KAFKA_GROUP_ID", "dashpulse"),
		RedisAddr:           os.Getenv("APP_REDIS_ADDR"),
		RedisPassword:       os.Getenv("APP_REDIS_PASSWORD"),
		MongoURL:            os.Getenv("APP_MONGO_URL"),
		ServiceDatabases:    parsePairs(getenv("APP_SERVICE_DATABASES", defaultServiceDatabases)),
		JWTSecret:           os.Getenv("APP_JWT_SECRET"),
		JWTIssuer:           getenv("APP_JWT_ISSUER", "identity-service"),
		JWTAudience:         getenv("APP_JWT_AUDIENCE", "dashpulse"),
		OverviewTTL:         30 * time.Second,
		QueryRowCap:         100,
		ShutdownGrace:       10 * time.Second,
		MetricRetentionDays: 90,
	}

	if v := os.Getenv("APP_OVERVIEW_TTL_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.OverviewTTL = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("APP_QUERY_ROW_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueryRowCap = n
		}
	}
	if v := os.Getenv("APP_SHUTDOWN_GRACE_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.ShutdownGrace = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("APP_METRIC_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.MetricRetentionDays = days
		}
	}

	return cfg
}

const defaultServiceDatabases = "identity:identity_db,inventory:inventory_db,sales:sales_db,financial:financial_db"

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePairs(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || k == "" || val == "" {
			continue
		}
		out[k] = val
	}
	return out
}

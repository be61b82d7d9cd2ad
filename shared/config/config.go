package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"match-event-delivery/shared/events"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	Version          string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	AuthEnabled     bool
	AuthScope       string
	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	RetryMaxAttempts    int
	RetryInitialDelayMS int
	RetryBackoffFactor  float64
	RetryMaxDelayMS     int

	BreakerMaxFailures    int
	BreakerResetTimeoutMS int

	CacheDefaultTTLSec   int
	CacheSweepIntervalMS int

	FallbackTiers     []string
	FallbackTimeoutMS int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaTopic    string
	KafkaWriteMS  int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AlertChannel  string

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	SpoolPath string

	ReplayScanSec     int
	ReplayBatchSize   int
	ReplayMaxAttempts int
	ReplayLockTTLSec  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

const (
	TierSecondaryQueue = "secondary-queue"
	TierDurableStore   = "durable-store"
	TierLocalSpool     = "local-spool"
)

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:      serviceName,
		Version:          "dev",
		HTTPPort:         httpPort,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,

		AuthScope:       "events:publish",
		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,

		RetryMaxAttempts:    3,
		RetryInitialDelayMS: 100,
		RetryBackoffFactor:  2.0,
		RetryMaxDelayMS:     5000,

		BreakerMaxFailures:    5,
		BreakerResetTimeoutMS: 30000,

		CacheDefaultTTLSec:   300,
		CacheSweepIntervalMS: 60000,

		FallbackTiers:     []string{TierSecondaryQueue, TierDurableStore, TierLocalSpool},
		FallbackTimeoutMS: 10000,

		KafkaTopic:   events.TopicMatchEvents,
		KafkaWriteMS: 5000,

		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		AlertChannel: events.TopicAlerts,

		AsynqQueue:       "fallback",
		AsynqConcurrency: 10,

		SpoolPath: "data/spool.db",

		ReplayScanSec:     15,
		ReplayBatchSize:   50,
		ReplayMaxAttempts: 20,
		ReplayLockTTLSec:  30,

		InfluxTimeoutMS: 5000,

		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
			if cfg.Env == "" {
				cfg.Env = strings.TrimSpace(fileEnv)
			}
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// If issuer is set and no explicit JWKS URL is provided, default to issuer/.well-known/jwks.json.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

// validate clamps invalid values back to their defaults and records a Problem for each.
func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	def := defaults(cfg.ServiceName, httpPortDefault)
	fail := func(field string, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be " + msg})
	}
	positive := func(field string, v *int, d int) {
		if *v <= 0 {
			fail(field, "> 0")
			*v = d
		}
	}
	nonNegative := func(field string, v *int, d int) {
		if *v < 0 {
			fail(field, ">= 0")
			*v = d
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		fail("HTTP_PORT", "1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, def.RequestTimeoutMS)
	positive("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, def.JWKSTTLSeconds)
	nonNegative("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, def.JWTClockSkewSec)
	if cfg.AuthEnabled && cfg.OIDCJWKSURL == "" {
		*problems = append(*problems, Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER or OIDC_JWKS_URL is required when AUTH_ENABLED"})
		cfg.AuthEnabled = false
	}

	positive("RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts, def.RetryMaxAttempts)
	nonNegative("RETRY_INITIAL_DELAY_MS", &cfg.RetryInitialDelayMS, def.RetryInitialDelayMS)
	if cfg.RetryBackoffFactor < 1 {
		fail("RETRY_BACKOFF_FACTOR", ">= 1")
		cfg.RetryBackoffFactor = def.RetryBackoffFactor
	}
	nonNegative("RETRY_MAX_DELAY_MS", &cfg.RetryMaxDelayMS, def.RetryMaxDelayMS)
	if cfg.RetryMaxDelayMS < cfg.RetryInitialDelayMS {
		fail("RETRY_MAX_DELAY_MS", ">= RETRY_INITIAL_DELAY_MS")
		cfg.RetryMaxDelayMS = cfg.RetryInitialDelayMS
	}

	positive("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures, def.BreakerMaxFailures)
	positive("BREAKER_RESET_TIMEOUT_MS", &cfg.BreakerResetTimeoutMS, def.BreakerResetTimeoutMS)
	positive("CACHE_DEFAULT_TTL_SECONDS", &cfg.CacheDefaultTTLSec, def.CacheDefaultTTLSec)
	positive("CACHE_SWEEP_INTERVAL_MS", &cfg.CacheSweepIntervalMS, def.CacheSweepIntervalMS)
	positive("FALLBACK_TIMEOUT_MS", &cfg.FallbackTimeoutMS, def.FallbackTimeoutMS)

	tiers := make([]string, 0, len(cfg.FallbackTiers))
	for _, t := range cfg.FallbackTiers {
		switch t {
		case TierSecondaryQueue, TierDurableStore, TierLocalSpool:
			tiers = append(tiers, t)
		default:
			*problems = append(*problems, Problem{Field: "FALLBACK_TIERS", Message: fmt.Sprintf("unknown fallback tier %q", t)})
		}
	}
	if len(tiers) == 0 {
		fail("FALLBACK_TIERS", "a non-empty list")
		tiers = def.FallbackTiers
	}
	cfg.FallbackTiers = tiers

	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, def.KafkaWriteMS)
	positive("DB_MAX_CONNS", &cfg.DBMaxConns, def.DBMaxConns)
	nonNegative("DB_MIN_CONNS", &cfg.DBMinConns, def.DBMinConns)
	if cfg.DBMinConns > cfg.DBMaxConns {
		fail("DB_MIN_CONNS", "<= DB_MAX_CONNS")
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, def.DBConnMaxIdleSec)
	positive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, def.DBConnMaxLifeSec)
	nonNegative("REDIS_DB", &cfg.RedisDB, def.RedisDB)
	nonNegative("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, def.AsynqRedisDB)
	positive("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, def.AsynqConcurrency)
	positive("REPLAY_SCAN_INTERVAL_SECONDS", &cfg.ReplayScanSec, def.ReplayScanSec)
	positive("REPLAY_BATCH_SIZE", &cfg.ReplayBatchSize, def.ReplayBatchSize)
	positive("REPLAY_MAX_ATTEMPTS", &cfg.ReplayMaxAttempts, def.ReplayMaxAttempts)
	positive("REPLAY_LOCK_TTL_SECONDS", &cfg.ReplayLockTTLSec, def.ReplayLockTTLSec)
	positive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, def.InfluxTimeoutMS)
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		fail("OTEL_SAMPLE_RATIO", "0-1")
		cfg.OtelSampleRatio = def.OtelSampleRatio
	}
}

// binding ties one configuration key to a Config field. The same table drives
// both the JSON file and the environment.
type binding struct {
	key  string
	want string
	set  func(cfg *Config, v any) bool
}

func stringKey(key string, field func(*Config) *string) binding {
	return binding{key: key, want: "a string", set: func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if ok {
			*field(cfg) = strings.TrimSpace(s)
		}
		return ok
	}}
}

func intKey(key string, field func(*Config) *int) binding {
	return binding{key: key, want: "an integer", set: func(cfg *Config, v any) bool {
		n, ok := asInt(v)
		if ok {
			*field(cfg) = n
		}
		return ok
	}}
}

func floatKey(key string, field func(*Config) *float64) binding {
	return binding{key: key, want: "a number", set: func(cfg *Config, v any) bool {
		f, ok := asFloat(v)
		if ok {
			*field(cfg) = f
		}
		return ok
	}}
}

func boolKey(key string, field func(*Config) *bool) binding {
	return binding{key: key, want: "a boolean", set: func(cfg *Config, v any) bool {
		var b, ok bool
		switch t := v.(type) {
		case bool:
			b, ok = t, true
		case string:
			b, ok = asBool(t)
		}
		if ok {
			*field(cfg) = b
		}
		return ok
	}}
}

func listKey(key string, field func(*Config) *[]string) binding {
	return binding{key: key, want: "a list", set: func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case string:
			*field(cfg) = parseCSV(t)
		case []any:
			*field(cfg) = parseAnyCSV(t)
		default:
			return false
		}
		return true
	}}
}

var bindings = []binding{
	stringKey("SERVICE_NAME", func(c *Config) *string { return &c.ServiceName }),
	stringKey("SERVICE_VERSION", func(c *Config) *string { return &c.Version }),
	intKey("HTTP_PORT", func(c *Config) *int { return &c.HTTPPort }),
	stringKey("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	intKey("REQUEST_TIMEOUT_MS", func(c *Config) *int { return &c.RequestTimeoutMS }),

	boolKey("AUTH_ENABLED", func(c *Config) *bool { return &c.AuthEnabled }),
	stringKey("AUTH_REQUIRED_SCOPE", func(c *Config) *string { return &c.AuthScope }),
	stringKey("OIDC_ISSUER", func(c *Config) *string { return &c.OIDCIssuer }),
	stringKey("OIDC_AUDIENCE", func(c *Config) *string { return &c.OIDCAudience }),
	stringKey("OIDC_JWKS_URL", func(c *Config) *string { return &c.OIDCJWKSURL }),
	intKey("JWKS_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.JWKSTTLSeconds }),
	intKey("JWT_CLOCK_SKEW_SECONDS", func(c *Config) *int { return &c.JWTClockSkewSec }),

	intKey("RETRY_MAX_ATTEMPTS", func(c *Config) *int { return &c.RetryMaxAttempts }),
	intKey("RETRY_INITIAL_DELAY_MS", func(c *Config) *int { return &c.RetryInitialDelayMS }),
	floatKey("RETRY_BACKOFF_FACTOR", func(c *Config) *float64 { return &c.RetryBackoffFactor }),
	intKey("RETRY_MAX_DELAY_MS", func(c *Config) *int { return &c.RetryMaxDelayMS }),
	intKey("BREAKER_MAX_FAILURES", func(c *Config) *int { return &c.BreakerMaxFailures }),
	intKey("BREAKER_RESET_TIMEOUT_MS", func(c *Config) *int { return &c.BreakerResetTimeoutMS }),
	intKey("CACHE_DEFAULT_TTL_SECONDS", func(c *Config) *int { return &c.CacheDefaultTTLSec }),
	intKey("CACHE_SWEEP_INTERVAL_MS", func(c *Config) *int { return &c.CacheSweepIntervalMS }),
	listKey("FALLBACK_TIERS", func(c *Config) *[]string { return &c.FallbackTiers }),
	intKey("FALLBACK_TIMEOUT_MS", func(c *Config) *int { return &c.FallbackTimeoutMS }),

	listKey("KAFKA_BROKERS", func(c *Config) *[]string { return &c.KafkaBrokers }),
	stringKey("KAFKA_CLIENT_ID", func(c *Config) *string { return &c.KafkaClientID }),
	stringKey("KAFKA_TOPIC", func(c *Config) *string { return &c.KafkaTopic }),
	intKey("KAFKA_WRITE_TIMEOUT_MS", func(c *Config) *int { return &c.KafkaWriteMS }),

	stringKey("DATABASE_URL", func(c *Config) *string { return &c.DatabaseURL }),
	intKey("DB_MAX_CONNS", func(c *Config) *int { return &c.DBMaxConns }),
	intKey("DB_MIN_CONNS", func(c *Config) *int { return &c.DBMinConns }),
	intKey("DB_CONN_MAX_IDLE_SECONDS", func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	intKey("DB_CONN_MAX_LIFETIME_SECONDS", func(c *Config) *int { return &c.DBConnMaxLifeSec }),

	stringKey("REDIS_ADDR", func(c *Config) *string { return &c.RedisAddr }),
	stringKey("REDIS_PASSWORD", func(c *Config) *string { return &c.RedisPassword }),
	intKey("REDIS_DB", func(c *Config) *int { return &c.RedisDB }),
	stringKey("ALERT_CHANNEL", func(c *Config) *string { return &c.AlertChannel }),

	stringKey("ASYNQ_REDIS_ADDR", func(c *Config) *string { return &c.AsynqRedisAddr }),
	stringKey("ASYNQ_REDIS_PASSWORD", func(c *Config) *string { return &c.AsynqRedisPass }),
	intKey("ASYNQ_REDIS_DB", func(c *Config) *int { return &c.AsynqRedisDB }),
	stringKey("ASYNQ_QUEUE", func(c *Config) *string { return &c.AsynqQueue }),
	intKey("ASYNQ_CONCURRENCY", func(c *Config) *int { return &c.AsynqConcurrency }),

	stringKey("SPOOL_PATH", func(c *Config) *string { return &c.SpoolPath }),

	intKey("REPLAY_SCAN_INTERVAL_SECONDS", func(c *Config) *int { return &c.ReplayScanSec }),
	intKey("REPLAY_BATCH_SIZE", func(c *Config) *int { return &c.ReplayBatchSize }),
	intKey("REPLAY_MAX_ATTEMPTS", func(c *Config) *int { return &c.ReplayMaxAttempts }),
	intKey("REPLAY_LOCK_TTL_SECONDS", func(c *Config) *int { return &c.ReplayLockTTLSec }),

	stringKey("INFLUX_URL", func(c *Config) *string { return &c.InfluxURL }),
	stringKey("INFLUX_TOKEN", func(c *Config) *string { return &c.InfluxToken }),
	stringKey("INFLUX_ORG", func(c *Config) *string { return &c.InfluxOrg }),
	stringKey("INFLUX_BUCKET", func(c *Config) *string { return &c.InfluxBucket }),
	intKey("INFLUX_TIMEOUT_MS", func(c *Config) *int { return &c.InfluxTimeoutMS }),

	boolKey("OTEL_ENABLED", func(c *Config) *bool { return &c.OtelEnabled }),
	stringKey("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.OtelEndpoint }),
	boolKey("OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) *bool { return &c.OtelInsecure }),
	floatKey("OTEL_SAMPLE_RATIO", func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range bindings {
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" && b.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		if !b.set(cfg, v) {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + b.want})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		for _, b := range bindings {
			if b.key != key {
				continue
			}
			if !b.set(cfg, v) {
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + b.want})
			}
			break
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

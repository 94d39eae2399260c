package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NoLimit disables a quota.
const NoLimit = -1

const (
	StoreDriverRedis    = "redis"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	MetricsExporterOTLP       = "otlp"
	MetricsExporterPrometheus = "prometheus"

	EnforcementEnforce = "enforce"
	EnforcementMonitor = "monitor"

	FailOpen   = "fail_open"
	FailClosed = "fail_closed"

	publicKeyEnvPrefix = "RSA_PUB_"
)

// Config is built once at process start and passed explicitly to every component.
type Config struct {
	AppEnv   string
	HTTPAddr string

	LimitPerHour               int
	LimitPerDay                int
	TeacherLimitPerHour        int
	NearLimitBuffer            int
	BlockOnDailyLimit          bool
	EnforcementMode            string
	LimiterFailureMode         string
	StrictUnknownTokenHandling bool
	UsagePageLimit             int

	StoreDriver                    string
	RedisAddr                      string
	RedisPassword                  string
	RedisDB                        int
	RedisKeyPrefix                 string
	DatabaseURL                    string
	TokenStatusTable               string
	UserRequestsTable              string
	TeacherAssociatedRequestsTable string
	BlockedUsersTable              string

	TokenRecordTTL          time.Duration
	UserRequestRecordTTL    time.Duration
	TeacherRequestRecordTTL time.Duration

	// PublicKeys maps a lower-cased stage name to its PEM encoded RSA key.
	PublicKeys map[string]string

	IngressRateLimitRPM int
	ShutdownTimeout     time.Duration
	LedgerSweepInterval time.Duration

	LogLevel                  string
	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELMetricsExporter       string
	OTELMetricsExportInterval time.Duration
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
}

// Enforcing reports whether blocks are applied rather than only recorded.
func (c *Config) Enforcing() bool {
	return c.EnforcementMode != EnforcementMonitor
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	cfg, err := load(os.Getenv, os.Environ())
	recordConfigLoad(context.Background(), os.Getenv("APP_ENV"), cfg, err)
	return cfg, err
}

func load(getenv func(string) string, environ []string) (*Config, error) {
	p := envParser{getenv: getenv}
	cfg := &Config{
		AppEnv:   p.str("APP_ENV", "development"),
		HTTPAddr: p.str("HTTP_ADDR", ":8080"),

		LimitPerHour:               p.integer("LIMIT_PER_HOUR", NoLimit),
		LimitPerDay:                p.integer("LIMIT_PER_DAY", NoLimit),
		TeacherLimitPerHour:        p.integer("TEACHER_LIMIT_PER_HOUR", NoLimit),
		NearLimitBuffer:            p.integer("NEAR_LIMIT_BUFFER", 10),
		BlockOnDailyLimit:          p.boolean("BLOCK_ON_DAILY_LIMIT", false),
		EnforcementMode:            strings.ToLower(p.str("ENFORCEMENT_MODE", EnforcementEnforce)),
		LimiterFailureMode:         strings.ToLower(p.str("LIMITER_FAILURE_MODE", FailOpen)),
		StrictUnknownTokenHandling: p.boolean("STRICT_UNKNOWN_TOKEN_HANDLING", false),
		UsagePageLimit:             p.integer("USAGE_PAGE_LIMIT", 1000),

		StoreDriver:                    strings.ToLower(p.str("STORE_DRIVER", StoreDriverRedis)),
		RedisAddr:                      p.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:                  p.str("REDIS_PASSWORD", ""),
		RedisDB:                        p.integer("REDIS_DB", 0),
		RedisKeyPrefix:                 p.str("REDIS_KEY_PREFIX", "execgate"),
		DatabaseURL:                    p.str("DATABASE_URL", ""),
		TokenStatusTable:               p.str("TOKEN_STATUS_TABLE", "token_status"),
		UserRequestsTable:              p.str("USER_REQUESTS_TABLE", "user_requests"),
		TeacherAssociatedRequestsTable: p.str("TEACHER_ASSOCIATED_REQUESTS_TABLE", "teacher_associated_requests"),
		BlockedUsersTable:              p.str("BLOCKED_USERS_TABLE", "blocked_users"),

		TokenRecordTTL:          p.duration("TOKEN_RECORD_TTL", 120*time.Second),
		UserRequestRecordTTL:    p.duration("USER_REQUEST_RECORD_TTL", 25*time.Hour),
		TeacherRequestRecordTTL: p.duration("TEACHER_REQUEST_RECORD_TTL", 25*time.Hour),

		PublicKeys: publicKeysFromEnviron(environ),

		IngressRateLimitRPM: p.integer("INGRESS_RATE_LIMIT_RPM", 600),
		ShutdownTimeout:     p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LedgerSweepInterval: p.duration("LEDGER_SWEEP_INTERVAL", time.Minute),

		LogLevel:                  p.str("LOG_LEVEL", "info"),
		OTELServiceName:           p.str("OTEL_SERVICE_NAME", "execgate"),
		OTELEnvironment:           p.str("OTEL_ENVIRONMENT", "development"),
		OTELExporterOTLPEndpoint:  p.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  p.boolean("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        p.boolean("OTEL_METRICS_ENABLED", false),
		OTELMetricsExporter:       strings.ToLower(p.str("OTEL_METRICS_EXPORTER", MetricsExporterOTLP)),
		OTELMetricsExportInterval: p.duration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second),
		OTELTracingEnabled:        p.boolean("OTEL_TRACING_ENABLED", false),
		OTELLogsEnabled:           p.boolean("OTEL_LOGS_ENABLED", false),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &validationError{err: err}
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	for key, v := range map[string]int{
		"LIMIT_PER_HOUR":         c.LimitPerHour,
		"LIMIT_PER_DAY":          c.LimitPerDay,
		"TEACHER_LIMIT_PER_HOUR": c.TeacherLimitPerHour,
	} {
		if v < NoLimit {
			errs = append(errs, fmt.Errorf("%s must be >= 0 or -1, got %d", key, v))
		}
	}
	if c.NearLimitBuffer < 0 {
		errs = append(errs, errors.New("NEAR_LIMIT_BUFFER must be >= 0"))
	}
	if c.UsagePageLimit <= 0 {
		errs = append(errs, errors.New("USAGE_PAGE_LIMIT must be > 0"))
	}
	switch c.EnforcementMode {
	case EnforcementEnforce, EnforcementMonitor:
	default:
		errs = append(errs, fmt.Errorf("ENFORCEMENT_MODE must be %q or %q", EnforcementEnforce, EnforcementMonitor))
	}
	switch c.LimiterFailureMode {
	case FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Errorf("LIMITER_FAILURE_MODE must be %q or %q", FailOpen, FailClosed))
	}
	switch c.StoreDriver {
	case StoreDriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case StoreDriverPostgres, StoreDriverSQLite:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the %s store", c.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver))
	}
	if c.TokenRecordTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_RECORD_TTL must be positive"))
	}
	if c.UserRequestRecordTTL <= 24*time.Hour {
		errs = append(errs, errors.New("USER_REQUEST_RECORD_TTL must exceed the 24h daily window"))
	}
	if c.TeacherRequestRecordTTL <= time.Hour {
		errs = append(errs, errors.New("TEACHER_REQUEST_RECORD_TTL must exceed the 1h classroom window"))
	}
	switch c.OTELMetricsExporter {
	case MetricsExporterOTLP, MetricsExporterPrometheus:
	default:
		errs = append(errs, fmt.Errorf("OTEL_METRICS_EXPORTER %q is not supported", c.OTELMetricsExporter))
	}
	if c.IngressRateLimitRPM <= 0 {
		errs = append(errs, errors.New("INGRESS_RATE_LIMIT_RPM must be positive"))
	}
	return errors.Join(errs...)
}

// publicKeysFromEnviron collects RSA_PUB_<STAGE> variables. Newlines in the
// stored PEM arrive as a literal `\n` followed by a space.
func publicKeysFromEnviron(environ []string) map[string]string {
	keys := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(strings.ToUpper(name), publicKeyEnvPrefix) {
			continue
		}
		stage := strings.ToLower(name[len(publicKeyEnvPrefix):])
		if stage == "" || strings.TrimSpace(value) == "" {
			continue
		}
		keys[stage] = restorePEMNewlines(value)
	}
	return keys
}

func restorePEMNewlines(v string) string {
	v = strings.ReplaceAll(v, `\n `, "\n")
	return strings.ReplaceAll(v, `\n`, "\n")
}

// Stages lists the stages with a configured public key, sorted.
func (c *Config) Stages() []string {
	out := make([]string, 0, len(c.PublicKeys))
	for stage := range c.PublicKeys {
		out = append(out, stage)
	}
	sort.Strings(out)
	return out
}

type envParser struct {
	getenv func(string) string
	err    error
}

func (p *envParser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *envParser) integer(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(&parseError{key: key, err: err})
		return def
	}
	return v
}

func (p *envParser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(&parseError{key: key, err: err})
		return def
	}
	return v
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(&parseError{key: key, err: err})
		return def
	}
	return v
}

func (p *envParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix selects nested overrides, e.g. DISPATCH_MATCHER__WAIT_TIMEOUT.
const EnvPrefix = "DISPATCH_"

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `koanf:"brokers"`
	EventsTopic    string   `koanf:"events_topic"`
	LocationsTopic string   `koanf:"locations_topic"`
	Group          string   `koanf:"group"`
	// ConsumeLocations starts the driver-location consumer in the server.
	ConsumeLocations bool `koanf:"consume_locations"`
}

type MatcherConfig struct {
	MaxDistance    int           `koanf:"max_distance"`
	CellSize       int           `koanf:"cell_size"`
	WaitTimeout    time.Duration `koanf:"wait_timeout"`
	MatchOnCreate  bool          `koanf:"match_on_create"`
	ExpireRequests bool          `koanf:"expire_requests"`
}

// ServerConfig captures all tunable parameters for the API process.
// Defaults let the binary run locally with the in-memory store and no
// broker.
type ServerConfig struct {
	HTTP     HTTPConfig    `koanf:"http"`
	PGDSN    string        `koanf:"pg_dsn"`
	Kafka    KafkaConfig   `koanf:"kafka"`
	Matcher  MatcherConfig `koanf:"matcher"`
	LogLevel string        `koanf:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Kafka: KafkaConfig{
			EventsTopic:    "dispatch-events",
			LocationsTopic: "driver-locations",
			Group:          "dispatch-engine",
		},
		Matcher: MatcherConfig{
			MaxDistance:    10,
			WaitTimeout:    5 * time.Second,
			MatchOnCreate:  true,
			ExpireRequests: true,
		},
		LogLevel: "info",
	}
}

// LoadServerConfig layers defaults, an optional YAML file, DISPATCH_*
// variables and finally the plain variable names (HTTP_ADDR, PG_DSN, ...).
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	var errs []error

	setStringFromEnv(&cfg.HTTP.Addr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HTTP.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Kafka.EventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.Kafka.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.Kafka.Group, "KAFKA_GROUP")
	setBoolFromEnv(&cfg.Kafka.ConsumeLocations, "KAFKA_CONSUME_LOCATIONS", &errs)

	setIntFromEnv(&cfg.Matcher.MaxDistance, "MATCHER_MAX_DISTANCE", &errs)
	setIntFromEnv(&cfg.Matcher.CellSize, "MATCHER_CELL_SIZE", &errs)
	setDurationFromEnv(&cfg.Matcher.WaitTimeout, "MATCHER_WAIT_TIMEOUT", &errs)
	setBoolFromEnv(&cfg.Matcher.MatchOnCreate, "MATCHER_MATCH_ON_CREATE", &errs)
	setBoolFromEnv(&cfg.Matcher.ExpireRequests, "MATCHER_EXPIRE_REQUESTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Matcher.CellSize == 0 {
		cfg.Matcher.CellSize = max(cfg.Matcher.MaxDistance, 1)
	}
	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http address must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"read timeout":     c.HTTP.ReadTimeout,
		"write timeout":    c.HTTP.WriteTimeout,
		"idle timeout":     c.HTTP.IdleTimeout,
		"shutdown timeout": c.HTTP.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("http %s must be > 0", name))
		}
	}
	if c.Matcher.MaxDistance < 0 {
		errs = append(errs, errors.New("MATCHER_MAX_DISTANCE must be >= 0"))
	}
	if c.Matcher.CellSize < 1 {
		errs = append(errs, errors.New("MATCHER_CELL_SIZE must be > 0"))
	}
	if c.Matcher.WaitTimeout <= 0 {
		errs = append(errs, errors.New("MATCHER_WAIT_TIMEOUT must be > 0"))
	}
	if c.Kafka.ConsumeLocations && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("consuming locations requires KAFKA_BROKERS"))
	}
	if err := validateLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ConsumerConfig configures the event projector.
type ConsumerConfig struct {
	Brokers       []string `koanf:"brokers"`
	Topic         string   `koanf:"topic"`
	Group         string   `koanf:"group"`
	RedisAddr     string   `koanf:"redis_addr"`
	RedisPassword string   `koanf:"redis_password"`
	MetricsAddr   string   `koanf:"metrics_addr"`
	LogLevel      string   `koanf:"log_level"`
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:     []string{"localhost:9092"},
		Topic:       "dispatch-events",
		Group:       "dispatch-projector",
		RedisAddr:   "localhost:6379",
		MetricsAddr: ":2112",
		LogLevel:    "info",
	}
}

func LoadConsumerConfig(path string) (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Brokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.Brokers) == 0 {
		errs = append(errs, errors.New("at least one kafka broker is required"))
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("kafka topic must not be empty"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, errors.New("redis address must not be empty"))
	}
	if err := validateLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// load merges the YAML file at path (if any) and DISPATCH_* variables over
// the defaults already in out.
func load(path string, out any) error {
	k := koanf.New(".")
	if path != "" {
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
		default:
			return fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return err
	}
	return k.UnmarshalWithConf("", out, koanf.UnmarshalConf{Tag: "koanf"})
}

func validateLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "warning", "error", "critical":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

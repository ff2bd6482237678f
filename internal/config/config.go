package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. GRAPHSUB_SERVER_ADDR sets
// server.addr.
const EnvPrefix = "GRAPHSUB_"

type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Schema   SchemaConfig    `koanf:"schema"`
	Broker   BrokerConfig    `koanf:"broker"`
	Kafka    KafkaConfig     `koanf:"kafka"`
	Bindings []BindingConfig `koanf:"bindings"`
	Log      LogConfig       `koanf:"log"`
	OTel     OTelConfig      `koanf:"otel"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	Pretty          bool          `koanf:"pretty"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxBodyBytes    int64         `koanf:"maxbodybytes"`
	CORS            []string      `koanf:"cors"`
	MetadataHeaders []string      `koanf:"metadataheaders"`
	KeepAlive       time.Duration `koanf:"keepalive"`
	GraphiQL        bool          `koanf:"graphiql"`
	Introspection   bool          `koanf:"introspection"`
}

type SchemaConfig struct {
	Path string `koanf:"path"`
}

type BrokerConfig struct {
	Kind   string `koanf:"kind"` // memory or kafka
	Buffer int    `koanf:"buffer"`
}

type KafkaConfig struct {
	Brokers  []string `koanf:"brokers"`
	ClientID string   `koanf:"clientid"`
	Offset   string   `koanf:"offset"` // newest or oldest
}

type BindingConfig struct {
	Field string `koanf:"field"`
	Topic string `koanf:"topic"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type OTelConfig struct {
	Endpoint string `koanf:"endpoint"`
	Service  string `koanf:"service"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.addr":          ":8080",
		"server.pretty":        false,
		"server.timeout":       "10s",
		"server.maxbodybytes":  1 << 20,
		"server.keepalive":     "15s",
		"server.graphiql":      true,
		"server.introspection": true,
		"schema.path":          "schema.graphql",
		"broker.kind":          "memory",
		"broker.buffer":        16,
		"kafka.brokers":        []string{"localhost:9092"},
		"kafka.clientid":       "graphsub",
		"kafka.offset":         "newest",
		"log.level":            "info",
		"log.format":           "json",
		"otel.service":         "graphsub",
	}
}

// Load reads defaults, then each YAML file in paths that exists, then
// environment overrides.
func Load(paths ...string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "memory":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("config: kafka.brokers is required when broker.kind is kafka")
		}
	default:
		return fmt.Errorf("config: unknown broker.kind %q (want memory or kafka)", c.Broker.Kind)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log.format %q (want json or console)", c.Log.Format)
	}
	for i, b := range c.Bindings {
		if b.Field == "" || b.Topic == "" {
			return fmt.Errorf("config: bindings[%d] needs both field and topic", i)
		}
	}
	return nil
}

// BindingMap returns the bindings keyed by field.
func (c *Config) BindingMap() map[string]string {
	m := make(map[string]string, len(c.Bindings))
	for _, b := range c.Bindings {
		m[b.Field] = b.Topic
	}
	return m
}

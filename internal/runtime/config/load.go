package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WSFLOW_"

// Load reads the YAML file at path (skipped when empty), loads the given
// dotenv files into the process environment, applies WSFLOW_* overrides and
// finally the defaults. The result is not validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

type envSetter func(c *Config, value string) error

func setString(target func(c *Config) *string) envSetter {
	return func(c *Config, value string) error {
		*target(c) = value
		return nil
	}
}

func setList(target func(c *Config) *[]string) envSetter {
	return func(c *Config, value string) error {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*target(c) = items
		return nil
	}
}

func setBool(target func(c *Config) *bool) envSetter {
	return func(c *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*target(c) = b
		return nil
	}
}

func setInt(target func(c *Config) *int) envSetter {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target(c) = n
		return nil
	}
}

func setInt64(target func(c *Config) *int64) envSetter {
	return func(c *Config, value string) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*target(c) = n
		return nil
	}
}

func setDuration(target func(c *Config) *time.Duration) envSetter {
	return func(c *Config, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target(c) = d
		return nil
	}
}

var envOverrides = map[string]envSetter{
	"LISTEN_ADDRESS":          setString(func(c *Config) *string { return &c.ListenAddress }),
	"PATH":                    setString(func(c *Config) *string { return &c.Path }),
	"KIND":                    setString(func(c *Config) *string { return &c.Kind }),
	"ROLES":                   setList(func(c *Config) *[]string { return &c.Roles }),
	"ALLOWED_ORIGINS":         setList(func(c *Config) *[]string { return &c.AllowedOrigins }),
	"SEND_BUFFER":             setInt(func(c *Config) *int { return &c.SendBuffer }),
	"PING_INTERVAL":           setDuration(func(c *Config) *time.Duration { return &c.PingInterval }),
	"PING_TIMEOUT":            setDuration(func(c *Config) *time.Duration { return &c.PingTimeout }),
	"MAX_PAYLOAD":             setInt64(func(c *Config) *int64 { return &c.MaxPayload }),
	"WRITE_TIMEOUT":           setDuration(func(c *Config) *time.Duration { return &c.WriteTimeout }),
	"OPERATOR_INCLUDE":        setString(func(c *Config) *string { return &c.Operator.Include }),
	"OPERATOR_EXCLUDE":        setString(func(c *Config) *string { return &c.Operator.Exclude }),
	"ADAPTER_IMPL":            setString(func(c *Config) *string { return &c.Adapter.Impl }),
	"ADAPTER_LOCAL":           setBool(func(c *Config) *bool { return &c.Adapter.Local }),
	"ADAPTER_PREFIX":          setString(func(c *Config) *string { return &c.Adapter.Options.Prefix }),
	"ADAPTER_PROCESS_ID":      setString(func(c *Config) *string { return &c.Adapter.Options.ProcessID }),
	"ADAPTER_CODEC":           setString(func(c *Config) *string { return &c.Adapter.Options.Codec }),
	"ADAPTER_RECONNECT_DELAY": setDuration(func(c *Config) *time.Duration { return &c.Adapter.Options.ReconnectDelay }),
	"KAFKA_BROKERS":           setList(func(c *Config) *[]string { return &c.Adapter.Options.KafkaBrokers }),
	"KAFKA_CONSUMER_GROUP":    setString(func(c *Config) *string { return &c.Adapter.Options.KafkaConsumerGroup }),
	"RABBITMQ_URL":            setString(func(c *Config) *string { return &c.Adapter.Options.RabbitMQURL }),
	"NATS_URL":                setString(func(c *Config) *string { return &c.Adapter.Options.NATSURL }),
	"REDIS_URL":               setString(func(c *Config) *string { return &c.Adapter.Options.RedisURL }),
	"HTTP_SERVER_ADDRESS":     setString(func(c *Config) *string { return &c.Adapter.Options.HTTPServerAddress }),
	"HTTP_PEER_URLS":          setList(func(c *Config) *[]string { return &c.Adapter.Options.HTTPPeerURLs }),
	"AWS_REGION":              setString(func(c *Config) *string { return &c.Adapter.Options.AWSRegion }),
	"AWS_ACCOUNT_ID":          setString(func(c *Config) *string { return &c.Adapter.Options.AWSAccountID }),
	"AWS_ACCESS_KEY_ID":       setString(func(c *Config) *string { return &c.Adapter.Options.AWSAccessKeyID }),
	"AWS_SECRET_ACCESS_KEY":   setString(func(c *Config) *string { return &c.Adapter.Options.AWSSecretAccessKey }),
	"AWS_ENDPOINT":            setString(func(c *Config) *string { return &c.Adapter.Options.AWSEndpoint }),
	"METRICS_ENABLED":         setBool(func(c *Config) *bool { return &c.MetricsEnabled }),
	"METRICS_PORT":            setInt(func(c *Config) *int { return &c.MetricsPort }),
	"STATUS_ENABLED":          setBool(func(c *Config) *bool { return &c.StatusEnabled }),
}

// ApplyEnv overrides fields from WSFLOW_* variables resolved through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for suffix, set := range envOverrides {
		value, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(c, value); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, suffix, err)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Binlog    BinlogConfig    `yaml:"binlog"`
	Executor  Block           `yaml:"executor"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SourceConfig is the MySQL server the binlog is read from
type SourceConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	ServerID         uint32 `yaml:"server_id"`
	Flavor           string `yaml:"flavor"` // mysql, mariadb
	CheckPermissions bool   `yaml:"check_permissions"`
}

type BinlogConfig struct {
	PositionFile  string `yaml:"position_file"`
	StartPosition uint32 `yaml:"start_position"`
}

// NATSConfig enables failure notifications when URL is set
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type ProcessorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"`
	Rules   []Rule `yaml:"rules"`
}

// Rule shapes the events of the tables it matches. Empty Database or Table
// match everything.
type Rule struct {
	Database    string            `yaml:"database"`
	Table       string            `yaml:"table"`
	TargetTable string            `yaml:"target_table"`
	KeyColumns  []string          `yaml:"key_columns"`
	Include     []string          `yaml:"include"`
	Exclude     []string          `yaml:"exclude"`
	Rename      map[string]string `yaml:"rename"`
	AddFields   map[string]string `yaml:"add_fields"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Block is a free-form configuration section handed to a component that
// knows its own layout.
type Block map[string]interface{}

// Has reports whether key is present and non-null
func (b Block) Has(key string) bool {
	v, ok := b[key]
	return ok && v != nil
}

// Decode unmarshals the value under key into out. Fields already set on out
// are kept when the block omits them, so out can carry defaults.
func (b Block) Decode(key string, out interface{}) error {
	v, ok := b[key]
	if !ok || v == nil {
		return fmt.Errorf("key %q not found", key)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}

	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document and applies defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Source.Port == 0 {
		c.Source.Port = 3306
	}
	if c.Source.Flavor == "" {
		c.Source.Flavor = "mysql"
	}
	if c.Binlog.PositionFile == "" {
		c.Binlog.PositionFile = "binlog.pos"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "mysql-sink.failures"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Executor == nil {
		c.Executor = Block{}
	}
}

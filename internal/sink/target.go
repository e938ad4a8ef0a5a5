package sink

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"mysql-sink/internal/models"
)

const (
	DefaultPort           = 3306
	DefaultMaxOpenConns   = 16
	DefaultMaxIdleConns   = 4
	DefaultConnectTimeout = 5 * time.Second

	poolPrefix = "mysql-sink:"
)

// TargetConfig describes the target MySQL store. It is decoded from the
// "target" block of the executor configuration.
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// PoolKey overrides the pool identity derived from Host
	PoolKey string `yaml:"pool_key"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// Validate checks required fields and fills in defaults
func (c *TargetConfig) Validate() error {
	if c == nil {
		return &models.ConfigurationError{Key: "target", Reason: "missing"}
	}

	required := []struct {
		key   string
		value string
	}{
		{"target.host", c.Host},
		{"target.user", c.User},
		{"target.database", c.Database},
	}
	for _, r := range required {
		if r.value == "" {
			return &models.ConfigurationError{Key: r.key, Reason: "required"}
		}
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return &models.ConfigurationError{Key: "target.port", Reason: "out of range " + strconv.Itoa(c.Port)}
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	return nil
}

// Identity is the key under which the pool for this target is shared
func (c *TargetConfig) Identity() string {
	if c.PoolKey != "" {
		return c.PoolKey
	}
	return poolPrefix + c.Host
}

// DSN renders the go-sql-driver connection string
func (c *TargetConfig) DSN() string {
	dsn := mysql.NewConfig()
	dsn.User = c.User
	dsn.Passwd = c.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	dsn.DBName = c.Database
	dsn.Timeout = c.ConnectTimeout
	return dsn.FormatDSN()
}

// Opener creates the pooled client for a target
type Opener func(ctx context.Context, cfg *TargetConfig) (*sql.DB, error)

// OpenMySQL is the default Opener. It sizes the pool and pings the target so
// an unreachable store fails at startup rather than on the first event.
func OpenMySQL(ctx context.Context, cfg *TargetConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "unable to open mysql pool")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to ping target")
	}

	return db, nil
}

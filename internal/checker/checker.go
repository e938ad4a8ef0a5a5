// Package checker verifies that the source and target servers are usable
// before the pipeline starts.
package checker

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

var (
	SourcePrivileges = []string{"REPLICATION SLAVE", "REPLICATION CLIENT", "SELECT"}
	TargetPrivileges = []string{"INSERT", "UPDATE", "DELETE"}
)

const allPrivileges = "ALL PRIVILEGES"

// Checker runs connection and permission checks against one server
type Checker struct {
	db     *sql.DB
	logger *logrus.Logger
}

func New(db *sql.DB, logger *logrus.Logger) *Checker {
	return &Checker{
		db:     db,
		logger: logger,
	}
}

// OpenSource opens a single-connection client for the binlog source
func OpenSource(host string, port int, user, password string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.Timeout = 5 * time.Second

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// CheckSource verifies replication grants and binary logging
func (c *Checker) CheckSource(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return err
	}

	if err := c.checkPrivileges(ctx, SourcePrivileges); err != nil {
		return err
	}

	logBin, err := c.variable(ctx, "log_bin")
	if err != nil {
		c.logger.Warn("Could not verify binlog status")
	} else {
		if logBin != "ON" && logBin != "1" {
			return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
		}
		c.logger.Info("Binary logging is enabled")
	}

	// ROW format is required to see row images
	binlogFormat, err := c.variable(ctx, "binlog_format")
	switch {
	case err != nil:
		c.logger.Warn("Could not verify binlog_format")
	case !strings.EqualFold(binlogFormat, "ROW"):
		c.logger.Warnf("binlog_format is set to '%s', but ROW format is required for row events", binlogFormat)
	default:
		c.logger.Info("binlog_format is set to ROW")
	}

	// Servers before 5.6 have no binlog_row_image and always log full rows
	rowImage, err := c.variable(ctx, "binlog_row_image")
	switch {
	case err != nil:
		c.logger.Debug("binlog_row_image not available, assuming FULL")
	case !FullRowImage(rowImage):
		c.logger.Warnf("binlog_row_image is set to '%s'. Columns missing from the row image are left out of statements, "+
			"so updates only set logged columns and deletes match on logged columns", rowImage)
	default:
		c.logger.Info("binlog_row_image is set to FULL")
	}

	return nil
}

// FullRowImage reports whether a binlog_row_image value logs every column
func FullRowImage(value string) bool {
	return value == "" || strings.EqualFold(strings.TrimSpace(value), "FULL")
}

// CheckTarget verifies the target user can apply mutations
func (c *Checker) CheckTarget(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return err
	}

	return c.checkPrivileges(ctx, TargetPrivileges)
}

func (c *Checker) ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}

	c.logger.Info("Successfully connected to MySQL server")
	return nil
}

func (c *Checker) checkPrivileges(ctx context.Context, required []string) error {
	grants, err := c.grants(ctx)
	if err != nil {
		return err
	}

	if missing := MissingPrivileges(grants, required); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s",
			strings.Join(missing, ", "), strings.Join(grants, "; "))
	}

	c.logger.Info("All required permissions verified")
	return nil
}

// grants returns every row of SHOW GRANTS for the current user
func (c *Checker) grants(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return nil, fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}

	return grants, nil
}

func (c *Checker) variable(ctx context.Context, name string) (string, error) {
	var value string
	if err := c.db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, nil
}

// MissingPrivileges returns the entries of required that no grant mentions.
// A grant of ALL PRIVILEGES satisfies everything.
func MissingPrivileges(grants []string, required []string) []string {
	upper := strings.ToUpper(strings.Join(grants, "; "))

	if strings.Contains(upper, allPrivileges) {
		return nil
	}

	var missing []string
	for _, priv := range required {
		if !strings.Contains(upper, priv) {
			missing = append(missing, priv)
		}
	}

	return missing
}

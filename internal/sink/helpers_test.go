package sink_test

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"mysql-sink/internal/sink"
)

// sqliteOpener opens an in-memory database per pool and applies schema to it
func sqliteOpener(opened *int32, schema ...string) sink.Opener {
	return func(ctx context.Context, cfg *sink.TargetConfig) (*sql.DB, error) {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, err
		}

		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)

		for _, ddl := range schema {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				db.Close()
				return nil, err
			}
		}

		if opened != nil {
			atomic.AddInt32(opened, 1)
		}

		return db, nil
	}
}

func newTarget(host, database string) *sink.TargetConfig {
	return &sink.TargetConfig{
		Host:     host,
		User:     "sink",
		Password: "secret",
		Database: database,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

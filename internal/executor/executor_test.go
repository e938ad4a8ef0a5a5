package executor

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	_ "modernc.org/sqlite"

	"mysql-sink/internal/config"
	"mysql-sink/internal/metrics"
	"mysql-sink/internal/models"
	"mysql-sink/internal/sink"
)

func sqliteRegistry() *sink.Registry {
	return sink.NewRegistry(func(ctx context.Context, cfg *sink.TargetConfig) (*sql.DB, error) {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)

		if _, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	})
}

func targetBlock(host string) config.Block {
	return config.Block{
		"target": map[string]interface{}{
			"host":     host,
			"user":     "sink",
			"password": "secret",
			"database": "app",
		},
		"sink": map[string]interface{}{
			"workers":           2,
			"statement_timeout": "1s",
			"retry_backoff":     "1ms",
		},
	}
}

var _ = Describe("Executor", func() {
	var (
		ctx      context.Context
		logger   *logrus.Logger
		hook     *test.Hook
		registry *sink.Registry
		reg      *prometheus.Registry
		exec     *Executor
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger, hook = test.NewNullLogger()
		logger.SetLevel(logrus.TraceLevel)
		registry = sqliteRegistry()
		reg = prometheus.NewRegistry()
		exec = New(logger, WithRegistry(registry), WithMetrics(metrics.New(reg)))
	})

	AfterEach(func() {
		exec.Stop(ctx)
	})

	start := func(e *Executor, host string) {
		Expect(e.Configure(targetBlock(host))).To(Succeed())
		Expect(e.Start(ctx)).To(Succeed())
	}

	rowCount := func(query string, args ...interface{}) int {
		var n int
		Expect(exec.PoolHandle().DB().QueryRowContext(ctx, query, args...).Scan(&n)).To(Succeed())
		return n
	}

	Context("Configure", func() {
		It("requires a target block", func() {
			err := exec.Configure(config.Block{"sink": map[string]interface{}{"workers": 2}})

			var ce *models.ConfigurationError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Key).To(Equal("target"))
		})

		It("rejects a malformed target block", func() {
			err := exec.Configure(config.Block{"target": "db1"})

			var ce *models.ConfigurationError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Key).To(Equal("target"))
		})

		It("rejects a target without a host", func() {
			err := exec.Configure(config.Block{"target": map[string]interface{}{"user": "u", "database": "d"}})

			var ce *models.ConfigurationError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Key).To(Equal("target.host"))
		})

		It("decodes sink tuning onto the defaults", func() {
			Expect(exec.Configure(targetBlock("db1"))).To(Succeed())

			Expect(exec.opts.Workers).To(Equal(2))
			Expect(exec.opts.StatementTimeout).To(Equal(time.Second))
			Expect(exec.opts.MaxRetries).To(Equal(sink.DefaultMaxRetries))
			Expect(exec.target.Port).To(Equal(sink.DefaultPort))
		})
	})

	Context("lifecycle", func() {
		It("refuses events before Start", func() {
			err := exec.Execute(&models.ChangeEvent{Kind: models.KindInsert, TargetTable: "t", After: models.RowOf("id", 1)})
			Expect(err).To(Equal(ErrNotStarted))
			Expect(exec.Failures()).To(BeNil())
			Expect(exec.PoolIdentity()).To(BeEmpty())
		})

		It("refuses to start unconfigured", func() {
			Expect(exec.Start(ctx)).To(Equal(ErrNotConfigured))
		})

		It("refuses to start twice", func() {
			start(exec, "db1")
			Expect(exec.Start(ctx)).To(Equal(ErrAlreadyStarted))
		})

		It("releases the pool on Stop", func() {
			start(exec, "db1")
			Expect(registry.Len()).To(Equal(1))

			Expect(exec.Stop(ctx)).To(Succeed())
			Expect(registry.Len()).To(BeZero())
			Expect(exec.Stop(ctx)).To(Succeed())

			err := exec.Execute(&models.ChangeEvent{Kind: models.KindInsert, TargetTable: "t", After: models.RowOf("id", 1)})
			Expect(errors.Is(err, sink.ErrSinkClosed)).To(BeTrue())
		})

		It("can be configured while another goroutine starts it", func() {
			started := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				for {
					err := exec.Start(ctx)
					if err != ErrNotConfigured {
						started <- err
						return
					}
					time.Sleep(time.Millisecond)
				}
			}()

			Expect(exec.Configure(targetBlock("db1"))).To(Succeed())

			var err error
			Eventually(started).Should(Receive(&err))
			Expect(err).ToNot(HaveOccurred())
			Expect(exec.PoolIdentity()).To(Equal("mysql-sink:db1"))
		})

		It("treats Stop before Start as a no-op", func() {
			Expect(New(logger).Stop(ctx)).To(Succeed())
		})
	})

	Context("Execute", func() {
		BeforeEach(func() {
			start(exec, "db1")
		})

		drain := func() {
			Expect(exec.Stop(ctx)).To(Succeed())
		}

		It("applies an insert", func() {
			Expect(exec.Execute(&models.ChangeEvent{
				Kind: models.KindInsert, TargetTable: "t", KeyColumns: []string{"id"},
				After: models.RowOf("id", 1, "name", "a"),
			})).To(Succeed())

			Eventually(func() int {
				return rowCount("SELECT COUNT(*) FROM t WHERE id = 1 AND name = 'a'")
			}).Should(Equal(1))
		})

		It("applies an update and a delete in order", func() {
			events := []*models.ChangeEvent{
				{Kind: models.KindInsert, TargetTable: "t", KeyColumns: []string{"id"},
					After: models.RowOf("id", 1, "name", "a")},
				{Kind: models.KindUpdate, TargetTable: "t", KeyColumns: []string{"id"},
					Before: models.RowOf("id", 1, "name", "a"), After: models.RowOf("id", 1, "name", "b")},
				{Kind: models.KindInsert, TargetTable: "t", KeyColumns: []string{"id"},
					After: models.RowOf("id", 2, "name", "x")},
				{Kind: models.KindDelete, TargetTable: "t", KeyColumns: []string{"id"},
					Before: models.RowOf("id", 2)},
			}
			for _, e := range events {
				Expect(exec.Execute(e)).To(Succeed())
			}

			Eventually(func() int {
				return rowCount("SELECT COUNT(*) FROM t WHERE id = 1 AND name = 'b'")
			}).Should(Equal(1))
			Eventually(func() int {
				return rowCount("SELECT COUNT(*) FROM t WHERE id = 2")
			}).Should(BeZero())
		})

		It("hands back a completion handle from Enqueue", func() {
			p, err := exec.Enqueue(&models.ChangeEvent{
				Kind: models.KindInsert, TargetTable: "t", KeyColumns: []string{"id"},
				After: models.RowOf("id", 3, "name", "c"),
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(p).ToNot(BeNil())
			Expect(p.Wait(ctx)).To(Succeed())
			Expect(rowCount("SELECT COUNT(*) FROM t WHERE id = 3")).To(Equal(1))

			noop, err := exec.Enqueue(&models.ChangeEvent{
				Kind: models.KindUpdate, TargetTable: "t", KeyColumns: []string{"id"},
				Before: models.RowOf("id", 3, "name", "c"),
				After:  models.RowOf("id", 3, "name", "c"),
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(noop).To(BeNil())
		})

		It("submits nothing for an update that changes nothing", func() {
			Expect(exec.Execute(&models.ChangeEvent{
				Kind: models.KindUpdate, TargetTable: "t", KeyColumns: []string{"id"},
				Before: models.RowOf("id", 1, "name", "a"),
				After:  models.RowOf("id", 1, "name", "a"),
			})).To(Succeed())

			drain()

			expected := `
# HELP mysql_sink_noop_events_total Update events with no effective change
# TYPE mysql_sink_noop_events_total counter
mysql_sink_noop_events_total 1
`
			Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "mysql_sink_noop_events_total")).To(Succeed())

			count, err := testutil.GatherAndCount(reg, "mysql_sink_statements_submitted_total")
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
		})

		It("returns translation errors to the caller", func() {
			err := exec.Execute(&models.ChangeEvent{
				Kind: models.KindDelete, TargetTable: "t", KeyColumns: []string{"id"},
				Before: models.RowOf("name", "a"),
			})

			var te *models.TranslationError
			Expect(errors.As(err, &te)).To(BeTrue())

			expected := `
# HELP mysql_sink_translation_errors_total Events rejected as contract violations
# TYPE mysql_sink_translation_errors_total counter
mysql_sink_translation_errors_total 1
`
			Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "mysql_sink_translation_errors_total")).To(Succeed())
		})

		It("logs a failed statement without raising it to the caller", func() {
			err := exec.Execute(&models.ChangeEvent{
				Kind: models.KindInsert, TargetTable: "does_not_exist",
				After: models.RowOf("id", 1),
			})
			Expect(err).ToNot(HaveOccurred())

			var failure *sink.ExecutionError
			Eventually(exec.Failures()).Should(Receive(&failure))
			Expect(failure.Statement.Table).To(Equal("does_not_exist"))

			Eventually(func() bool {
				for _, entry := range hook.AllEntries() {
					if entry.Level == logrus.ErrorLevel && entry.Data["table"] == "does_not_exist" {
						return true
					}
				}
				return false
			}).Should(BeTrue())
		})
	})

	Context("pool sharing", func() {
		It("gives executors on the same host one pooled client", func() {
			other := New(logger, WithRegistry(registry))
			defer other.Stop(ctx)

			start(exec, "db1")
			start(other, "db1")

			Expect(other.PoolHandle()).To(BeIdenticalTo(exec.PoolHandle()))
			Expect(exec.PoolHandle().Refs()).To(Equal(2))
			Expect(exec.PoolIdentity()).To(Equal("mysql-sink:db1"))
			Expect(registry.Len()).To(Equal(1))

			Expect(other.Stop(ctx)).To(Succeed())
			Expect(exec.PoolHandle().Refs()).To(Equal(1))
			Expect(registry.Len()).To(Equal(1))
		})

		It("gives executors on different hosts separate clients", func() {
			other := New(logger, WithRegistry(registry))
			defer other.Stop(ctx)

			start(exec, "db1")
			start(other, "db2")

			Expect(other.PoolHandle()).ToNot(BeIdenticalTo(exec.PoolHandle()))
			Expect(registry.Len()).To(Equal(2))
		})
	})
})

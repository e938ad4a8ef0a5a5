package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/sink"
)

// FailureReport is the message published for every statement that could not
// be applied to the target
type FailureReport struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	Kind      string    `json:"kind"`
	Statement string    `json:"statement"`
	Cause     string    `json:"cause"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

func NewFailureReport(failure *sink.ExecutionError) *FailureReport {
	report := &FailureReport{
		ID:        failure.ID,
		Attempts:  failure.Attempts,
		Timestamp: failure.Time,
	}

	if failure.Statement != nil {
		report.Table = failure.Statement.Table
		report.Kind = failure.Statement.Kind.String()
		report.Statement = failure.Statement.Text
	}
	if failure.Cause != nil {
		report.Cause = failure.Cause.Error()
	}

	return report
}

// Notifier publishes failure reports to a NATS subject
type Notifier struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewNotifier connects to NATS
func NewNotifier(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Notifier, error) {
	opts := []nats.Option{
		nats.Name("mysql-sink"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s, failures go to %s", url, subject)

	return &Notifier{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Notify publishes one failure report
func (n *Notifier) Notify(failure *sink.ExecutionError) error {
	data, err := json.Marshal(NewFailureReport(failure))
	if err != nil {
		return fmt.Errorf("failed to marshal failure report: %w", err)
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	n.logger.Debugf("Published failure report %s to %s", failure.ID, n.subject)
	return nil
}

// Close flushes pending reports and closes the connection
func (n *Notifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Flush(); err != nil {
		n.logger.Warnf("Failed to flush NATS connection: %v", err)
	}
	n.conn.Close()
}

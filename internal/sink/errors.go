package sink

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"mysql-sink/internal/builder"
)

var (
	ErrSinkClosed       = errors.New("sink is closed")
	ErrNilStatement     = errors.New("nil statement")
	ErrStatementTimeout = errors.New("statement timed out")
)

// MySQL server errors worth another attempt
const (
	erTooManyConnections = 1040
	erLockWaitTimeout    = 1205
	erLockDeadlock       = 1213
)

// ExecutionError reports a statement that failed on the target. It is
// delivered through Pending and the failure stream, never to the caller that
// produced the event.
type ExecutionError struct {
	ID        string
	Statement *builder.Statement
	Cause     error
	Attempts  int
	Time      time.Time
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s on %s failed after %d attempt(s): %v",
		e.Statement.Kind, e.Statement.Table, e.Attempts, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// isTransient reports whether a failed attempt may succeed if repeated
func isTransient(err error) bool {
	if errors.Is(err, ErrStatementTimeout) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erTooManyConnections, erLockWaitTimeout, erLockDeadlock:
			return true
		}
	}

	return false
}

// causeLabel is the low-cardinality metrics label for a failure
func causeLabel(err error) string {
	var myErr *mysql.MySQLError

	switch {
	case errors.Is(err, ErrStatementTimeout):
		return "timeout"
	case errors.Is(err, ErrSinkClosed):
		return "closed"
	case errors.As(err, &myErr):
		return "mysql_" + strconv.Itoa(int(myErr.Number))
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn):
		return "connection"
	}

	return "other"
}

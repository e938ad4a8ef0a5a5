package sink

import (
	"context"

	"github.com/google/uuid"

	"mysql-sink/internal/builder"
)

// Pending is the completion handle of one submitted statement
type Pending struct {
	ID        string
	Statement *builder.Statement

	done chan struct{}
	err  error
}

func newPending(stmt *builder.Statement) *Pending {
	return &Pending{
		ID:        uuid.New().String(),
		Statement: stmt,
		done:      make(chan struct{}),
	}
}

// Done is closed once the statement has completed, successfully or not
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome after Done is closed. Before that it returns nil.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the statement completes or ctx ends
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) complete(err error) {
	p.err = err
	close(p.done)
}

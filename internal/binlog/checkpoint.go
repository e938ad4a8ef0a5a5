package binlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/sink"
)

const DefaultCheckpointDepth = 1024

// Completion is the outcome of one statement submitted for an event
type Completion interface {
	Done() <-chan struct{}
	Err() error
}

// PositionSaver persists a binlog position
type PositionSaver interface {
	SavePosition(name string, pos uint32) error
}

type checkpoint struct {
	position    mysql.Position
	completions []Completion
}

// Checkpointer saves transaction boundary positions in binlog order, each one
// only after every statement submitted before it has completed. A restart
// therefore resumes at a boundary whose events were all applied or reported.
//
// A statement abandoned by a forced shutdown halts the checkpointer: later
// positions are dropped so the abandoned events are read again on restart.
type Checkpointer struct {
	saver  PositionSaver
	queue  chan checkpoint
	logger *logrus.Logger

	mu     sync.RWMutex
	closed bool
}

// NewCheckpointer creates a checkpointer. Commit blocks while depth
// checkpoints are waiting.
func NewCheckpointer(saver PositionSaver, depth int, logger *logrus.Logger) *Checkpointer {
	if depth <= 0 {
		depth = DefaultCheckpointDepth
	}

	return &Checkpointer{
		saver:  saver,
		queue:  make(chan checkpoint, depth),
		logger: logger,
	}
}

// Commit queues pos to be saved once completions have finished. Nil
// completions are skipped.
func (c *Checkpointer) Commit(ctx context.Context, pos mysql.Position, completions []Completion) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("checkpointer closed, position %s not committed", FormatPosition(pos))
	}

	select {
	case c.queue <- checkpoint{position: pos, completions: completions}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting checkpoints. Run saves the queued ones and returns.
func (c *Checkpointer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// Run saves checkpoints until Close has been called and the queue is empty,
// or ctx ends. It returns the error that halted checkpointing, if any.
func (c *Checkpointer) Run(ctx context.Context) error {
	var halted error

	for cp := range c.queue {
		if halted != nil {
			continue
		}

		if err := c.await(ctx, cp); err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.logger.Errorf("Binlog position frozen: %v", err)
			halted = err
			continue
		}

		if err := c.saver.SavePosition(cp.position.Name, cp.position.Pos); err != nil {
			c.logger.Warnf("Failed to save position: %v", err)
			continue
		}

		c.logger.Debugf("Checkpoint saved at %s", FormatPosition(cp.position))
	}

	return halted
}

func (c *Checkpointer) await(ctx context.Context, cp checkpoint) error {
	for _, completion := range cp.completions {
		if completion == nil {
			continue
		}

		select {
		case <-completion.Done():
		case <-ctx.Done():
			return ctx.Err()
		}

		// Permanent failures were reported on the failure stream, only
		// abandoned statements must be read again
		if err := completion.Err(); errors.Is(err, sink.ErrSinkClosed) {
			return fmt.Errorf("statement abandoned before %s: %w", FormatPosition(cp.position), err)
		}
	}

	return nil
}

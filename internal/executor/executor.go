// Package executor is the entry point the replication pipeline hands change
// events to. It translates each event into a statement and submits it to the
// asynchronous sink; statement outcomes never flow back to the caller.
package executor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/builder"
	"mysql-sink/internal/config"
	"mysql-sink/internal/metrics"
	"mysql-sink/internal/models"
	"mysql-sink/internal/sink"
)

const (
	targetKey = "target"
	sinkKey   = "sink"
)

var (
	ErrNotStarted     = errors.New("executor not started")
	ErrNotConfigured  = errors.New("executor not configured")
	ErrAlreadyStarted = errors.New("executor already started")
)

type Option func(e *Executor)

// WithRegistry overrides the process-wide pool registry
func WithRegistry(r *sink.Registry) Option {
	return func(e *Executor) {
		e.registry = r
	}
}

// WithMetrics records sink activity on m
func WithMetrics(m *metrics.Sink) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

type Executor struct {
	registry *sink.Registry
	metrics  *metrics.Sink
	logger   *logrus.Logger
	log      *logrus.Entry

	target *sink.TargetConfig
	opts   sink.Options

	mu     sync.RWMutex
	sink   *sink.Sink
	handle *sink.Handle
}

func New(logger *logrus.Logger, opts ...Option) *Executor {
	e := &Executor{
		registry: sink.DefaultRegistry(),
		logger:   logger,
		log:      logger.WithField("component", "executor"),
		opts:     sink.DefaultOptions(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Configure reads the "target" block (required) and the "sink" tuning block
// (optional). Any problem is a *models.ConfigurationError.
func (e *Executor) Configure(block config.Block) error {
	if !block.Has(targetKey) {
		return &models.ConfigurationError{Key: targetKey, Reason: "missing"}
	}

	target := &sink.TargetConfig{}
	if err := block.Decode(targetKey, target); err != nil {
		return &models.ConfigurationError{Key: targetKey, Reason: "malformed", Err: err}
	}
	if err := target.Validate(); err != nil {
		return err
	}

	opts := sink.DefaultOptions()
	if block.Has(sinkKey) {
		if err := block.Decode(sinkKey, &opts); err != nil {
			return &models.ConfigurationError{Key: sinkKey, Reason: "malformed", Err: err}
		}
	}

	e.mu.Lock()
	e.target = target
	e.opts = opts
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"host":     target.Host,
		"database": target.Database,
		"pool":     target.Identity(),
		"workers":  opts.Workers,
	}).Info("Executor configured")

	return nil
}

// Start acquires the shared pool and starts the sink. Errors are fatal to
// the pipeline.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.target == nil {
		return ErrNotConfigured
	}
	if e.sink != nil {
		return ErrAlreadyStarted
	}

	s, handle, err := sink.Open(ctx, e.registry, e.target, e.opts, e.logger, e.metrics)
	if err != nil {
		return errors.Wrap(err, "unable to start sink")
	}

	e.sink = s
	e.handle = handle

	e.log.Infof("Executor started on pool %s", handle.Identity())

	return nil
}

// Execute translates event and submits the resulting statement. It returns
// once the statement is queued. A translation failure is returned; execution
// failures are only visible through Failures, logs and metrics.
func (e *Executor) Execute(event *models.ChangeEvent) error {
	_, err := e.Enqueue(event)
	return err
}

// Enqueue is Execute that also hands back the completion handle of the
// submitted statement. The handle is nil when the event changes nothing.
func (e *Executor) Enqueue(event *models.ChangeEvent) (*sink.Pending, error) {
	e.mu.RLock()
	s := e.sink
	e.mu.RUnlock()

	if s == nil {
		return nil, ErrNotStarted
	}

	stmt, err := builder.Translate(event)
	if err != nil {
		if errors.Is(err, builder.ErrNoOp) {
			e.metrics.NoOp()
			e.log.WithField("table", event.TargetTable).Trace("Update changes nothing, skipping")
			return nil, nil
		}

		e.metrics.TranslationFailed()
		e.log.WithError(err).Error("Unable to translate change event")
		return nil, err
	}

	p, err := s.Submit(stmt)
	if err != nil {
		return nil, errors.Wrap(err, "unable to submit statement")
	}

	return p, nil
}

// Failures streams failed statements. It is nil before Start.
func (e *Executor) Failures() <-chan *sink.ExecutionError {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.sink == nil {
		return nil
	}
	return e.sink.Failures()
}

// PoolIdentity returns the identity of the shared pool, empty before Start
func (e *Executor) PoolIdentity() string {
	h := e.PoolHandle()
	if h == nil {
		return ""
	}
	return h.Identity()
}

// PoolHandle returns the shared pool handle, nil before Start
func (e *Executor) PoolHandle() *sink.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handle
}

// Stop drains outstanding statements until ctx ends and releases the pool.
// Stopping an executor that never started is a no-op.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	s := e.sink
	e.mu.Unlock()

	if s == nil {
		return nil
	}

	e.log.Info("Stopping executor, draining outstanding statements")

	if err := s.Close(ctx); err != nil {
		return errors.Wrap(err, "unable to stop sink cleanly")
	}

	e.log.Info("Executor stopped")

	return nil
}

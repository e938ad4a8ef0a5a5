// Package sink submits translated statements to a shared MySQL pool without
// blocking the caller.
//
// Statements are spread over a fixed set of lanes by their ordering key. Each
// lane is drained by one worker, so two statements touching the same row are
// applied in submission order while unrelated rows proceed in parallel. An
// update that moves a row to another key is queued on the lanes of both keys
// and runs once it reaches the head of each, so it stays ordered against
// statements on the old and the new key.
// Outcomes are reported through a Pending per submission and an aggregate
// failure stream.
package sink

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mysql-sink/internal/builder"
	"mysql-sink/internal/metrics"
)

const (
	DefaultWorkers          = 8
	DefaultStatementTimeout = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 100 * time.Millisecond
	DefaultFailureBuffer    = 1024
)

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 . Execer

// Execer is the part of *sql.DB the sink executes through
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Options tunes the sink. It is decoded from the "sink" block of the
// executor configuration.
type Options struct {
	Workers          int           `yaml:"workers"`
	StatementTimeout time.Duration `yaml:"statement_timeout"` // 0 disables the per-attempt timeout
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RateLimit        float64       `yaml:"rate_limit"` // statements per second, 0 is unlimited
	RateBurst        int           `yaml:"rate_burst"`
	FailureBuffer    int           `yaml:"failure_buffer"`
}

func DefaultOptions() Options {
	return Options{
		Workers:          DefaultWorkers,
		StatementTimeout: DefaultStatementTimeout,
		MaxRetries:       DefaultMaxRetries,
		RetryBackoff:     DefaultRetryBackoff,
		FailureBuffer:    DefaultFailureBuffer,
	}
}

func (o *Options) normalize(log *logrus.Entry) {
	if o.Workers <= 0 {
		log.Warningf("Workers cannot be <= 0 - setting to default '%d'", DefaultWorkers)
		o.Workers = DefaultWorkers
	}
	if o.StatementTimeout < 0 {
		o.StatementTimeout = 0
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.FailureBuffer <= 0 {
		o.FailureBuffer = DefaultFailureBuffer
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = 1
	}
}

type Sink struct {
	exec     Execer
	opts     Options
	lanes    []*lane
	limiter  *rate.Limiter
	failures chan *ExecutionError
	metrics  *metrics.Sink
	log      *logrus.Entry

	mu     sync.RWMutex
	closed bool

	// gateMu keeps two-lane pushes in the same relative order on every lane
	gateMu sync.Mutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	closeOnce sync.Once
	closeErr  error
	release   func() error
}

// New starts a sink executing through exec. m may be nil.
func New(exec Execer, opts Options, logger *logrus.Logger, m *metrics.Sink) *Sink {
	log := logger.WithField("component", "sink")
	opts.normalize(log)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Sink{
		exec:     exec,
		opts:     opts,
		lanes:    make([]*lane, opts.Workers),
		failures: make(chan *ExecutionError, opts.FailureBuffer),
		metrics:  m,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}

	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}

	for i := range s.lanes {
		s.lanes[i] = newLane()
		s.wg.Add(1)
		go s.run(i, s.lanes[i])
	}

	log.Debugf("Started sink with %d lanes", opts.Workers)

	return s
}

// Open acquires the shared pool for cfg from registry and starts a sink on
// it. Closing the sink releases the pool reference.
func Open(ctx context.Context, registry *Registry, cfg *TargetConfig, opts Options,
	logger *logrus.Logger, m *metrics.Sink) (*Sink, *Handle, error) {

	handle, err := registry.Acquire(ctx, cfg.Identity(), cfg)
	if err != nil {
		return nil, nil, err
	}

	s := New(handle.DB(), opts, logger, m)
	s.release = func() error {
		return registry.Release(handle)
	}

	return s, handle, nil
}

// Submit queues stmt and returns immediately. The error is non-nil only for
// misuse: a nil statement or a closed sink. Execution outcomes arrive through
// the returned Pending and, for failures, the Failures stream.
func (s *Sink) Submit(stmt *builder.Statement) (*Pending, error) {
	if stmt == nil {
		return nil, ErrNilStatement
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSinkClosed
	}

	p := newPending(stmt)
	j := &job{pending: p, enqueued: time.Now()}

	s.metrics.Submitted(stmt.Kind.String())

	first := s.laneFor(stmt.Key)
	if second := s.movedLane(stmt, first); second != nil {
		j.gate = newGate()

		s.gateMu.Lock()
		first.push(j)
		second.push(j)
		s.gateMu.Unlock()
	} else {
		first.push(j)
	}

	s.log.WithFields(logrus.Fields{
		"id":    p.ID,
		"kind":  stmt.Kind.String(),
		"table": stmt.Table,
	}).Debug("Statement submitted")

	return p, nil
}

// Failures streams every statement that failed. It is closed by Close. When
// nobody reads it, reports beyond its buffer are dropped and counted.
func (s *Sink) Failures() <-chan *ExecutionError {
	return s.failures
}

// QueueDepth returns the number of statements waiting across all lanes. An
// update that moves its row counts once per lane until it runs.
func (s *Sink) QueueDepth() int {
	total := 0
	for _, l := range s.lanes {
		total += l.len()
	}
	return total
}

// Close stops accepting statements and waits for queued and in-flight ones to
// finish. If ctx ends first, in-flight statements are interrupted and the
// rest are failed with ErrSinkClosed. The pool reference is released either
// way. Close is idempotent.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

func (s *Sink) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, l := range s.lanes {
		l.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var drainErr error

	select {
	case <-done:
		s.log.Debug("Sink drained")
	case <-ctx.Done():
		s.log.Warn("Drain deadline reached, interrupting remaining statements")
		close(s.stopCh)
		s.cancel()
		<-done

		abandoned := s.abandon()
		drainErr = errors.Wrapf(ctx.Err(), "drain incomplete, %d statement(s) abandoned", abandoned)
	}

	s.cancel()
	close(s.failures)

	if s.release != nil {
		if err := s.release(); err != nil {
			if drainErr != nil {
				s.log.WithError(err).Error("Unable to release pool")
				return drainErr
			}
			return err
		}
	}

	return drainErr
}

func (s *Sink) run(id int, l *lane) {
	defer s.wg.Done()

	for {
		j, ok := l.next(s.stopCh)
		if !ok {
			s.log.WithField("lane", id).Trace("Lane stopped")
			return
		}

		if j.gate == nil {
			s.process(j)
			continue
		}

		if !j.gate.arrive() {
			// The other lane runs it; hold this one until it has
			select {
			case <-j.gate.done:
				continue
			case <-s.stopCh:
				s.log.WithField("lane", id).Trace("Lane stopped")
				return
			}
		}

		s.process(j)
		close(j.gate.done)
	}
}

func (s *Sink) process(j *job) {
	p := j.pending
	stmt := p.Statement
	kind := stmt.Kind.String()

	s.metrics.Started()

	attempts, err := s.execute(stmt)
	took := time.Since(j.enqueued)

	fields := logrus.Fields{
		"id":       p.ID,
		"kind":     kind,
		"table":    stmt.Table,
		"attempts": attempts,
	}

	if err == nil {
		s.metrics.Succeeded(kind, took)
		s.log.WithFields(fields).Tracef("Statement applied in %s", took)
		p.complete(nil)
		return
	}

	execErr := &ExecutionError{
		ID:        p.ID,
		Statement: stmt,
		Cause:     err,
		Attempts:  attempts,
		Time:      time.Now(),
	}

	s.metrics.Failed(kind, causeLabel(err), took)
	fields["statement"] = stmt.Text
	s.log.WithFields(fields).WithError(err).Error("Statement execution failed")

	p.complete(execErr)
	s.report(execErr)
}

// execute runs stmt, retrying transient failures with exponential backoff.
// It returns the number of attempts made.
func (s *Sink) execute(stmt *builder.Statement) (int, error) {
	for attempt := 1; ; attempt++ {
		err := s.attempt(stmt)
		if err == nil {
			return attempt, nil
		}

		if attempt > s.opts.MaxRetries || !isTransient(err) {
			return attempt, err
		}

		backoff := s.opts.RetryBackoff << uint(attempt-1)
		s.metrics.Retried()
		s.log.WithFields(logrus.Fields{
			"table":   stmt.Table,
			"kind":    stmt.Kind.String(),
			"attempt": attempt,
		}).WithError(err).Debugf("Transient failure, retrying in %s", backoff)

		select {
		case <-s.ctx.Done():
			return attempt, errors.Wrapf(ErrSinkClosed, "retry abandoned: %v", err)
		case <-time.After(backoff):
		}
	}
}

func (s *Sink) attempt(stmt *builder.Statement) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return errors.Wrapf(ErrSinkClosed, "rate limiter: %v", err)
		}
	}

	ctx := s.ctx
	if s.opts.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.opts.StatementTimeout)
		defer cancel()
	}

	_, err := s.exec.ExecContext(ctx, stmt.Query, stmt.Args...)
	if err == nil {
		return nil
	}

	if s.ctx.Err() != nil {
		return errors.Wrapf(ErrSinkClosed, "interrupted: %v", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrapf(ErrStatementTimeout, "after %s: %v", s.opts.StatementTimeout, err)
	}

	return err
}

// abandon fails everything still queued after a forced shutdown
func (s *Sink) abandon() int {
	count := 0
	seen := make(map[*Pending]bool)

	for _, l := range s.lanes {
		for _, j := range l.drain() {
			p := j.pending
			if seen[p] {
				continue
			}
			seen[p] = true

			execErr := &ExecutionError{
				ID:        p.ID,
				Statement: p.Statement,
				Cause:     ErrSinkClosed,
				Time:      time.Now(),
			}
			s.metrics.Abandoned(p.Statement.Kind.String())
			p.complete(execErr)
			s.report(execErr)
			count++
		}
	}

	return count
}

func (s *Sink) report(e *ExecutionError) {
	select {
	case s.failures <- e:
	default:
		s.metrics.FailureDropped()
		s.log.WithField("id", e.ID).Warn("Failure stream full, dropping report")
	}
}

// movedLane returns the lane of the key an update moves its row to, or nil
// when that is the lane the statement already runs on
func (s *Sink) movedLane(stmt *builder.Statement, current *lane) *lane {
	if stmt.NewKey == "" {
		return nil
	}
	if l := s.laneFor(stmt.NewKey); l != current {
		return l
	}
	return nil
}

func (s *Sink) laneFor(key string) *lane {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.lanes[h.Sum32()%uint32(len(s.lanes))]
}

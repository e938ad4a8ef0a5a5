package sink

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"mysql-sink/internal/models"
)

// Handle is a reference-counted share of one pooled client
type Handle struct {
	identity string
	dsn      string
	db       *sql.DB
	refs     int
	registry *Registry
}

// Identity returns the pool identity the handle was acquired under
func (h *Handle) Identity() string {
	return h.identity
}

// DB returns the shared pool
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Refs returns the number of outstanding acquisitions
func (h *Handle) Refs() int {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return h.refs
}

// Registry maps pool identities to shared handles. A pool is opened on the
// first Acquire for an identity and closed when the last holder releases it.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	opening map[string]*opening
	opener  Opener
}

// opening is a pool being opened outside the registry lock. Concurrent
// acquirers of the same identity wait on done.
type opening struct {
	dsn  string
	done chan struct{}
	err  error
}

// NewRegistry creates an empty registry. A nil opener means OpenMySQL.
func NewRegistry(opener Opener) *Registry {
	if opener == nil {
		opener = OpenMySQL
	}
	return &Registry{
		handles: make(map[string]*Handle),
		opening: make(map[string]*opening),
		opener:  opener,
	}
}

var defaultRegistry = NewRegistry(nil)

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Acquire returns the shared handle for identity, opening the pool if this is
// the first reference. Re-acquiring an identity with a different connection
// target is a configuration error: the shared pool would write elsewhere.
func (r *Registry) Acquire(ctx context.Context, identity string, cfg *TargetConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, &models.ConfigurationError{Key: "target.pool_key", Reason: "empty pool identity"}
	}

	dsn := cfg.DSN()

	for {
		r.mu.Lock()

		if h, ok := r.handles[identity]; ok {
			if h.dsn != dsn {
				r.mu.Unlock()
				return nil, conflict(identity)
			}
			h.refs++
			r.mu.Unlock()
			return h, nil
		}

		if op, ok := r.opening[identity]; ok {
			r.mu.Unlock()
			if op.dsn != dsn {
				return nil, conflict(identity)
			}

			select {
			case <-op.done:
			case <-ctx.Done():
				return nil, &models.ConnectionError{Identity: identity, Err: ctx.Err()}
			}
			if op.err != nil {
				return nil, &models.ConnectionError{Identity: identity, Err: op.err}
			}
			continue
		}

		op := &opening{dsn: dsn, done: make(chan struct{})}
		r.opening[identity] = op
		r.mu.Unlock()

		// Pinging can take up to the connect timeout, other pools must not wait on it
		db, err := r.opener(ctx, cfg)

		r.mu.Lock()
		delete(r.opening, identity)
		op.err = err
		close(op.done)

		if err != nil {
			r.mu.Unlock()
			return nil, &models.ConnectionError{Identity: identity, Err: err}
		}

		h := &Handle{
			identity: identity,
			dsn:      dsn,
			db:       db,
			refs:     1,
			registry: r,
		}
		r.handles[identity] = h
		r.mu.Unlock()

		return h, nil
	}
}

func conflict(identity string) error {
	return &models.ConfigurationError{
		Key:    "target",
		Reason: "pool " + identity + " is already open for a different target; set target.pool_key",
	}
}

// Release drops one reference and closes the pool with the last one
func (r *Registry) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.handles[h.identity]
	if !ok || current != h {
		return errors.Errorf("pool %q is not held by this registry", h.identity)
	}

	h.refs--
	if h.refs > 0 {
		return nil
	}

	delete(r.handles, h.identity)

	if err := h.db.Close(); err != nil {
		return errors.Wrapf(err, "unable to close pool %q", h.identity)
	}

	return nil
}

// Len returns the number of open pools
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

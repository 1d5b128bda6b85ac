package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AbreuRodrigo/reddwarf/core/lockmanager"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	internaltelemetry "github.com/AbreuRodrigo/reddwarf/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

// appScope is the state shared by the transactions of one application.
type appScope struct {
	appID uint64
	store objectstore.Store
	locks *lockmanager.LockTable

	mu sync.Mutex
	// names reserved by live transactions, name -> transaction id
	names map[string]uint64
}

func (s *appScope) reserveName(name string, txnID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.names[name]; ok && owner != txnID {
		return false
	}
	s.names[name] = txnID
	return true
}

func (s *appScope) releaseNames(names map[string]objectstore.ObjectID, txnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range names {
		if s.names[name] == txnID {
			delete(s.names, name)
		}
	}
}

// Manager begins transactions against the stores opened from a Provider.
// Each application gets its own Store, lock table and name reservations.
type Manager struct {
	provider objectstore.Provider
	cfg      Config
	logger   *zap.Logger
	metrics  *internaltelemetry.TxnMetrics
	tracer   trace.Tracer
	limiter  *rate.Limiter
	now      func() time.Time

	nextID atomic.Uint64

	mu     sync.Mutex
	scopes map[uint64]*appScope
	closed bool
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *internaltelemetry.TxnMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithClock replaces the clock used for default transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(provider objectstore.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
		now:      time.Now,
		scopes:   make(map[uint64]*appScope),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("txn")
	limit := rate.Inf
	if m.cfg.RetryRate > 0 {
		limit = rate.Limit(m.cfg.RetryRate)
	}
	burst := m.cfg.RetryBurst
	if burst <= 0 {
		burst = 1
	}
	m.limiter = rate.NewLimiter(limit, burst)
	return m
}

func (m *Manager) scope(ctx context.Context, appID uint64) (*appScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.scopes[appID]; ok {
		return s, nil
	}
	store, err := m.provider.Open(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("open store for app %d: %w", appID, err)
	}
	s := &appScope{
		appID: appID,
		store: store,
		locks: lockmanager.NewLockTable(
			lockmanager.WithLogger(m.logger.With(zap.Uint64("app_id", appID))),
			lockmanager.WithMetrics(m.metrics),
		),
		names: make(map[string]uint64),
	}
	m.scopes[appID] = s
	m.logger.Info("application scope opened", zap.Uint64("app_id", appID))
	return s, nil
}

// Begin starts a transaction scoped to appID. Its ordering timestamp is the
// current time until Start assigns another. ctx bounds every blocking call of
// the transaction except Commit and Abort.
func (m *Manager) Begin(ctx context.Context, appID uint64) (*Transaction, error) {
	s, err := m.scope(ctx, appID)
	if err != nil {
		return nil, err
	}
	id := m.nextID.Add(1)
	tctx, cancel := context.WithCancelCause(ctx)
	t := &Transaction{
		mgr:    m,
		scope:  s,
		id:     id,
		handle: uuid.New(),
		owner: lockmanager.Owner{
			ID:       id,
			Priority: lockmanager.Priority{Timestamp: m.now().UnixNano(), TxnID: id},
		},
		ctx:      tctx,
		cancel:   cancel,
		peeked:   make(map[objectstore.ObjectID]proto.Message),
		locked:   make(map[objectstore.ObjectID]*lockedCopy),
		names:    make(map[string]objectstore.ObjectID),
		held:     make(map[objectstore.ObjectID]struct{}),
		enlisted: make(map[any]Participant),
	}
	t.logger = m.logger.With(zap.Uint64("txn_id", id), zap.Stringer("txn_uuid", t.handle), zap.Uint64("app_id", appID))
	m.metrics.TxnStarted(ctx)
	t.logger.Debug("transaction begun")
	return t, nil
}

// Close closes every store opened by the Manager. The Provider stays open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	for _, s := range m.scopes {
		err = multierr.Append(err, s.store.Close())
	}
	return err
}

// Package memory provides an in-memory object store. Without a log directory
// it is ephemeral and suited to tests; with one, every committed batch is
// written to the write-ahead log first and replayed when the provider opens.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/AbreuRodrigo/reddwarf/core/write_engine/wal"
	"go.uber.org/zap"
)

// Compile-time contract assertions.
var (
	_ objectstore.Store    = (*Store)(nil)
	_ objectstore.Provider = (*Provider)(nil)
)

// Options configures a Provider.
type Options struct {
	// WALDir enables durability when non-empty.
	WALDir string
	// SyncWrites fsyncs the log on every commit.
	SyncWrites bool
	Logger     *zap.Logger
}

// Provider hands out one Store per application, all sharing one log.
type Provider struct {
	mu     sync.Mutex
	stores map[uint64]*Store
	log    *wal.LogManager
	logger *zap.Logger
	closed bool
}

// NewProvider creates a provider and, when a log directory is configured,
// rebuilds every application's state from it.
func NewProvider(opts Options) (*Provider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		stores: make(map[uint64]*Store),
		logger: logger.Named("memstore"),
	}
	if opts.WALDir == "" {
		return p, nil
	}

	lm, err := wal.NewLogManager(opts.WALDir, logger, opts.SyncWrites)
	if err != nil {
		return nil, err
	}
	replayed := 0
	err = lm.Replay(func(lr *wal.LogRecord) error {
		s := p.storeLocked(lr.AppID)
		switch lr.Type {
		case wal.LogRecordTypeCommitBatch, wal.LogRecordTypeBindName:
			batch, err := decodeBatch(lr.Data)
			if err != nil {
				return err
			}
			s.apply(batch)
		default:
			return fmt.Errorf("unexpected log record type %s", lr.Type)
		}
		replayed++
		return nil
	})
	if err != nil {
		_ = lm.Close()
		return nil, fmt.Errorf("replay write-ahead log: %w", err)
	}
	p.log = lm
	for _, s := range p.stores {
		s.log = lm
	}
	p.logger.Info("memory store recovered from write-ahead log",
		zap.Int("records", replayed), zap.Int("applications", len(p.stores)))
	return p, nil
}

// Open returns the store of appID, creating it empty on first use.
func (p *Provider) Open(_ context.Context, appID uint64) (objectstore.Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, objectstore.ErrClosed
	}
	return p.storeLocked(appID), nil
}

func (p *Provider) storeLocked(appID uint64) *Store {
	s, ok := p.stores[appID]
	if !ok {
		s = newStore(appID, p.log)
		p.stores[appID] = s
	}
	return s
}

// Close closes the log. Stores handed out earlier fail with ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, s := range p.stores {
		s.markClosed()
	}
	if p.log != nil {
		return p.log.Close()
	}
	return nil
}

// Store holds the records and names of one application.
type Store struct {
	appID   uint64
	mu      sync.RWMutex
	records map[objectstore.ObjectID][]byte
	names   map[string]objectstore.ObjectID
	nextID  objectstore.ObjectID
	log     *wal.LogManager
	closed  bool

	// standalone stores are not owned by a Provider.
	standalone bool
}

// NewStore returns a standalone ephemeral store.
func NewStore() *Store {
	s := newStore(0, nil)
	s.standalone = true
	return s
}

func newStore(appID uint64, log *wal.LogManager) *Store {
	return &Store{
		appID:   appID,
		records: make(map[objectstore.ObjectID][]byte),
		names:   make(map[string]objectstore.ObjectID),
		nextID:  1,
		log:     log,
	}
}

func (s *Store) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) AllocateID(_ context.Context) (objectstore.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return objectstore.InvalidObjectID, objectstore.ErrClosed
	}
	if s.nextID > objectstore.MaxObjectID {
		return objectstore.InvalidObjectID, objectstore.ErrIDsExhausted
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *Store) Read(_ context.Context, id objectstore.ObjectID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, objectstore.ErrClosed
	}
	data, ok := s.records[id]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) WriteBatch(_ context.Context, batch objectstore.Batch) error {
	if err := objectstore.ValidateBatch(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return objectstore.ErrClosed
	}
	if err := s.checkNames(batch); err != nil {
		return err
	}
	if s.log != nil {
		if _, err := s.log.AppendRecord(&wal.LogRecord{
			AppID: s.appID,
			Type:  wal.LogRecordTypeCommitBatch,
			Data:  encodeBatch(batch),
		}); err != nil {
			return fmt.Errorf("log write batch: %w", err)
		}
	}
	s.apply(batch)
	return nil
}

// checkNames rejects bindings that collide with names bound to other
// objects, either already stored or earlier in the same batch. A name bound
// to an object that the batch destroys is free again.
func (s *Store) checkNames(batch objectstore.Batch) error {
	destroyed := make(map[objectstore.ObjectID]bool)
	for _, w := range batch.Writes {
		if w.Tombstone {
			destroyed[w.ID] = true
		}
	}
	pending := make(map[string]objectstore.ObjectID, len(batch.Names))
	for _, n := range batch.Names {
		if id, ok := pending[n.Name]; ok && id != n.ID {
			return fmt.Errorf("%w: %q", objectstore.ErrDuplicateName, n.Name)
		}
		if id, ok := s.names[n.Name]; ok && id != n.ID && !destroyed[id] {
			return fmt.Errorf("%w: %q", objectstore.ErrDuplicateName, n.Name)
		}
		pending[n.Name] = n.ID
	}
	return nil
}

// apply must be called with s.mu held (or before the store is shared).
func (s *Store) apply(batch objectstore.Batch) {
	for _, w := range batch.Writes {
		if w.Tombstone {
			delete(s.records, w.ID)
			for name, id := range s.names {
				if id == w.ID {
					delete(s.names, name)
				}
			}
			continue
		}
		s.records[w.ID] = append([]byte(nil), w.Data...)
		if w.ID >= s.nextID {
			s.nextID = w.ID + 1
		}
	}
	for _, n := range batch.Names {
		s.names[n.Name] = n.ID
	}
}

func (s *Store) BindName(_ context.Context, name string, id objectstore.ObjectID) (bool, error) {
	if name == "" {
		return false, objectstore.ErrInvalidName
	}
	if id == objectstore.InvalidObjectID {
		return false, objectstore.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, objectstore.ErrClosed
	}
	if _, ok := s.names[name]; ok {
		return false, nil
	}
	batch := objectstore.Batch{Names: []objectstore.NameBinding{{Name: name, ID: id}}}
	if s.log != nil {
		if _, err := s.log.AppendRecord(&wal.LogRecord{
			AppID: s.appID,
			Type:  wal.LogRecordTypeBindName,
			Data:  encodeBatch(batch),
		}); err != nil {
			return false, fmt.Errorf("log name binding: %w", err)
		}
	}
	s.apply(batch)
	return true, nil
}

func (s *Store) ResolveName(_ context.Context, name string) (objectstore.ObjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return objectstore.InvalidObjectID, objectstore.ErrClosed
	}
	id, ok := s.names[name]
	if !ok {
		return objectstore.InvalidObjectID, objectstore.ErrNameNotFound
	}
	return id, nil
}

// Close is a no-op for provider-owned stores; the provider owns the log.
// A standalone store stops accepting operations.
func (s *Store) Close() error {
	if s.standalone {
		s.markClosed()
	}
	return nil
}

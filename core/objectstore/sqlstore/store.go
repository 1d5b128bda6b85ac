// Package sqlstore keeps object records in a SQL database. SQLite (through
// the pure Go modernc driver) suits single-node deployments; Postgres
// (through pgx) lets several server processes share one store. Every
// WriteBatch runs in one SQL transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"go.uber.org/zap"
)

var (
	_ objectstore.Store    = (*Store)(nil)
	_ objectstore.Provider = (*Provider)(nil)
)

const defaultSQLitePath = "reddwarf.db"

// Provider owns the database handle.
type Provider struct {
	db      *sql.DB
	dialect dialect
	closed  atomic.Bool
	logger  *zap.Logger
}

// OpenSQLite opens or creates a SQLite database file.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*Provider, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	return open(ctx, sqliteDialect, dsn, logger)
}

// OpenPostgres connects to Postgres using a pgx DSN.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Provider, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn must be provided")
	}
	return open(ctx, postgresDialect, dsn, logger)
}

func open(ctx context.Context, d dialect, dsn string, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.maxOpenConns > 0 {
		db.SetMaxOpenConns(d.maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare %s schema: %w", d.name, err)
		}
	}
	logger.Named("sqlstore").Info("sql object store opened", zap.String("dialect", d.name))
	return &Provider{db: db, dialect: d, logger: logger.Named("sqlstore")}, nil
}

func (p *Provider) Open(ctx context.Context, appID uint64) (objectstore.Store, error) {
	if p.closed.Load() {
		return nil, objectstore.ErrClosed
	}
	q := p.dialect.rebind(`INSERT INTO sequences(app_id, last_id) VALUES(?, 0) ON CONFLICT(app_id) DO NOTHING`)
	if _, err := p.db.ExecContext(ctx, q, int64(appID)); err != nil {
		return nil, fmt.Errorf("init sequence for app %d: %w", appID, err)
	}
	return &Store{provider: p, appID: int64(appID)}, nil
}

func (p *Provider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}

// Store is the view of one application's rows.
type Store struct {
	provider *Provider
	appID    int64
}

func (s *Store) q(query string) string {
	return s.provider.dialect.rebind(query)
}

func (s *Store) check() error {
	if s.provider.closed.Load() {
		return objectstore.ErrClosed
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	if err := s.check(); err != nil {
		return err
	}
	tx, err := s.provider.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) AllocateID(ctx context.Context) (objectstore.ObjectID, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			s.q(`UPDATE sequences SET last_id = last_id + 1 WHERE app_id = ? AND last_id < ? RETURNING last_id`),
			s.appID, int64(objectstore.MaxObjectID)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return objectstore.ErrIDsExhausted
		}
		return err
	})
	if errors.Is(err, objectstore.ErrIDsExhausted) {
		return objectstore.InvalidObjectID, err
	}
	if err != nil {
		return objectstore.InvalidObjectID, fmt.Errorf("allocate id: %w", err)
	}
	return objectstore.ObjectID(id), nil
}

func (s *Store) Read(ctx context.Context, id objectstore.ObjectID) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.provider.db.QueryRowContext(ctx,
		s.q(`SELECT data FROM objects WHERE app_id = ? AND object_id = ?`),
		s.appID, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, objectstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) WriteBatch(ctx context.Context, batch objectstore.Batch) error {
	if err := objectstore.ValidateBatch(batch); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkNames(ctx, tx, batch); err != nil {
			return err
		}
		var maxID int64
		for _, w := range batch.Writes {
			if w.Tombstone {
				if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM objects WHERE app_id = ? AND object_id = ?`), s.appID, int64(w.ID)); err != nil {
					return fmt.Errorf("delete %s: %w", w.ID, err)
				}
				if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM names WHERE app_id = ? AND object_id = ?`), s.appID, int64(w.ID)); err != nil {
					return fmt.Errorf("unbind %s: %w", w.ID, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO objects(app_id, object_id, data) VALUES(?, ?, ?)
					ON CONFLICT(app_id, object_id) DO UPDATE SET data = excluded.data`),
				s.appID, int64(w.ID), w.Data); err != nil {
				return fmt.Errorf("upsert %s: %w", w.ID, err)
			}
			if int64(w.ID) > maxID {
				maxID = int64(w.ID)
			}
		}
		if maxID > 0 {
			if _, err := tx.ExecContext(ctx,
				s.q(`UPDATE sequences SET last_id = ? WHERE app_id = ? AND last_id < ?`),
				maxID, s.appID, maxID); err != nil {
				return fmt.Errorf("advance sequence: %w", err)
			}
		}
		for _, n := range batch.Names {
			if _, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO names(app_id, name, object_id) VALUES(?, ?, ?)
					ON CONFLICT(app_id, name) DO UPDATE SET object_id = excluded.object_id`),
				s.appID, n.Name, int64(n.ID)); err != nil {
				return fmt.Errorf("bind %q: %w", n.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) checkNames(ctx context.Context, tx *sql.Tx, batch objectstore.Batch) error {
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
		var bound int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT object_id FROM names WHERE app_id = ? AND name = ?`), s.appID, n.Name).Scan(&bound)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check name %q: %w", n.Name, err)
		case objectstore.ObjectID(bound) != n.ID && !destroyed[objectstore.ObjectID(bound)]:
			return fmt.Errorf("%w: %q", objectstore.ErrDuplicateName, n.Name)
		}
		pending[n.Name] = n.ID
	}
	return nil
}

func (s *Store) BindName(ctx context.Context, name string, id objectstore.ObjectID) (bool, error) {
	if name == "" {
		return false, objectstore.ErrInvalidName
	}
	if id == objectstore.InvalidObjectID {
		return false, objectstore.ErrInvalidID
	}
	var bound bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO names(app_id, name, object_id) VALUES(?, ?, ?) ON CONFLICT(app_id, name) DO NOTHING`),
			s.appID, name, int64(id))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		bound = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bind %q: %w", name, err)
	}
	return bound, nil
}

func (s *Store) ResolveName(ctx context.Context, name string) (objectstore.ObjectID, error) {
	if err := s.check(); err != nil {
		return objectstore.InvalidObjectID, err
	}
	var id int64
	err := s.provider.db.QueryRowContext(ctx,
		s.q(`SELECT object_id FROM names WHERE app_id = ? AND name = ?`), s.appID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return objectstore.InvalidObjectID, objectstore.ErrNameNotFound
	}
	if err != nil {
		return objectstore.InvalidObjectID, fmt.Errorf("resolve %q: %w", name, err)
	}
	return objectstore.ObjectID(id), nil
}

// Close is a no-op; the Provider owns the database handle.
func (s *Store) Close() error { return nil }

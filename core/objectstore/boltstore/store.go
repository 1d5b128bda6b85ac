// Package boltstore keeps object records in a bolt database file. Each
// application owns a bucket holding an "objects" bucket, keyed by big-endian
// object ID, and a "names" bucket. Bolt update transactions make every
// WriteBatch atomic and readers see consistent snapshots.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

var (
	_ objectstore.Store    = (*Store)(nil)
	_ objectstore.Provider = (*Provider)(nil)
)

var (
	appsBucket    = []byte("apps")
	objectsBucket = []byte("objects")
	namesBucket   = []byte("names")
)

const openTimeout = time.Second

// Provider owns the bolt database file.
type Provider struct {
	db     *bolt.DB
	closed atomic.Bool
	logger *zap.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt store at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create apps bucket: %w", err)
	}
	logger.Named("boltstore").Info("bolt object store opened", zap.String("path", path))
	return &Provider{db: db, logger: logger.Named("boltstore")}, nil
}

func (p *Provider) Open(_ context.Context, appID uint64) (objectstore.Store, error) {
	if p.closed.Load() {
		return nil, objectstore.ErrClosed
	}
	key := itob(appID)
	err := p.db.Update(func(tx *bolt.Tx) error {
		app, err := tx.Bucket(appsBucket).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		if _, err := app.CreateBucketIfNotExists(objectsBucket); err != nil {
			return err
		}
		_, err = app.CreateBucketIfNotExists(namesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create buckets for app %d: %w", appID, err)
	}
	return &Store{provider: p, appKey: key}, nil
}

func (p *Provider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}

// Store is the view of one application's buckets.
type Store struct {
	provider *Provider
	appKey   []byte
}

func (s *Store) buckets(tx *bolt.Tx) (objects, names *bolt.Bucket) {
	app := tx.Bucket(appsBucket).Bucket(s.appKey)
	return app.Bucket(objectsBucket), app.Bucket(namesBucket)
}

func (s *Store) view(fn func(objects, names *bolt.Bucket) error) error {
	if s.provider.closed.Load() {
		return objectstore.ErrClosed
	}
	return s.provider.db.View(func(tx *bolt.Tx) error {
		return fn(s.buckets(tx))
	})
}

func (s *Store) update(fn func(objects, names *bolt.Bucket) error) error {
	if s.provider.closed.Load() {
		return objectstore.ErrClosed
	}
	return s.provider.db.Update(func(tx *bolt.Tx) error {
		return fn(s.buckets(tx))
	})
}

func (s *Store) AllocateID(_ context.Context) (objectstore.ObjectID, error) {
	var id objectstore.ObjectID
	err := s.update(func(objects, _ *bolt.Bucket) error {
		seq, err := objects.NextSequence()
		if err != nil {
			return err
		}
		id = objectstore.ObjectID(seq)
		if !id.Valid() {
			return objectstore.ErrIDsExhausted
		}
		return nil
	})
	if err != nil {
		return objectstore.InvalidObjectID, err
	}
	return id, nil
}

func (s *Store) Read(_ context.Context, id objectstore.ObjectID) ([]byte, error) {
	var data []byte
	err := s.view(func(objects, _ *bolt.Bucket) error {
		v := objects.Get(itob(uint64(id)))
		if v == nil {
			return objectstore.ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *Store) WriteBatch(_ context.Context, batch objectstore.Batch) error {
	if err := objectstore.ValidateBatch(batch); err != nil {
		return err
	}
	return s.update(func(objects, names *bolt.Bucket) error {
		if err := checkNames(names, batch); err != nil {
			return err
		}
		for _, w := range batch.Writes {
			key := itob(uint64(w.ID))
			if w.Tombstone {
				if err := objects.Delete(key); err != nil {
					return err
				}
				if err := unbindAll(names, key); err != nil {
					return err
				}
				continue
			}
			if err := objects.Put(key, w.Data); err != nil {
				return err
			}
			if uint64(w.ID) > objects.Sequence() {
				if err := objects.SetSequence(uint64(w.ID)); err != nil {
					return err
				}
			}
		}
		for _, n := range batch.Names {
			if err := names.Put([]byte(n.Name), itob(uint64(n.ID))); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkNames(names *bolt.Bucket, batch objectstore.Batch) error {
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
		if v := names.Get([]byte(n.Name)); v != nil {
			bound := objectstore.ObjectID(btoi(v))
			if bound != n.ID && !destroyed[bound] {
				return fmt.Errorf("%w: %q", objectstore.ErrDuplicateName, n.Name)
			}
		}
		pending[n.Name] = n.ID
	}
	return nil
}

// unbindAll removes every name bound to the object key. Keys are collected
// first because bolt cursors must not be mutated during iteration.
func unbindAll(names *bolt.Bucket, key []byte) error {
	var doomed [][]byte
	if err := names.ForEach(func(k, v []byte) error {
		if bytes.Equal(v, key) {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range doomed {
		if err := names.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) BindName(_ context.Context, name string, id objectstore.ObjectID) (bool, error) {
	if name == "" {
		return false, objectstore.ErrInvalidName
	}
	if id == objectstore.InvalidObjectID {
		return false, objectstore.ErrInvalidID
	}
	bound := false
	err := s.update(func(_, names *bolt.Bucket) error {
		if names.Get([]byte(name)) != nil {
			return nil
		}
		bound = true
		return names.Put([]byte(name), itob(uint64(id)))
	})
	return bound, err
}

func (s *Store) ResolveName(_ context.Context, name string) (objectstore.ObjectID, error) {
	var id objectstore.ObjectID
	err := s.view(func(_, names *bolt.Bucket) error {
		v := names.Get([]byte(name))
		if v == nil {
			return objectstore.ErrNameNotFound
		}
		id = objectstore.ObjectID(btoi(v))
		return nil
	})
	return id, err
}

// Close is a no-op; the Provider owns the database.
func (s *Store) Close() error { return nil }

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

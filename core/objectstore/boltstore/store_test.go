package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore/storetest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newProvider(t *testing.T) objectstore.Provider {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "objects.db"), zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestBoltStore_Conformance(t *testing.T) {
	storetest.Run(t, newProvider)
	storetest.RunProvider(t, newProvider)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "objects.db")

	p1, err := Open(path, nil)
	require.NoError(t, err)
	s1, err := p1.Open(ctx, 9)
	require.NoError(t, err)
	id, err := s1.AllocateID(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: id, Data: []byte("persisted")}},
		Names:  []objectstore.NameBinding{{Name: "world", ID: id}},
	}))
	require.NoError(t, p1.Close())

	_, err = s1.Read(ctx, id)
	require.ErrorIs(t, err, objectstore.ErrClosed)

	p2, err := Open(path, nil)
	require.NoError(t, err)
	defer p2.Close()
	s2, err := p2.Open(ctx, 9)
	require.NoError(t, err)

	got, err := s2.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
	resolved, err := s2.ResolveName(ctx, "world")
	require.NoError(t, err)
	require.Equal(t, id, resolved)

	next, err := s2.AllocateID(ctx)
	require.NoError(t, err)
	require.Greater(t, uint64(next), uint64(id))
}

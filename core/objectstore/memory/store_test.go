package memory

import (
	"context"
	"testing"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore/storetest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_Conformance(t *testing.T) {
	factory := func(t *testing.T) objectstore.Provider {
		p, err := NewProvider(Options{})
		require.NoError(t, err)
		return p
	}
	storetest.Run(t, factory)
	storetest.RunProvider(t, factory)
}

func TestMemoryStore_WALConformance(t *testing.T) {
	factory := func(t *testing.T) objectstore.Provider {
		p, err := NewProvider(Options{WALDir: t.TempDir(), Logger: zap.NewNop()})
		require.NoError(t, err)
		return p
	}
	storetest.Run(t, factory)
	storetest.RunProvider(t, factory)
}

func TestMemoryStore_RecoversFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p1, err := NewProvider(Options{WALDir: dir, SyncWrites: true})
	require.NoError(t, err)
	s1, err := p1.Open(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, s1.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 1, Data: []byte("kept")}, {ID: 2, Data: []byte("destroyed")}},
		Names:  []objectstore.NameBinding{{Name: "kept", ID: 1}},
	}))
	require.NoError(t, s1.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: 2, Tombstone: true}}}))
	ok, err := s1.BindName(ctx, "alias", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p1.Close())

	p2, err := NewProvider(Options{WALDir: dir})
	require.NoError(t, err)
	defer p2.Close()
	s2, err := p2.Open(ctx, 3)
	require.NoError(t, err)

	got, err := s2.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), got)
	_, err = s2.Read(ctx, 2)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
	id, err := s2.ResolveName(ctx, "alias")
	require.NoError(t, err)
	require.Equal(t, objectstore.ObjectID(1), id)

	// Recovered stores keep logging.
	next, err := s2.AllocateID(ctx)
	require.NoError(t, err)
	require.Greater(t, uint64(next), uint64(2))
	require.NoError(t, s2.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: next, Data: []byte("new")}}}))
}

func TestMemoryStore_StandaloneClose(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())
	_, err := s.AllocateID(context.Background())
	require.ErrorIs(t, err, objectstore.ErrClosed)
}

func TestBatchCodecRoundTrip(t *testing.T) {
	in := objectstore.Batch{
		Writes: []objectstore.Write{{ID: 1, Data: []byte("a")}, {ID: 2, Tombstone: true}},
		Names:  []objectstore.NameBinding{{Name: "n", ID: 1}},
	}
	out, err := decodeBatch(encodeBatch(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = decodeBatch([]byte{1, 0})
	require.Error(t, err)
}

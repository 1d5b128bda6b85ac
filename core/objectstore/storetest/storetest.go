// Package storetest holds the behaviour every objectstore.Store and
// objectstore.Provider implementation must show. Backend packages call Run
// and RunProvider from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/stretchr/testify/require"
)

// Factory builds an empty provider for one subtest.
type Factory func(t *testing.T) objectstore.Provider

// Run exercises the Store contract against stores opened from the factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s objectstore.Store)
	}{
		{"AllocateIDIsUnique", testAllocateIDIsUnique},
		{"ReadMissing", testReadMissing},
		{"WriteThenRead", testWriteThenRead},
		{"Tombstone", testTombstone},
		{"NamesInBatch", testNamesInBatch},
		{"DuplicateNameRejectsWholeBatch", testDuplicateNameRejectsWholeBatch},
		{"BindName", testBindName},
		{"ExplicitIDAdvancesAllocator", testExplicitIDAdvancesAllocator},
		{"InvalidBatch", testInvalidBatch},
		{"AllocatorStopsAtMaxID", testAllocatorStopsAtMaxID},
		{"ConcurrentReadersSeeWholeBatches", testConcurrentReadersSeeWholeBatches},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := factory(t)
			t.Cleanup(func() { _ = p.Close() })
			s, err := p.Open(context.Background(), 1)
			require.NoError(t, err)
			tc.fn(t, s)
		})
	}
}

// RunProvider exercises application isolation and reopening.
func RunProvider(t *testing.T, factory Factory) {
	t.Run("ApplicationsAreIsolated", func(t *testing.T) {
		ctx := context.Background()
		p := factory(t)
		t.Cleanup(func() { _ = p.Close() })

		a, err := p.Open(ctx, 1)
		require.NoError(t, err)
		b, err := p.Open(ctx, 2)
		require.NoError(t, err)

		require.NoError(t, a.WriteBatch(ctx, objectstore.Batch{
			Writes: []objectstore.Write{{ID: 5, Data: []byte("a")}},
			Names:  []objectstore.NameBinding{{Name: "shared", ID: 5}},
		}))
		_, err = b.Read(ctx, 5)
		require.ErrorIs(t, err, objectstore.ErrNotFound)
		_, err = b.ResolveName(ctx, "shared")
		require.ErrorIs(t, err, objectstore.ErrNotFound)

		require.NoError(t, b.WriteBatch(ctx, objectstore.Batch{
			Writes: []objectstore.Write{{ID: 5, Data: []byte("b")}},
			Names:  []objectstore.NameBinding{{Name: "shared", ID: 5}},
		}))
		got, err := a.Read(ctx, 5)
		require.NoError(t, err)
		require.Equal(t, []byte("a"), got)
	})

	t.Run("ClosedProviderRejectsOpen", func(t *testing.T) {
		p := factory(t)
		require.NoError(t, p.Close())
		_, err := p.Open(context.Background(), 1)
		require.ErrorIs(t, err, objectstore.ErrClosed)
	})
}

func testAllocateIDIsUnique(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	seen := make(map[objectstore.ObjectID]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id, err := s.AllocateID(ctx)
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("id %d allocated twice", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 200)
	require.False(t, seen[objectstore.InvalidObjectID])
}

func testReadMissing(t *testing.T, s objectstore.Store) {
	_, err := s.Read(context.Background(), 424242)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	_, err = s.ResolveName(context.Background(), "nobody")
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func testWriteThenRead(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	id, err := s.AllocateID(ctx)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: id, Data: []byte("v1")}}}))
	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	// Returned bytes are a copy.
	got[0] = 'X'
	again, err := s.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), again)

	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: id, Data: []byte("v2")}}}))
	got, err = s.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func testTombstone(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 10, Data: []byte("doomed")}},
		Names:  []objectstore.NameBinding{{Name: "doomed", ID: 10}},
	}))
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: 10, Tombstone: true}}}))

	_, err := s.Read(ctx, 10)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
	_, err = s.ResolveName(ctx, "doomed")
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	// The name is free again.
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 11, Data: []byte("heir")}},
		Names:  []objectstore.NameBinding{{Name: "doomed", ID: 11}},
	}))
	id, err := s.ResolveName(ctx, "doomed")
	require.NoError(t, err)
	require.Equal(t, objectstore.ObjectID(11), id)
}

func testNamesInBatch(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 3, Data: []byte("three")}, {ID: 4, Data: []byte("four")}},
		Names:  []objectstore.NameBinding{{Name: "three", ID: 3}, {Name: "four", ID: 4}},
	}))
	id, err := s.ResolveName(ctx, "three")
	require.NoError(t, err)
	require.Equal(t, objectstore.ObjectID(3), id)
	id, err = s.ResolveName(ctx, "four")
	require.NoError(t, err)
	require.Equal(t, objectstore.ObjectID(4), id)
}

func testDuplicateNameRejectsWholeBatch(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 1, Data: []byte("first")}},
		Names:  []objectstore.NameBinding{{Name: "taken", ID: 1}},
	}))

	err := s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 1, Data: []byte("overwritten")}, {ID: 2, Data: []byte("second")}},
		Names:  []objectstore.NameBinding{{Name: "taken", ID: 2}},
	})
	require.ErrorIs(t, err, objectstore.ErrDuplicateName)

	got, err := s.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
	_, err = s.Read(ctx, 2)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	err = s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 5, Data: []byte("x")}, {ID: 6, Data: []byte("y")}},
		Names:  []objectstore.NameBinding{{Name: "twice", ID: 5}, {Name: "twice", ID: 6}},
	})
	require.ErrorIs(t, err, objectstore.ErrDuplicateName)
	_, err = s.Read(ctx, 5)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func testBindName(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	ok, err := s.BindName(ctx, "root", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.BindName(ctx, "root", 2)
	require.NoError(t, err)
	require.False(t, ok)

	id, err := s.ResolveName(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, objectstore.ObjectID(1), id)

	_, err = s.BindName(ctx, "", 1)
	require.ErrorIs(t, err, objectstore.ErrInvalidName)
}

func testExplicitIDAdvancesAllocator(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: 1000, Data: []byte("boot")}}}))
	for i := 0; i < 5; i++ {
		id, err := s.AllocateID(ctx)
		require.NoError(t, err)
		require.Greater(t, uint64(id), uint64(1000))
	}
}

func testInvalidBatch(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	err := s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: 0, Data: []byte("x")}}})
	require.ErrorIs(t, err, objectstore.ErrInvalidID)

	err = s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{{ID: objectstore.MaxObjectID + 1, Data: []byte("x")}}})
	require.ErrorIs(t, err, objectstore.ErrInvalidID)

	err = s.WriteBatch(ctx, objectstore.Batch{
		Writes: []objectstore.Write{{ID: 7, Data: []byte("x")}},
		Names:  []objectstore.NameBinding{{Name: "far", ID: objectstore.MaxObjectID + 1}},
	})
	require.ErrorIs(t, err, objectstore.ErrInvalidID)
	_, err = s.Read(ctx, 7)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

// testAllocatorStopsAtMaxID writes the last valid ID and checks the allocator
// reports exhaustion instead of wrapping onto stored records.
func testAllocatorStopsAtMaxID(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	first, err := s.AllocateID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{
		{ID: first, Data: []byte("first")},
		{ID: objectstore.MaxObjectID, Data: []byte("last")},
	}}))

	for range 2 {
		_, err := s.AllocateID(ctx)
		require.ErrorIs(t, err, objectstore.ErrIDsExhausted)
	}
	got, err := s.Read(ctx, first)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
	got, err = s.Read(ctx, objectstore.MaxObjectID)
	require.NoError(t, err)
	require.Equal(t, []byte("last"), got)
}

// testConcurrentReadersSeeWholeBatches writes pairs of records that always
// carry the same generation and checks no reader ever sees a mixed pair.
func testConcurrentReadersSeeWholeBatches(t *testing.T, s objectstore.Store) {
	ctx := context.Background()
	write := func(gen byte) error {
		return s.WriteBatch(ctx, objectstore.Batch{Writes: []objectstore.Write{
			{ID: 1, Data: []byte{gen}},
			{ID: 2, Data: []byte{gen}},
		}})
	}
	require.NoError(t, write(0))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for gen := byte(1); gen < 50; gen++ {
			if err := write(gen); err != nil {
				t.Errorf("write gen %d: %v", gen, err)
				break
			}
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		a, errA := s.Read(ctx, 1)
		b, errB := s.Read(ctx, 2)
		require.NoError(t, errA)
		require.NoError(t, errB)
		// Reads are separate calls, so b may be newer than a but never older.
		require.GreaterOrEqual(t, b[0], a[0])
	}
}

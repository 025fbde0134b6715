package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
)

const contractTTL = 30 * time.Minute

type storeFactory func(t *testing.T, clk *clock.FakeClock) Store

func epoch() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func write(id string, index, total int, data string) ChunkWrite {
	return ChunkWrite{SessionID: id, Index: index, TotalChunks: total, Operation: "sync", Data: data}
}

// runStoreContract exercises behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("order independent concat", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		for _, i := range []int{2, 0, 1} {
			_, err := s.PutChunk(ctx, write("ord", i, 3, []string{"AB", "CD", "EF"}[i]))
			require.NoError(t, err)
		}

		sess, err := s.Take(ctx, "ord")
		require.NoError(t, err)
		assert.True(t, sess.IsComplete())
		assert.Equal(t, "ABCDEF", sess.Concat())
		assert.Equal(t, "sync", sess.Operation)
	})

	t.Run("progress state", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		st, err := s.PutChunk(ctx, write("prog", 0, 4, "x"))
		require.NoError(t, err)
		assert.Equal(t, 1, st.Received)
		assert.Equal(t, 4, st.TotalChunks)
		assert.False(t, st.Complete())

		st, err = s.PutChunk(ctx, write("prog", 3, 4, "y"))
		require.NoError(t, err)
		assert.Equal(t, 2, st.Received)
	})

	t.Run("idempotent overwrite", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("dup", 0, 2, "old"))
		require.NoError(t, err)
		st, err := s.PutChunk(ctx, write("dup", 0, 2, "new"))
		require.NoError(t, err)
		assert.Equal(t, 1, st.Received, "same index must not count twice")

		_, err = s.PutChunk(ctx, write("dup", 1, 2, "!"))
		require.NoError(t, err)

		sess, err := s.Take(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "new!", sess.Concat())
	})

	t.Run("total chunks conflict", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("conf", 0, 3, "a"))
		require.NoError(t, err)

		_, err = s.PutChunk(ctx, write("conf", 1, 4, "b"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSessionConflict)

		var ce *ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "total_chunks", ce.Field)
		assert.Equal(t, 3, ce.Recorded)
		assert.Equal(t, 4, ce.Requested)
	})

	t.Run("operation conflict", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("opc", 0, 2, "a"))
		require.NoError(t, err)

		w := write("opc", 1, 2, "b")
		w.Operation = "analysis"
		_, err = s.PutChunk(ctx, w)
		var ce *ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "operation", ce.Field)

		// An empty operation makes no claim.
		w.Operation = ""
		_, err = s.PutChunk(ctx, w)
		require.NoError(t, err)
	})

	t.Run("index out of range", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)

		_, err := s.PutChunk(context.Background(), write("rng", 3, 3, "a"))
		assert.ErrorIs(t, err, ErrIndexOutOfRange)

		n, err := s.Len(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n, "rejected writes must not create sessions")
	})

	t.Run("take missing", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)

		_, err := s.Take(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("consumed exactly once and never resurrected", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("once", 0, 1, "a"))
		require.NoError(t, err)

		_, err = s.Take(ctx, "once")
		require.NoError(t, err)

		_, err = s.Take(ctx, "once")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = s.PutChunk(ctx, write("once", 0, 1, "again"))
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("concurrent take single winner", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("race", 0, 1, "a"))
		require.NoError(t, err)

		const takers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			notFound int
		)
		for i := 0; i < takers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Take(ctx, "race")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrSessionNotFound):
					notFound++
				default:
					t.Errorf("unexpected take error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, takers-1, notFound)
	})

	t.Run("concurrent writes to one session", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		const total = 20
		var wg sync.WaitGroup
		for i := 0; i < total; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.PutChunk(ctx, write("par", i, total, fmt.Sprintf("%02d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		sess, err := s.Take(ctx, "par")
		require.NoError(t, err)
		assert.Equal(t, total, sess.Received())
		assert.Equal(t, "00010203040506070809"+"10111213141516171819", sess.Concat())
	})

	t.Run("lazy expiry", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("idle", 0, 2, "a"))
		require.NoError(t, err)

		clk.Advance(contractTTL + time.Second)

		_, err = s.PutChunk(ctx, write("idle", 1, 2, "b"))
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = s.Take(ctx, "idle")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("expired on take", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("late", 0, 1, "a"))
		require.NoError(t, err)

		clk.Advance(contractTTL + time.Second)

		_, err = s.Take(ctx, "late")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = s.PutChunk(ctx, write("late", 0, 1, "a"))
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("activity refreshes ttl", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("busy", 0, 3, "a"))
		require.NoError(t, err)
		clk.Advance(contractTTL - time.Minute)
		_, err = s.PutChunk(ctx, write("busy", 1, 3, "b"))
		require.NoError(t, err)
		clk.Advance(contractTTL - time.Minute)
		_, err = s.PutChunk(ctx, write("busy", 2, 3, "c"))
		require.NoError(t, err)

		sess, err := s.Take(ctx, "busy")
		require.NoError(t, err)
		assert.Equal(t, "abc", sess.Concat())
	})

	t.Run("sweep", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		ctx := context.Background()

		_, err := s.PutChunk(ctx, write("old", 0, 2, "a"))
		require.NoError(t, err)
		clk.Advance(20 * time.Minute)
		_, err = s.PutChunk(ctx, write("fresh", 0, 2, "a"))
		require.NoError(t, err)
		clk.Advance(11 * time.Minute)

		removed, err := s.SweepExpired(ctx, clk.Now(), contractTTL)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.PutChunk(ctx, write("old", 1, 2, "b"))
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = s.PutChunk(ctx, write("fresh", 1, 2, "b"))
		assert.NoError(t, err)
	})

	t.Run("closed", func(t *testing.T) {
		clk := clock.Fake(epoch())
		s := newStore(t, clk)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.PutChunk(context.Background(), write("c", 0, 1, "a"))
		assert.ErrorIs(t, err, ErrStorageClosed)
		assert.ErrorIs(t, s.Ping(context.Background()), ErrStorageClosed)
	})
}

package transfer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
)

const testTTL = 30 * time.Minute

type fixture struct {
	clock *clock.FakeClock
	store *session.MemoryBackend
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewMemoryBackend(testTTL, 0, session.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })

	svc := NewService(store, Options{
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{clock: clk, store: store, svc: svc}
}

// send stores chunks under id in the given index order.
func (f *fixture) send(t *testing.T, id, op string, chunks []string, order []int) {
	t.Helper()
	total := strconv.Itoa(len(chunks))
	for _, i := range order {
		_, err := f.svc.Receive(context.Background(), ChunkRequest{
			SessionID:   id,
			ChunkIndex:  strconv.Itoa(i),
			TotalChunks: total,
			Data:        chunks[i],
			Operation:   op,
		})
		require.NoError(t, err)
	}
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLatest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec := Record{
		ID:         "rec_1",
		SessionID:  "term-1",
		Shell:      "/bin/zsh",
		PID:        4321,
		Output:     "hello\n",
		ExitCode:   0,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Latest(ctx, "term-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Output, got.Output)
	assert.Equal(t, rec.ExitCode, got.ExitCode)
	assert.Equal(t, rec.PID, got.PID)
	assert.WithinDuration(t, rec.FinishedAt, got.FinishedAt, time.Second)
}

func TestLatestPicksNewest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, code := range []int{1, 2, 3} {
		require.NoError(t, store.Save(ctx, Record{
			ID:         "rec_" + string(rune('a'+i)),
			SessionID:  "term-1",
			FinishedAt: base.Add(time.Duration(i) * time.Second),
			ExitCode:   code,
		}))
	}

	got, err := store.Latest(ctx, "term-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ExitCode)
}

func TestLatestNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.Latest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := range 5 {
		require.NoError(t, store.Save(ctx, Record{
			ID:         "rec_" + string(rune('a'+i)),
			SessionID:  "term-1",
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := store.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Newest first.
	assert.Equal(t, "rec_e", records[0].ID)
	assert.Equal(t, "rec_c", records[2].ID)
}

func TestSaveTruncatesOutput(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", MaxOutputBytes+100) + "tail-marker"
	require.NoError(t, store.Save(ctx, Record{
		ID:        "rec_big",
		SessionID: "term-1",
		Output:    long,
	}))

	got, err := store.Latest(ctx, "term-1")
	require.NoError(t, err)
	assert.Len(t, got.Output, MaxOutputBytes)
	// The tail survives, the head is dropped.
	assert.True(t, strings.HasSuffix(got.Output, "tail-marker"))
}

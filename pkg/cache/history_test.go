package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/model"
)

func countingLoader(loads *int) Loader {
	return func(ctx context.Context, threadID int64) ([]model.Message, error) {
		*loads++
		return []model.Message{{ThreadID: threadID, MessageID: 1, Text: "hello"}}, nil
	}
}

func TestHistoryReadThrough(t *testing.T) {
	var loads int
	h := NewHistory(countingLoader(&loads), 8)

	msgs, err := h.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, loads)

	_, err = h.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "second read should hit the cache")
}

func TestHistoryAppendOnlyWhenCached(t *testing.T) {
	var loads int
	h := NewHistory(countingLoader(&loads), 8)

	h.Append(42, model.Message{MessageID: 2})
	assert.Equal(t, 0, h.Len(), "append on uncached thread is a no-op")

	_, err := h.Get(context.Background(), 42)
	require.NoError(t, err)

	h.Append(42, model.Message{MessageID: 2, Text: "more"})
	msgs, err := h.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 1, loads)
}

func TestHistoryInvalidate(t *testing.T) {
	var loads int
	h := NewHistory(countingLoader(&loads), 8)

	_, err := h.Get(context.Background(), 42)
	require.NoError(t, err)
	h.Invalidate(42)

	_, err = h.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 2, loads, "invalidated thread reloads from the store")
}

func TestHistoryEvictsLeastRecentlyUsed(t *testing.T) {
	var loads int
	h := NewHistory(countingLoader(&loads), 2)

	ctx := context.Background()
	_, _ = h.Get(ctx, 1)
	_, _ = h.Get(ctx, 2)
	_, _ = h.Get(ctx, 1) // thread 1 now most recent
	_, _ = h.Get(ctx, 3) // evicts thread 2

	assert.Equal(t, 2, h.Len())
	loads = 0
	_, _ = h.Get(ctx, 1)
	assert.Equal(t, 0, loads, "thread 1 survived eviction")
	_, _ = h.Get(ctx, 2)
	assert.Equal(t, 1, loads, "thread 2 was evicted")
}

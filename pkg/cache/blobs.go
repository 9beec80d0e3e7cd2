package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const blobKeyPrefix = "blob:"

// BlobStore is the slice of the Redis API the blob cache needs. Satisfied by
// *redis.Client.
type BlobStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Blobs mirrors every media download into Redis under a short TTL so tools
// like audio transcription read bytes from memory instead of redownloading
// from Telegram. Best effort on the write path: a cache failure is logged and
// the download still proceeds.
type Blobs struct {
	store BlobStore
	ttl   time.Duration
}

func NewBlobs(store BlobStore, ttl time.Duration) *Blobs {
	return &Blobs{store: store, ttl: ttl}
}

// Put stores the bytes for a Telegram file id.
func (b *Blobs) Put(ctx context.Context, fileID string, data []byte) {
	if err := b.store.Set(ctx, blobKeyPrefix+fileID, data, b.ttl).Err(); err != nil {
		slog.Warn("Blob cache write failed", "file_id", fileID, "error", err)
	}
}

// Get returns the cached bytes for a file id, or (nil, false) when the entry
// is missing, expired, or Redis is unreachable.
func (b *Blobs) Get(ctx context.Context, fileID string) ([]byte, bool) {
	data, err := b.store.Get(ctx, blobKeyPrefix+fileID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.Warn("Blob cache read failed", "file_id", fileID, "error", err)
		return nil, false
	}
	return data, true
}

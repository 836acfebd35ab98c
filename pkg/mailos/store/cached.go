package store

import (
	"context"
)

// Cached puts an in-memory set in front of a durable ProcessedStore.
// Positive answers from the backing store are remembered; negative ones
// are not, so records written by another process are still seen.
type Cached struct {
	front *Memory
	back  ProcessedStore
}

// NewCached wraps back.
func NewCached(back ProcessedStore) *Cached {
	return &Cached{front: NewMemory(), back: back}
}

func (c *Cached) IsProcessed(ctx context.Context, checkerID, key string) (bool, error) {
	if ok, _ := c.front.IsProcessed(ctx, checkerID, key); ok {
		return true, nil
	}
	ok, err := c.back.IsProcessed(ctx, checkerID, key)
	if err != nil || !ok {
		return false, err
	}
	_ = c.front.MarkProcessed(ctx, Record{CheckerID: checkerID, MessageKey: key})
	return true, nil
}

// MarkProcessed writes through to the backing store first; the cache is
// only updated once the record is durable.
func (c *Cached) MarkProcessed(ctx context.Context, rec Record) error {
	if err := c.back.MarkProcessed(ctx, rec); err != nil {
		return err
	}
	return c.front.MarkProcessed(ctx, rec)
}

func (c *Cached) Forget(ctx context.Context, checkerID string) error {
	_ = c.front.Forget(ctx, checkerID)
	return c.back.Forget(ctx, checkerID)
}

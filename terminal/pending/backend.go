package pending

import (
	"context"
	"slices"
	"sync"
)

// Backend persists envelopes in insertion order.
type Backend interface {
	// Put inserts env, or updates it in place when its key is already stored.
	Put(ctx context.Context, env MutationEnvelope) error
	// Delete removes the envelope with key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// List returns every envelope, oldest first.
	List(ctx context.Context) ([]MutationEnvelope, error)
	Close() error
}

// MemoryBackend keeps envelopes for the lifetime of the process.
type MemoryBackend struct {
	mu    sync.Mutex
	items []MutationEnvelope
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Put(ctx context.Context, env MutationEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.index(env.IdempotencyKey); i >= 0 {
		b.items[i] = env
		return nil
	}
	b.items = append(b.items, env)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.index(key); i >= 0 {
		b.items = slices.Delete(b.items, i, i+1)
	}
	return nil
}

func (b *MemoryBackend) List(ctx context.Context) ([]MutationEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.items), nil
}

func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) index(key string) int {
	return slices.IndexFunc(b.items, func(e MutationEnvelope) bool {
		return e.IdempotencyKey == key
	})
}

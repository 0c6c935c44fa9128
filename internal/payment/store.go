package payment

import (
	"context"
)

// PendingStore keeps at most one unresolved payment reference per key,
// usually the customer's session. Clear on an empty key is a no-op.
type PendingStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, reference string) error
	Clear(ctx context.Context, key string) error
}

// Slot is the pending payment slot of one session.
type Slot struct {
	store PendingStore
	key   string
}

func NewSlot(store PendingStore, key string) Slot {
	return Slot{store: store, key: key}
}

func (s Slot) Key() string { return s.key }

func (s Slot) Get(ctx context.Context) (string, bool, error) {
	return s.store.Get(ctx, s.key)
}

func (s Slot) Put(ctx context.Context, reference string) error {
	return s.store.Put(ctx, s.key, reference)
}

func (s Slot) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.key)
}

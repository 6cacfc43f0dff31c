package ingest

import (
	"context"
	"errors"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"
)

// Deduplicator reserves provider event ids. The reservation and the event
// insert are the same write, so two concurrent deliveries of one id can
// never both be stored.
type Deduplicator struct {
	store storage.Store
}

func NewDeduplicator(store storage.Store) *Deduplicator {
	return &Deduplicator{store: store}
}

// Reserve stores ev and reports whether its provider id was seen before.
// Events without a provider id are always stored.
func (d *Deduplicator) Reserve(ctx context.Context, ev *models.WebhookEvent) (duplicate bool, err error) {
	err = d.store.InsertEvent(ctx, ev)
	if errors.Is(err, storage.ErrDuplicate) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

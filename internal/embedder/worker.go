// Package embedder backfills embedding vectors for logged interactions in
// the background, so the vectors are ready if similarity-based example
// selection is ever turned on.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheetsage/sheetsage/internal/feedback"
)

// TextEmbedder generates embeddings for text.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Worker walks the interaction log and embeds records that have no vector
// yet, oldest first.
type Worker struct {
	store    *feedback.Store
	embedder TextEmbedder
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store *feedback.Store, embedder TextEmbedder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run embeds pending records until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("embedder iteration failed", "error", err)
		}
		if done && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce embeds a single pending record. Returns true if a record was
// found, false when the backlog is empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	rec, err := w.store.NextWithoutEmbedding()
	if err != nil {
		return false, fmt.Errorf("finding pending record: %w", err)
	}
	if rec == nil {
		return false, nil
	}

	vector, err := w.embedder.Embed(ctx, rec.Question)
	if err != nil {
		return true, fmt.Errorf("embedding record %d: %w", rec.ID, err)
	}

	if err := w.store.SetEmbedding(rec.ID, vector); err != nil {
		return true, fmt.Errorf("storing embedding for record %d: %w", rec.ID, err)
	}
	return true, nil
}

package worker

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler republishes undelivered verification decisions.
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

// ReconcileLoop runs a Reconciler on a fixed interval.
type ReconcileLoop struct {
	reconciler Reconciler
	interval   time.Duration
	batch      int
	log        *slog.Logger
}

// NewReconcileLoop creates a reconcile worker. interval is clamped to at least one second.
func NewReconcileLoop(r Reconciler, interval time.Duration, batch int, log *slog.Logger) *ReconcileLoop {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileLoop{
		reconciler: r,
		interval:   max(interval, time.Second),
		batch:      batch,
		log:        log,
	}
}

// Start runs until ctx is done. The first pass runs immediately.
func (l *ReconcileLoop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.run(ctx)
		}
	}
}

func (l *ReconcileLoop) run(ctx context.Context) {
	n, err := l.reconciler.Reconcile(ctx, l.batch)
	if err != nil {
		l.log.Error("Reconcile pass failed", "republished", n, "error", err)
		return
	}
	if n > 0 {
		l.log.Info("Reconcile pass done", "republished", n)
	}
}

// internal/sweeper/sweeper.go
// Package sweeper runs the background reclamation of expired upload
// sessions. Sessions that passed their deadline while still pending or
// uploading are moved to expired and their staged chunks released.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/metrics"
)

// Reclaimer expires stale sessions in batches. Implemented by upload.Manager.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, batchSize int) (int, error)
}

// Sweeper periodically reclaims expired upload sessions.
type Sweeper struct {
	reclaimer Reclaimer
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// New creates a sweeper that runs every interval, expiring at most
// batchSize sessions per pass.
func New(reclaimer Reclaimer, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		reclaimer: reclaimer,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics.NewMetrics(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep runs one reclamation pass. Each pass gets its own timeout so a
// stuck backend cannot wedge the loop.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	reclaimed, err := s.reclaimer.ReclaimExpired(ctx, s.batchSize)
	if err != nil {
		s.metrics.SweepTotal.WithLabelValues("error").Inc()
		slog.Error("expiry sweep failed", slog.String("error", err.Error()))
		return
	}

	if reclaimed > 0 {
		s.metrics.SweepTotal.WithLabelValues("reclaimed").Add(float64(reclaimed))
		slog.Info("expiry sweep reclaimed sessions", slog.Int("count", reclaimed))
	}
}

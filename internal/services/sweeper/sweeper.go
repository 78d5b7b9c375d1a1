package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hrauth/internal/lib/clock"
	"hrauth/internal/lib/logger/sl"
)

const DefaultInterval = time.Hour

type ExpiredTokenDeleter interface {
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically removes refresh records whose expiry has passed.
type Sweeper struct {
	logger   *slog.Logger
	store    ExpiredTokenDeleter
	clock    clock.Clock
	interval time.Duration
	onSweep  func(deleted int64)
}

// New returns a new Sweeper. A non-positive interval falls back to DefaultInterval.
func New(logger *slog.Logger, store ExpiredTokenDeleter, clk clock.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sweeper{
		logger:   logger,
		store:    store,
		clock:    clk,
		interval: interval,
	}
}

// OnSweep registers a callback invoked after every successful pass.
func (s *Sweeper) OnSweep(fn func(deleted int64)) {
	s.onSweep = fn
}

func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	const op = "sweeper.Sweep"

	deleted, err := s.store.DeleteExpiredRefreshTokens(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if s.onSweep != nil {
		s.onSweep(deleted)
	}
	return deleted, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	const op = "sweeper.Run"
	log := s.logger.With(slog.String("op", op), slog.Duration("interval", s.interval))
	log.Info("expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		deleted, err := s.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("failed to delete expired refresh tokens", sl.Err(err))
		case deleted > 0:
			log.Info("expired refresh tokens deleted", slog.Int64("count", deleted))
		}

		select {
		case <-ctx.Done():
			log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

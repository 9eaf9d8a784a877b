package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/intuit"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// TokenSource is the subset of intuit.Manager the refresher drives.
type TokenSource interface {
	Refresh(ctx context.Context) (model.TokenRecord, error)
	EnsureFresh(ctx context.Context, skew time.Duration) (model.TokenRecord, error)
}

// TokenRefresher keeps the accounting access token alive on a fixed interval.
// With skew > 0 a tick only refreshes tokens expiring within skew; with 0
// every tick refreshes. Failures are logged and never stop the loop.
type TokenRefresher struct {
	logger   *zap.Logger
	source   TokenSource
	interval time.Duration
	skew     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewTokenRefresher(logger *zap.Logger, source TokenSource, interval, skew time.Duration) *TokenRefresher {
	return &TokenRefresher{
		logger:   logger,
		source:   source,
		interval: interval,
		skew:     skew,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is cancelled or Stop is called.
func (r *TokenRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("token_refresher.started",
		zap.Duration("interval", r.interval),
		zap.Duration("skew", r.skew))

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("token_refresher.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("token_refresher.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the refresher. Safe to call more than once.
func (r *TokenRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *TokenRefresher) runOnce(ctx context.Context) {
	start := time.Now()

	var rec model.TokenRecord
	var err error
	if r.skew > 0 {
		rec, err = r.source.EnsureFresh(ctx, r.skew)
	} else {
		rec, err = r.source.Refresh(ctx)
	}

	switch {
	case err == nil:
		r.logger.Info("token_refresher.success",
			zap.Time("expires_at", rec.ExpiresAt),
			zap.Duration("duration", time.Since(start)))
	case errors.Is(err, intuit.ErrNotConfigured), errors.Is(err, intuit.ErrUnauthenticated):
		r.logger.Debug("token_refresher.skipped", zap.Error(err))
	case errors.Is(err, context.Canceled):
		return
	default:
		r.logger.Error("token_refresher.refresh_failed", zap.Error(err))
	}
}

package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stablefi/crypto"
	"stablefi/native/vault"
)

// Upkeeper is a vault the keeper polls.
type Upkeeper interface {
	Address() crypto.Address
	NeedsUpkeep() bool
	PerformUpkeep() (*vault.TopUpResult, error)
}

// Source lists the vaults to poll on each tick.
type Source interface {
	Upkeepers() []Upkeeper
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []Upkeeper

// Upkeepers implements Source.
func (f SourceFunc) Upkeepers() []Upkeeper { return f() }

// Report summarises one tick.
type Report struct {
	Checked   int
	Performed int
	Partial   int
	Failed    int
	Deferred  int
}

// Keeper periodically checks vaults and tops up the ones in danger. It never
// retries a failed upkeep within a tick; the next tick re-evaluates.
type Keeper struct {
	logger     *slog.Logger
	source     Source
	interval   time.Duration
	limiter    *rate.Limiter
	maxPerTick int
	once       sync.Once
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithRateLimit bounds how many upkeeps run per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(k *Keeper) {
		if perSecond > 0 && burst > 0 {
			k.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxPerTick caps upkeeps per tick. Vaults over the cap are deferred to
// the next tick.
func WithMaxPerTick(n int) Option {
	return func(k *Keeper) {
		k.maxPerTick = n
	}
}

// New constructs a keeper polling source every interval.
func New(source Source, interval time.Duration, opts ...Option) (*Keeper, error) {
	if source == nil {
		return nil, fmt.Errorf("keeper: source required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("keeper: interval must be positive")
	}
	k := &Keeper{
		logger:   slog.Default(),
		source:   source,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k, nil
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.once.Do(func() {
		k.logger.Info("keeper started", slog.Duration("interval", k.interval))
	})
	for {
		if _, err := k.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Warn("keeper tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick checks every vault once and performs the upkeeps that are still
// needed.
func (k *Keeper) Tick(ctx context.Context) (Report, error) {
	var report Report
	for _, target := range k.source.Upkeepers() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		if !target.NeedsUpkeep() {
			continue
		}
		if k.maxPerTick > 0 && report.Performed+report.Failed >= k.maxPerTick {
			report.Deferred++
			continue
		}
		if err := k.limiter.Wait(ctx); err != nil {
			return report, err
		}
		result, err := target.PerformUpkeep()
		switch {
		case err != nil:
			report.Failed++
			k.logger.Warn("upkeep failed",
				slog.String("vault", target.Address().String()),
				slog.Any("error", err))
		case result == nil:
			// conditions cleared between the check and the upkeep
		default:
			report.Performed++
			if result.Partial {
				report.Partial++
			}
			k.logger.Info("vault topped up",
				slog.String("vault", target.Address().String()),
				slog.Bool("partial", result.Partial),
				slog.String("remainingUsd", result.Remaining.String()))
		}
	}
	if report.Performed > 0 || report.Failed > 0 {
		k.logger.Debug("keeper tick",
			slog.Int("checked", report.Checked),
			slog.Int("performed", report.Performed),
			slog.Int("failed", report.Failed),
			slog.Int("deferred", report.Deferred))
	}
	return report, nil
}

package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tutor-gate/api/internal/ratelimit"
	"tutor-gate/api/internal/reputation"
)

// EventPurger trims the audit table (store.EventRepo).
type EventPurger interface {
	PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Options struct {
	Interval time.Duration
	// Horizon is how long an idle, non-blacklisted client is remembered. Zero keeps everyone.
	Horizon    time.Duration
	Limiter    ratelimit.Limiter
	Reputation *reputation.Store
	Events     EventPurger
	Now        func() time.Time
	Logger     *zap.Logger
}

// Janitor periodically drops idle rate-limit windows and reputation records and flushes pending writes.
type Janitor struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{opts: opts, log: log.With(zap.String("component", "retention"))}
}

// Run ticks until ctx is done; a final flush runs on the way out.
func (j *Janitor) Run(ctx context.Context) error {
	t := time.NewTicker(j.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := j.opts.Reputation.Flush(fctx); err != nil {
				j.log.Warn("final flush", zap.Error(err))
			}
			return nil
		case <-t.C:
			j.Tick(ctx)
		}
	}
}

type Result struct {
	Windows int
	Clients int
	Events  int64
	Flushed int
}

// Tick runs one sweep. Errors are logged; the next tick retries.
func (j *Janitor) Tick(ctx context.Context) Result {
	var res Result
	var err error

	if j.opts.Limiter != nil {
		if res.Windows, err = j.opts.Limiter.Sweep(ctx); err != nil {
			j.log.Warn("sweep rate-limit windows", zap.Error(err))
		}
	}
	if j.opts.Horizon > 0 {
		if res.Clients, err = j.opts.Reputation.Sweep(ctx, j.opts.Now().Add(-j.opts.Horizon)); err != nil {
			j.log.Warn("sweep reputation", zap.Error(err))
		}
		if j.opts.Events != nil {
			if res.Events, err = j.opts.Events.PurgeOlderThan(ctx, j.opts.Horizon); err != nil {
				j.log.Warn("purge events", zap.Error(err))
			}
		}
	}
	if res.Flushed, err = j.opts.Reputation.Flush(ctx); err != nil {
		j.log.Warn("flush reputation", zap.Error(err))
	}

	j.log.Debug("retention tick",
		zap.Int("windows", res.Windows),
		zap.Int("clients", res.Clients),
		zap.Int64("events", res.Events),
		zap.Int("flushed", res.Flushed))
	return res
}

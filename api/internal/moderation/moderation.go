package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tutor-gate/api/internal/classifier"
	"tutor-gate/api/internal/verdict"
	"tutor-gate/api/internal/workpool"
)

// Call outcomes reported to the Observer.
const (
	OutcomeAllowed     = "allowed"
	OutcomeBlocked     = "blocked"
	OutcomeError       = "error"
	OutcomeCanceled    = "canceled"
	OutcomeBreakerOpen = "breaker_open"
)

// Observer receives one event per classifier call (after retries).
type Observer interface {
	ClassifierCall(stage verdict.Stage, outcome string, took time.Duration)
}

type Options struct {
	Timeout time.Duration
	// RetryDelay is the pause before the single retry.
	RetryDelay time.Duration
	// QPS and Burst bound outbound classifier calls across all requests.
	QPS   float64
	Burst int
	// Pool bounds concurrent in-flight classifier calls; nil means unbounded.
	Pool     *workpool.Pool
	Observer Observer
	Logger   *zap.Logger
}

// Moderator runs the safety and relevance stages in order.
type Moderator struct {
	cls        classifier.Classifier
	timeout    time.Duration
	retryDelay time.Duration
	budget     *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	pool       *workpool.Pool
	obs        Observer
	log        *zap.Logger
}

func New(cls classifier.Classifier, opts Options) *Moderator {
	m := &Moderator{
		cls:        cls,
		timeout:    opts.Timeout,
		retryDelay: opts.RetryDelay,
		pool:       opts.Pool,
		obs:        opts.Observer,
		log:        opts.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = 8 * time.Second
	}
	if m.retryDelay <= 0 {
		m.retryDelay = 200 * time.Millisecond
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.With(zap.String("component", "moderation"), zap.String("provider", cls.Name()))

	if opts.QPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		m.budget = rate.NewLimiter(rate.Limit(opts.QPS), burst)
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier-" + cls.Name(),
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a client walking away is not a provider failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn("classifier breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return m
}

// Moderate returns an allow verdict or the first rejection. Relevance only runs after safety passed.
func (m *Moderator) Moderate(ctx context.Context, text string, image []byte, mime string) verdict.Verdict {
	var trail []verdict.Moderation

	for _, st := range []struct {
		stage    verdict.Stage
		category verdict.Category
	}{
		{verdict.StageSafety, verdict.UnsafeContent},
		{verdict.StageRelevance, verdict.IrrelevantContent},
	} {
		in := classifier.Input{Stage: st.stage, Text: text, Image: image, MIME: mime}
		res, err := m.classify(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				v := verdict.Reject(st.stage, verdict.Canceled, fmt.Sprintf("%s canceled: %v", st.stage, ctx.Err()))
				v.Moderation = trail
				return v
			}
			v := verdict.Reject(verdict.StageUpstream, verdict.UpstreamError, fmt.Sprintf("%s classifier: %v", st.stage, err))
			v.Moderation = trail
			return v
		}

		trail = append(trail, verdict.Moderation{
			Stage:      st.stage,
			Allowed:    res.Allowed,
			Reason:     res.Label,
			Confidence: res.Confidence,
			TokensUsed: res.TokensUsed,
			Model:      res.Model,
		})
		if !res.Allowed {
			v := verdict.Reject(st.stage, st.category,
				fmt.Sprintf("%s: label=%s confidence=%.2f model=%s", st.stage, res.Label, res.Confidence, res.Model))
			v.Moderation = trail
			return v
		}
	}
	return verdict.Allow(trail)
}

// Ping checks the provider through the breaker so an open breaker reports unhealthy without a call.
func (m *Moderator) Ping(ctx context.Context) error {
	if m.breaker.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	return m.cls.Ping(ctx)
}

// BreakerState exposes the breaker for health output.
func (m *Moderator) BreakerState() string { return m.breaker.State().String() }

// classify makes one call plus at most one retry of a transient failure.
func (m *Moderator) classify(ctx context.Context, in classifier.Input) (classifier.Result, error) {
	start := time.Now()
	var res classifier.Result

	b := retry.WithMaxRetries(1, retry.NewConstant(m.retryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		r, err := m.once(ctx, in)
		if err == nil {
			res = r
			return nil
		}
		if ctx.Err() == nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) &&
			classifier.Retryable(err) {
			m.log.Debug("retrying classifier call", zap.String("stage", string(in.Stage)), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})

	m.observe(ctx, in.Stage, res, err, time.Since(start))
	return res, err
}

func (m *Moderator) once(ctx context.Context, in classifier.Input) (classifier.Result, error) {
	if m.budget != nil {
		if err := m.budget.Wait(ctx); err != nil {
			return classifier.Result{}, fmt.Errorf("classifier budget: %w", err)
		}
	}
	if m.pool != nil {
		release, err := m.pool.Acquire(ctx)
		if err != nil {
			return classifier.Result{}, fmt.Errorf("classifier pool: %w", err)
		}
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.breaker.Execute(func() (interface{}, error) {
		return m.cls.Classify(callCtx, in)
	})
	if err != nil {
		return classifier.Result{}, err
	}
	return out.(classifier.Result), nil
}

func (m *Moderator) observe(ctx context.Context, stage verdict.Stage, res classifier.Result, err error, took time.Duration) {
	outcome := OutcomeAllowed
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = OutcomeCanceled
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = OutcomeBreakerOpen
	case err != nil:
		outcome = OutcomeError
		m.log.Warn("classifier call failed", zap.String("stage", string(stage)), zap.Duration("took", took), zap.Error(err))
	case !res.Allowed:
		outcome = OutcomeBlocked
	}
	if m.obs != nil {
		m.obs.ClassifierCall(stage, outcome, took)
	}
}

package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tutor-gate/api/internal/imagequality"
	"tutor-gate/api/internal/metrics"
	"tutor-gate/api/internal/ratelimit"
	"tutor-gate/api/internal/reputation"
	"tutor-gate/api/internal/requestgate"
	"tutor-gate/api/internal/verdict"
	"tutor-gate/api/internal/workpool"
)

// Request is what the pipeline needs from one inbound request.
type Request struct {
	ID         string
	ClientAddr string
	// Path is the escaped URL path without the query.
	Path      string
	Query     string
	UserAgent string
	Message   string
	Image     []byte
	MIME      string
}

// Moderator runs the classifier stages.
type Moderator interface {
	Moderate(ctx context.Context, text string, image []byte, mime string) verdict.Verdict
}

type Options struct {
	Limiter    ratelimit.Limiter
	Reputation *reputation.Store
	Assessor   *imagequality.Assessor
	Moderator  Moderator
	// ImagePool bounds concurrent image analysis; defaults to GOMAXPROCS slots.
	ImagePool *workpool.Pool
	// Events receives rejections for audit; nil disables it.
	Events                 EventSink
	BlockScannerUserAgents bool
	Metrics                *metrics.Metrics
	Logger                 *zap.Logger
}

// Pipeline sequences the defenses and produces one verdict per request.
type Pipeline struct {
	limiter     ratelimit.Limiter
	rep         *reputation.Store
	assessor    *imagequality.Assessor
	moderator   Moderator
	imagePool   *workpool.Pool
	audit       *auditor
	blockAgents bool
	metrics     *metrics.Metrics
	log         *zap.Logger

	total    atomic.Uint64
	allowed  atomic.Uint64
	rejected map[verdict.Category]*atomic.Uint64
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		limiter:     opts.Limiter,
		rep:         opts.Reputation,
		assessor:    opts.Assessor,
		moderator:   opts.Moderator,
		imagePool:   opts.ImagePool,
		blockAgents: opts.BlockScannerUserAgents,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		rejected:    make(map[verdict.Category]*atomic.Uint64, len(verdict.Categories)),
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	p.log = p.log.With(zap.String("component", "pipeline"))
	if p.assessor == nil {
		p.assessor = imagequality.New(imagequality.DefaultThresholds())
	}
	if p.imagePool == nil {
		p.imagePool = workpool.New("image", runtime.GOMAXPROCS(0))
	}
	if opts.Events != nil {
		p.audit = newAuditor(opts.Events, p.log)
	}
	for _, c := range verdict.Categories {
		p.rejected[c] = new(atomic.Uint64)
	}
	return p
}

// Handle runs every stage in order and stops at the first rejection.
func (p *Pipeline) Handle(ctx context.Context, req Request) (v verdict.Verdict) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic",
				zap.String("request_id", req.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			v = verdict.Reject(verdict.StageInternal, verdict.InternalError, fmt.Sprintf("panic: %v", r))
		}
		p.finish(req, v, time.Since(start))
	}()

	if v, done := p.screen(ctx, req); done {
		return v
	}
	var advice *verdict.QualityGuidance
	if len(req.Image) > 0 {
		v, done := p.checkImage(ctx, req)
		if done {
			return v
		}
		advice = v.Advice
	}

	v = p.moderator.Moderate(ctx, req.Message, req.Image, req.MIME)
	if !v.Allowed && v.Category.Violation() {
		return p.violation(ctx, req, v)
	}
	if v.Allowed {
		v.Advice = advice
	}
	return v
}

// Screen runs the request gate, blacklist and rate limit only. Non-chat paths use it.
// A zero-stage allow verdict means the request may proceed.
func (p *Pipeline) Screen(ctx context.Context, req Request) (v verdict.Verdict) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic", zap.String("request_id", req.ID), zap.Any("panic", r), zap.Stack("stack"))
			v = verdict.Reject(verdict.StageInternal, verdict.InternalError, fmt.Sprintf("panic: %v", r))
		}
		if !v.Allowed {
			p.finish(req, v, time.Since(start))
		}
	}()
	if v, done := p.screen(ctx, req); done {
		return v
	}
	return verdict.Allow(nil)
}

func (p *Pipeline) screen(ctx context.Context, req Request) (verdict.Verdict, bool) {
	if err := ctx.Err(); err != nil {
		return canceled(verdict.StageRequestGate, err), true
	}
	p.rep.Touch(req.ClientAddr)

	t := time.Now()
	d := requestgate.Classify(req.Path, gatePayload(req))
	if !d.Blocked && p.blockAgents {
		d = requestgate.ClassifyUserAgent(req.UserAgent)
	}
	p.metrics.StageTook(verdict.StageRequestGate, time.Since(t))
	if d.Blocked {
		return p.violation(ctx, req, verdict.Reject(verdict.StageRequestGate, verdict.MalformedPath, d.Reason)), true
	}

	if p.rep.IsBlacklisted(req.ClientAddr) {
		rec, _ := p.rep.Stats(req.ClientAddr)
		return verdict.Reject(verdict.StageBlacklist, verdict.Blacklisted,
			fmt.Sprintf("client blacklisted: %s", rec.BlacklistReason)), true
	}

	t = time.Now()
	dec, err := p.limiter.Admit(ctx, req.ClientAddr)
	p.metrics.StageTook(verdict.StageRateLimit, time.Since(t))
	if err != nil {
		if ctx.Err() != nil {
			return canceled(verdict.StageRateLimit, ctx.Err()), true
		}
		return verdict.Reject(verdict.StageRateLimit, verdict.UpstreamError, fmt.Sprintf("rate limiter: %v", err)), true
	}
	if !dec.Admitted {
		v := verdict.Reject(verdict.StageRateLimit, verdict.RateLimited,
			fmt.Sprintf("%d requests in window, retry after %s", dec.InWindow, dec.RetryAfter))
		v.RetryAfter = dec.RetryAfter
		return v, true
	}
	return verdict.Verdict{}, false
}

func (p *Pipeline) checkImage(ctx context.Context, req Request) (verdict.Verdict, bool) {
	t := time.Now()
	rep, err := workpool.Run(ctx, p.imagePool, func() imagequality.Report {
		return p.assessor.Assess(req.Image)
	})
	p.metrics.StageTook(verdict.StageImageQuality, time.Since(t))
	if err != nil {
		return canceled(verdict.StageImageQuality, err), true
	}
	var advice *verdict.QualityGuidance
	if len(rep.Advisories) > 0 {
		advice = &verdict.QualityGuidance{Issues: rep.Advisories, Recommendations: rep.AdvisoryRecommendations}
	}
	if !rep.HardGateFailed() {
		return verdict.Verdict{Advice: advice}, false
	}
	p.metrics.ImageIssues(rep.IssueKeys())
	v := verdict.Reject(verdict.StageImageQuality, verdict.ImageQualityInsufficient,
		fmt.Sprintf("image %dx%d %s: %s", rep.Width, rep.Height, rep.Format, strings.Join(rep.Issues, "; ")))
	v.Quality = &verdict.QualityGuidance{Issues: rep.Issues, Recommendations: rep.Recommendations}
	v.Advice = advice
	return v, true
}

// violation records the rejection against the client. A request whose context is already
// done commits nothing and is reported as canceled.
func (p *Pipeline) violation(ctx context.Context, req Request, v verdict.Verdict) verdict.Verdict {
	if err := ctx.Err(); err != nil {
		return canceled(v.Stage, err)
	}
	if _, err := p.rep.RecordViolation(ctx, req.ClientAddr, v.InternalReason); err != nil {
		p.log.Warn("reputation write failed", zap.String("client", req.ClientAddr), zap.Error(err))
	}
	return v
}

func (p *Pipeline) finish(req Request, v verdict.Verdict, took time.Duration) {
	p.total.Add(1)
	p.metrics.Verdict(v.Category)

	fields := []zap.Field{
		zap.String("request_id", req.ID),
		zap.String("client", req.ClientAddr),
		zap.String("path", req.Path),
		zap.String("stage", string(v.Stage)),
		zap.Duration("took", took),
	}
	if v.Allowed {
		p.allowed.Add(1)
		p.log.Info("request allowed", fields...)
		return
	}
	if c, ok := p.rejected[v.Category]; ok {
		c.Add(1)
	}
	fields = append(fields,
		zap.String("category", string(v.Category)),
		zap.String("reason", v.InternalReason),
		zap.Int("status", v.HTTPStatus))
	if v.RetryAfter > 0 {
		fields = append(fields, zap.Duration("retry_after", v.RetryAfter))
	}
	switch {
	case v.Category == verdict.InternalError:
		p.log.Error("request rejected", fields...)
	case v.Category.SecurityRelevant():
		p.log.Warn("request rejected", fields...)
	default:
		p.log.Info("request rejected", fields...)
	}

	if p.audit != nil && v.Category != verdict.Canceled {
		p.audit.enqueue(req, v)
	}
}

func canceled(stage verdict.Stage, err error) verdict.Verdict {
	return verdict.Reject(stage, verdict.Canceled, fmt.Sprintf("client gone: %v", err))
}

// gatePayload is the text the payload signatures see: decoded query plus message.
func gatePayload(req Request) []byte {
	q := req.Query
	if q == "" {
		return []byte(req.Message)
	}
	if u, err := url.QueryUnescape(q); err == nil {
		q = u
	}
	return []byte(q + "\n" + req.Message)
}

// Stats is the per-category view used by the admin API.
type Stats struct {
	Total        uint64            `json:"total"`
	Allowed      uint64            `json:"allowed"`
	Rejected     map[string]uint64 `json:"rejected"`
	AuditDropped uint64            `json:"audit_dropped,omitempty"`
}

func (p *Pipeline) Stats() Stats {
	s := Stats{
		Total:    p.total.Load(),
		Allowed:  p.allowed.Load(),
		Rejected: make(map[string]uint64, len(p.rejected)),
	}
	for c, n := range p.rejected {
		s.Rejected[string(c)] = n.Load()
	}
	if p.audit != nil {
		s.AuditDropped = p.audit.dropped.Load()
	}
	return s
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor-gate/api/internal/classifier"
	"tutor-gate/api/internal/classifier/classifiertest"
	"tutor-gate/api/internal/moderation"
	"tutor-gate/api/internal/ratelimit"
	"tutor-gate/api/internal/reputation"
	"tutor-gate/api/internal/store"
	"tutor-gate/api/internal/verdict"
)

const client = "203.0.113.7"

var (
	safe       = classifiertest.Reply{Result: classifier.Result{Allowed: true, Label: "SAFE", Confidence: 0.9}}
	relevant   = classifiertest.Reply{Result: classifier.Result{Allowed: true, Label: "RELEVANT", Confidence: 0.9}}
	irrelevant = classifiertest.Reply{Result: classifier.Result{Allowed: false, Label: "IRRELEVANT", Confidence: 0.9}}
)

type fixture struct {
	p   *Pipeline
	cls *classifiertest.Fake
	rep *reputation.Store
	now time.Time
}

func newFixture(t *testing.T, cls *classifiertest.Fake, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{cls: cls, now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.rep = reputation.New(reputation.Options{Threshold: 5, Now: clock})
	opts := Options{
		Limiter:    ratelimit.NewMemory(ratelimit.Options{Window: time.Minute, MaxRequests: 20, Now: clock}),
		Reputation: f.rep,
		Moderator:  moderation.New(cls, moderation.Options{Timeout: time.Second, RetryDelay: time.Millisecond}),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.p = New(opts)
	return f
}

func chat(msg string) Request {
	return Request{ID: "req", ClientAddr: client, Path: "/api/chat", Message: msg}
}

func violations(t *testing.T, rep *reputation.Store) uint {
	t.Helper()
	rec, ok := rep.Stats(client)
	require.True(t, ok)
	return rec.ViolationCount
}

// tilePhoto draws light tile-sized rectangles on a dark table.
func tilePhoto(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 40
	}
	for _, x0 := range []int{40, 140, 240} {
		for y := 100; y < 180; y++ {
			for x := x0; x < x0+60 && x < w && y < h; x++ {
				img.SetGray(x, y, color.Gray{Y: 250})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHandle_AllowsCleanRequest(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	v := f.p.Handle(context.Background(), chat("how do I score a pung?"))

	assert.True(t, v.Allowed)
	assert.Equal(t, 200, v.HTTPStatus)
	assert.Equal(t, []verdict.Stage{verdict.StageSafety, verdict.StageRelevance}, f.cls.Stages())
	assert.Equal(t, uint64(1), f.p.Stats().Allowed)
}

func TestHandle_TwentyFirstRequestRateLimited(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.True(t, f.p.Handle(ctx, chat("what is a kong?")).Allowed, "request %d", i+1)
		f.now = f.now.Add(time.Second)
	}
	v := f.p.Handle(ctx, chat("what is a kong?"))

	assert.Equal(t, verdict.RateLimited, v.Category)
	assert.Equal(t, 429, v.HTTPStatus)
	assert.Equal(t, 40*time.Second, v.RetryAfter)
	assert.Equal(t, 40, v.PublicBody().RetryAfterSeconds)
	assert.Equal(t, uint(0), violations(t, f.rep), "rate limiting is not a violation")
	assert.Len(t, f.cls.Calls(), 40)
}

func TestHandle_MalformedPath(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	req := chat("hello")
	req.Path = "/wp-admin/setup.php"

	v := f.p.Handle(context.Background(), req)

	assert.Equal(t, verdict.MalformedPath, v.Category)
	assert.Equal(t, verdict.StageRequestGate, v.Stage)
	assert.Equal(t, 400, v.HTTPStatus)
	assert.Equal(t, verdict.PublicNotAllowed, v.PublicBody().Error)
	assert.Equal(t, "filter", v.PublicBody().FilterStage)
	assert.Contains(t, v.InternalReason, "cms-path")
	assert.Empty(t, f.cls.Calls())
	assert.Equal(t, uint(1), violations(t, f.rep))
}

func TestHandle_MaliciousQuery(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	req := chat("hello")
	req.Query = "file=..%2F..%2Fetc%2Fpasswd"

	v := f.p.Handle(context.Background(), req)
	assert.Equal(t, verdict.MalformedPath, v.Category)
}

func TestHandle_ScannerUserAgent(t *testing.T) {
	req := chat("hello")
	req.UserAgent = "sqlmap/1.7"

	off := newFixture(t, classifiertest.Allowing())
	assert.True(t, off.p.Handle(context.Background(), req).Allowed)

	on := newFixture(t, classifiertest.Allowing(), func(o *Options) { o.BlockScannerUserAgents = true })
	v := on.p.Handle(context.Background(), req)
	assert.Equal(t, verdict.MalformedPath, v.Category)
	assert.Contains(t, v.InternalReason, "sqlmap")
}

func TestHandle_LowResolutionImageSkipsClassifier(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	req := chat("what hand is this?")
	req.Image = tilePhoto(t, 200, 200)
	req.MIME = "image/png"

	v := f.p.Handle(context.Background(), req)

	assert.Equal(t, verdict.ImageQualityInsufficient, v.Category)
	assert.Equal(t, 422, v.HTTPStatus)
	require.NotNil(t, v.Quality)
	require.NotEmpty(t, v.Quality.Issues)
	assert.Contains(t, v.Quality.Issues[0], "low resolution")
	assert.NotEmpty(t, v.PublicBody().Recommendations)
	assert.Empty(t, f.cls.Calls(), "classifier must not be called")
	assert.Equal(t, uint(0), violations(t, f.rep), "image quality is not a violation")
}

func TestHandle_GoodImageReachesClassifier(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	req := chat("what hand is this?")
	req.Image = tilePhoto(t, 400, 400)

	v := f.p.Handle(context.Background(), req)
	assert.True(t, v.Allowed, v.InternalReason)
	assert.Nil(t, v.Advice)
	for _, c := range f.cls.Calls() {
		assert.Equal(t, req.Image, c.Image)
	}
}

// stripedPhoto is sharp and well exposed but has no tile-shaped regions.
func stripedPhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 400, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			v := uint8(60)
			if x/2%2 == 1 {
				v = 200
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHandle_TileAdvisoryRidesOnAllowedVerdict(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	req := chat("is this a winning hand?")
	req.Image = stripedPhoto(t)
	req.MIME = "image/png"

	v := f.p.Handle(context.Background(), req)

	require.True(t, v.Allowed, v.InternalReason)
	require.NotNil(t, v.Advice)
	assert.Equal(t, []string{"no clear Mahjong tiles detected"}, v.Advice.Issues)
	assert.Equal(t, []string{"Please ensure Mahjong tiles are clearly visible in the image"}, v.Advice.Recommendations)
	assert.NotEmpty(t, f.cls.Calls())
}

func TestHandle_TileAdvisoryDroppedWhenModerationRejects(t *testing.T) {
	f := newFixture(t, classifiertest.New().On(verdict.StageSafety, safe).On(verdict.StageRelevance, irrelevant))
	req := chat("write my essay")
	req.Image = stripedPhoto(t)

	v := f.p.Handle(context.Background(), req)
	assert.Equal(t, verdict.IrrelevantContent, v.Category)
	assert.Nil(t, v.Advice)
}

func TestHandle_FiveIrrelevantThenBlacklisted(t *testing.T) {
	f := newFixture(t, classifiertest.New().On(verdict.StageSafety, safe).On(verdict.StageRelevance, irrelevant))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v := f.p.Handle(ctx, chat("write my history essay"))
		require.Equal(t, verdict.IrrelevantContent, v.Category, "request %d", i+1)
		assert.Equal(t, 403, v.HTTPStatus)
	}
	calls := len(f.cls.Calls())
	assert.Equal(t, 10, calls)

	v := f.p.Handle(ctx, chat("what is a kong?"))
	assert.Equal(t, verdict.Blacklisted, v.Category)
	assert.Equal(t, verdict.StageBlacklist, v.Stage)
	assert.Equal(t, 403, v.HTTPStatus)
	assert.Equal(t, verdict.PublicNotAllowed, v.PublicReason)
	assert.Equal(t, calls, len(f.cls.Calls()), "blacklisted clients never reach the classifier")
	assert.Equal(t, uint(5), violations(t, f.rep), "blacklisted requests are not re-counted")

	stats := f.p.Stats()
	assert.Equal(t, uint64(5), stats.Rejected[string(verdict.IrrelevantContent)])
	assert.Equal(t, uint64(1), stats.Rejected[string(verdict.Blacklisted)])
}

func TestHandle_BlacklistCheckedBeforeRateLimit(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	_, err := f.rep.Blacklist(context.Background(), client, "abuse")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		v := f.p.Handle(context.Background(), chat("hi"))
		require.Equal(t, verdict.Blacklisted, v.Category)
		require.Contains(t, v.InternalReason, "abuse")
	}
}

func TestHandle_UpstreamErrorIsNotViolation(t *testing.T) {
	outage := classifiertest.Reply{Err: &classifier.StatusError{Provider: "fake", Code: 503}}
	f := newFixture(t, classifiertest.New().On(verdict.StageSafety, outage))

	v := f.p.Handle(context.Background(), chat("hi"))
	assert.Equal(t, verdict.UpstreamError, v.Category)
	assert.Equal(t, 503, v.HTTPStatus)
	assert.Equal(t, uint(0), violations(t, f.rep))
}

func TestHandle_CancelDoesNotTouchReputation(t *testing.T) {
	f := newFixture(t, classifiertest.New().On(verdict.StageSafety, classifiertest.Reply{Block: true}))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	v := f.p.Handle(ctx, chat("hi"))
	assert.Equal(t, verdict.Canceled, v.Category)
	assert.Equal(t, uint(0), violations(t, f.rep))
}

func TestHandle_CanceledBeforeStartLeavesClientUntracked(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := f.p.Handle(ctx, chat("hi"))
	assert.Equal(t, verdict.Canceled, v.Category)
	_, ok := f.rep.Stats(client)
	assert.False(t, ok, "a request canceled before screening must not create a record")
	assert.Empty(t, f.cls.Calls())
}

type moderatorFunc func(ctx context.Context, text string, image []byte, mime string) verdict.Verdict

func (fn moderatorFunc) Moderate(ctx context.Context, text string, image []byte, mime string) verdict.Verdict {
	return fn(ctx, text, image, mime)
}

func TestHandle_VerdictAfterDisconnectCommitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, classifiertest.Allowing(), func(o *Options) {
		o.Moderator = moderatorFunc(func(context.Context, string, []byte, string) verdict.Verdict {
			cancel()
			return verdict.Reject(verdict.StageRelevance, verdict.IrrelevantContent, "relevance: label=IRRELEVANT")
		})
	})

	v := f.p.Handle(ctx, chat("essay please"))
	assert.Equal(t, verdict.Canceled, v.Category)
	assert.Equal(t, uint(0), violations(t, f.rep))
}

func TestHandle_PanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing(), func(o *Options) {
		o.Moderator = moderatorFunc(func(context.Context, string, []byte, string) verdict.Verdict {
			panic("boom")
		})
	})

	v := f.p.Handle(context.Background(), chat("hi"))
	assert.Equal(t, verdict.InternalError, v.Category)
	assert.Equal(t, 500, v.HTTPStatus)
	assert.Equal(t, verdict.PublicInternal, v.PublicReason)
	assert.Contains(t, v.InternalReason, "boom")
}

func TestScreen(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	ctx := context.Background()

	v := f.p.Screen(ctx, Request{ClientAddr: client, Path: "/favicon.ico"})
	assert.True(t, v.Allowed)

	v = f.p.Screen(ctx, Request{ClientAddr: client, Path: "/.env"})
	assert.Equal(t, verdict.MalformedPath, v.Category)
	assert.Empty(t, f.cls.Calls())
	assert.Equal(t, uint64(1), f.p.Stats().Total, "only rejections are counted by Screen")
}

type memSink struct {
	mu     sync.Mutex
	events []store.Event
	err    error
}

func (s *memSink) Insert(_ context.Context, e store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRunAudit_WritesRejections(t *testing.T) {
	sink := &memSink{}
	f := newFixture(t, classifiertest.Allowing(), func(o *Options) { o.Events = sink })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.RunAudit(ctx) }()

	req := chat("hi")
	req.Path = "/phpmyadmin/index.php"
	f.p.Handle(ctx, req)
	f.p.Handle(ctx, chat("fine"))

	assert.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	f.p.CloseAudit()
	require.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, string(verdict.MalformedPath), sink.events[0].Category)
	assert.Equal(t, client, sink.events[0].ClientAddr)
}

func TestRunAudit_DisabledReturns(t *testing.T) {
	f := newFixture(t, classifiertest.Allowing())
	assert.NoError(t, f.p.RunAudit(context.Background()))
}

func TestRunAudit_SinkErrorsAreLogged(t *testing.T) {
	sink := &memSink{err: errors.New("db down")}
	f := newFixture(t, classifiertest.Allowing(), func(o *Options) { o.Events = sink })

	req := chat("hi")
	req.Path = "/.git/config"
	f.p.Handle(context.Background(), req)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.p.CloseAudit()
	require.NoError(t, f.p.RunAudit(ctx))
	assert.Equal(t, 1, sink.len(), "queued events are flushed on shutdown")
}

func TestRunAudit_KeepsDrainingAfterCancelUntilClosed(t *testing.T) {
	sink := &memSink{}
	f := newFixture(t, classifiertest.Allowing(), func(o *Options) { o.Events = sink })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.RunAudit(ctx) }()
	cancel()

	// a request still in flight while the listener drains
	req := chat("hi")
	req.Path = "/wp-admin/setup.php"
	f.p.Handle(context.Background(), req)
	assert.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("audit stopped before the queue was closed")
	default:
	}
	f.p.CloseAudit()
	require.NoError(t, <-done)

	f.p.Handle(context.Background(), req)
	assert.Equal(t, uint64(1), f.p.Stats().AuditDropped, "events after close are counted, not sent")
	f.p.CloseAudit()
}

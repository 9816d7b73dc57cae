package moderation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor-gate/api/internal/classifier"
	"tutor-gate/api/internal/classifier/classifiertest"
	"tutor-gate/api/internal/verdict"
	"tutor-gate/api/internal/workpool"
)

var (
	safe       = classifiertest.Reply{Result: classifier.Result{Allowed: true, Label: "SAFE", Confidence: 0.9, Model: "m"}}
	unsafe     = classifiertest.Reply{Result: classifier.Result{Allowed: false, Label: "UNSAFE", Confidence: 0.9, Model: "m"}}
	relevant   = classifiertest.Reply{Result: classifier.Result{Allowed: true, Label: "RELEVANT", Confidence: 0.9}}
	irrelevant = classifiertest.Reply{Result: classifier.Result{Allowed: false, Label: "IRRELEVANT", Confidence: 0.9}}
	outage     = classifiertest.Reply{Err: &classifier.StatusError{Provider: "fake", Code: 503}}
	denied     = classifiertest.Reply{Err: &classifier.StatusError{Provider: "fake", Code: 401}}
)

type recorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recorder) ClassifierCall(stage verdict.Stage, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, string(stage)+":"+outcome)
	r.mu.Unlock()
}

func newModerator(f *classifiertest.Fake, obs Observer) *Moderator {
	return New(f, Options{Timeout: time.Second, RetryDelay: time.Millisecond, Observer: obs})
}

func TestModerate_AllowsAfterBothStages(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, safe).On(verdict.StageRelevance, relevant)
	v := newModerator(f, nil).Moderate(context.Background(), "what is a kong?", nil, "")

	assert.True(t, v.Allowed)
	assert.Equal(t, verdict.StageComplete, v.Stage)
	require.Len(t, v.Moderation, 2)
	assert.Equal(t, []verdict.Stage{verdict.StageSafety, verdict.StageRelevance}, f.Stages())
}

func TestModerate_UnsafeSkipsRelevance(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, unsafe).On(verdict.StageRelevance, relevant)
	v := newModerator(f, nil).Moderate(context.Background(), "bad", nil, "")

	assert.False(t, v.Allowed)
	assert.Equal(t, verdict.UnsafeContent, v.Category)
	assert.Equal(t, verdict.StageSafety, v.Stage)
	assert.Contains(t, v.InternalReason, "UNSAFE")
	assert.Equal(t, []verdict.Stage{verdict.StageSafety}, f.Stages())
}

func TestModerate_Irrelevant(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, safe).On(verdict.StageRelevance, irrelevant)
	v := newModerator(f, nil).Moderate(context.Background(), "write my essay", nil, "")

	assert.Equal(t, verdict.IrrelevantContent, v.Category)
	assert.Equal(t, verdict.StageRelevance, v.Stage)
	assert.Len(t, v.Moderation, 2)
}

func TestModerate_RetriesTransientOnce(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, outage, safe).On(verdict.StageRelevance, relevant)
	rec := &recorder{}
	v := newModerator(f, rec).Moderate(context.Background(), "hi", nil, "")

	assert.True(t, v.Allowed)
	assert.Equal(t, []verdict.Stage{verdict.StageSafety, verdict.StageSafety, verdict.StageRelevance}, f.Stages())
	assert.Equal(t, []string{"safety:allowed", "relevance:allowed"}, rec.outcomes)
}

func TestModerate_UpstreamErrorAfterOneRetry(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, outage)
	rec := &recorder{}
	v := newModerator(f, rec).Moderate(context.Background(), "hi", nil, "")

	assert.False(t, v.Allowed)
	assert.Equal(t, verdict.UpstreamError, v.Category)
	assert.Equal(t, verdict.StageUpstream, v.Stage)
	assert.Len(t, f.Calls(), 2)
	assert.Equal(t, []string{"safety:error"}, rec.outcomes)
}

func TestModerate_NoRetryOnPermanentError(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, denied)
	v := newModerator(f, nil).Moderate(context.Background(), "hi", nil, "")

	assert.Equal(t, verdict.UpstreamError, v.Category)
	assert.Len(t, f.Calls(), 1)
}

func TestModerate_TimeoutIsUpstreamError(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, classifiertest.Reply{Block: true})
	m := New(f, Options{Timeout: 20 * time.Millisecond, RetryDelay: time.Millisecond})

	v := m.Moderate(context.Background(), "hi", nil, "")
	assert.Equal(t, verdict.UpstreamError, v.Category)
	assert.Contains(t, v.InternalReason, "deadline")
}

func TestModerate_ClientCancelIsCanceled(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, classifiertest.Reply{Block: true})
	rec := &recorder{}
	m := New(f, Options{Timeout: time.Minute, RetryDelay: time.Millisecond, Observer: rec})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	v := m.Moderate(ctx, "hi", nil, "")
	assert.Equal(t, verdict.Canceled, v.Category)
	assert.Len(t, f.Calls(), 1)
	assert.Equal(t, []string{"safety:canceled"}, rec.outcomes)
}

func TestModerate_BreakerOpensAndFailsFast(t *testing.T) {
	f := classifiertest.New().On(verdict.StageSafety, outage)
	rec := &recorder{}
	m := newModerator(f, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Moderate(ctx, "hi", nil, "")
	}
	calls := len(f.Calls())
	assert.Equal(t, 5, calls, "breaker trips on the fifth consecutive failure")
	assert.Equal(t, "open", m.BreakerState())

	v := m.Moderate(ctx, "hi", nil, "")
	assert.Equal(t, verdict.UpstreamError, v.Category)
	assert.Equal(t, calls, len(f.Calls()))
	assert.Equal(t, "safety:breaker_open", rec.outcomes[len(rec.outcomes)-1])
	assert.Error(t, m.Ping(ctx))
}

func TestModerate_ImageForwarded(t *testing.T) {
	f := classifiertest.Allowing()
	img := []byte{0xFF, 0xD8, 1, 2}
	newModerator(f, nil).Moderate(context.Background(), "", img, "image/jpeg")

	for _, c := range f.Calls() {
		assert.Equal(t, img, c.Image)
		assert.Equal(t, "image/jpeg", c.MIME)
	}
}

func TestModerate_PoolBoundsInFlight(t *testing.T) {
	f := classifiertest.Allowing()
	pool := workpool.New("classifier", 1)
	m := New(f, Options{Timeout: time.Second, Pool: pool})

	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	v := m.Moderate(ctx, "hi", nil, "")
	assert.Equal(t, verdict.Canceled, v.Category)
	assert.Empty(t, f.Calls())
	release()

	v = m.Moderate(context.Background(), "hi", nil, "")
	assert.True(t, v.Allowed)
}

func TestModerate_BudgetExhaustedIsUpstreamError(t *testing.T) {
	f := classifiertest.Allowing()
	m := New(f, Options{Timeout: time.Second, RetryDelay: time.Millisecond, QPS: 0.001, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v := m.Moderate(ctx, "hi", nil, "")
	// burst of one covers the safety call only; the relevance wait would outlive the deadline
	assert.Equal(t, verdict.UpstreamError, v.Category)
	assert.Contains(t, v.InternalReason, "budget")
	assert.Equal(t, []verdict.Stage{verdict.StageSafety}, f.Stages())
}

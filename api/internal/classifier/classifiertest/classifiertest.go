// Package classifiertest provides a scripted classifier for tests.
package classifiertest

import (
	"context"
	"sync"

	"tutor-gate/api/internal/classifier"
	"tutor-gate/api/internal/verdict"
)

// Reply is what the fake returns for one stage.
type Reply struct {
	Result classifier.Result
	Err    error
	// Block waits for ctx cancellation before answering.
	Block bool
}

// Fake answers from per-stage scripts; the last reply of a script repeats.
type Fake struct {
	mu      sync.Mutex
	scripts map[verdict.Stage][]Reply
	calls   []classifier.Input
	PingErr error
}

func New() *Fake {
	return &Fake{scripts: map[verdict.Stage][]Reply{}}
}

// Allowing returns a fake that passes every stage.
func Allowing() *Fake {
	return New().
		On(verdict.StageSafety, Reply{Result: classifier.Result{Allowed: true, Label: "SAFE", Confidence: 0.9}}).
		On(verdict.StageRelevance, Reply{Result: classifier.Result{Allowed: true, Label: "RELEVANT", Confidence: 0.9}})
}

func (f *Fake) On(stage verdict.Stage, replies ...Reply) *Fake {
	f.mu.Lock()
	f.scripts[stage] = append(f.scripts[stage], replies...)
	f.mu.Unlock()
	return f
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Classify(ctx context.Context, in classifier.Input) (classifier.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	script := f.scripts[in.Stage]
	var r Reply
	switch len(script) {
	case 0:
		f.mu.Unlock()
		return classifier.Result{}, classifier.ErrEmptyResponse
	case 1:
		r = script[0]
	default:
		r = script[0]
		f.scripts[in.Stage] = script[1:]
	}
	f.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return classifier.Result{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return classifier.Result{}, err
	}
	return r.Result, r.Err
}

func (f *Fake) Ping(context.Context) error { return f.PingErr }

// Calls returns the inputs seen so far.
func (f *Fake) Calls() []classifier.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]classifier.Input(nil), f.calls...)
}

// Stages returns the stage of every call in order.
func (f *Fake) Stages() []verdict.Stage {
	var out []verdict.Stage
	for _, c := range f.Calls() {
		out = append(out, c.Stage)
	}
	return out
}

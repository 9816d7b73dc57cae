package workpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many callers run a kind of work at once.
type Pool struct {
	name  string
	size  int64
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

func New(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Size() int    { return int(p.size) }
func (p *Pool) InUse() int   { return int(p.inUse.Load()) }

// Acquire blocks until a slot is free or ctx is done. The returned func releases the slot.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.inUse.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			p.inUse.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

// TryAcquire takes a slot without waiting.
func (p *Pool) TryAcquire() (func(), bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.inUse.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			p.inUse.Add(-1)
			p.sem.Release(1)
		}
	}, true
}

// Run executes fn inside a slot.
func Run[T any](ctx context.Context, p *Pool, fn func() T) (T, error) {
	var zero T
	release, err := p.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()
	return fn(), nil
}

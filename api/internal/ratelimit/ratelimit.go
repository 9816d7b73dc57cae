package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	// RetryAfter is set on rejection: time until the oldest entry leaves the window, whole seconds, >= 1s.
	RetryAfter time.Duration
	// InWindow is the number of admitted requests in the window after this check.
	InWindow int
}

// Limiter is a per-client sliding-window admission check.
type Limiter interface {
	Admit(ctx context.Context, clientID string) (Decision, error)
	// Sweep drops windows with no entries left inside the window; returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

type Options struct {
	Window      time.Duration
	MaxRequests int
	Now         func() time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// Memory keeps windows in process, sharded by client key.
type Memory struct {
	window time.Duration
	max    int
	now    func() time.Time
	shards [shardCount]*shard
}

func NewMemory(opts Options) *Memory {
	m := &Memory{window: opts.Window, max: opts.MaxRequests, now: opts.Now}
	if m.now == nil {
		m.now = time.Now
	}
	for i := range m.shards {
		m.shards[i] = &shard{windows: make(map[string][]time.Time)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Admit(ctx context.Context, clientID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	s := m.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	ts := prune(s.windows[clientID], now.Add(-m.window))
	if len(ts) >= m.max {
		s.windows[clientID] = ts
		return Decision{
			RetryAfter: retryAfter(ts[0].Add(m.window).Sub(now)),
			InWindow:   len(ts),
		}, nil
	}
	ts = append(ts, now)
	s.windows[clientID] = ts
	return Decision{Admitted: true, InWindow: len(ts)}, nil
}

func (m *Memory) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.window)
	dropped := 0
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		s.mu.Lock()
		for k, ts := range s.windows {
			ts = prune(ts, cutoff)
			if len(ts) == 0 {
				delete(s.windows, k)
				dropped++
				continue
			}
			s.windows[k] = ts
		}
		s.mu.Unlock()
	}
	return dropped, nil
}

// Tracked returns the number of clients with a live window.
func (m *Memory) Tracked() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// prune drops entries with t <= cutoff; ts is ordered oldest first.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i, cap(ts)-i)
	copy(out, ts[i:])
	return out
}

func retryAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

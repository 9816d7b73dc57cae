package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tutor-gate/api/internal/store"
	"tutor-gate/api/internal/verdict"
)

const auditQueue = 1024

// EventSink persists rejection events (store.EventRepo in production).
type EventSink interface {
	Insert(ctx context.Context, e store.Event) error
}

// auditor decouples event writes from the request path; events are dropped when the queue is full
// or already closed.
type auditor struct {
	sink    EventSink
	ch      chan store.Event
	dropped atomic.Uint64
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func newAuditor(sink EventSink, log *zap.Logger) *auditor {
	return &auditor{sink: sink, ch: make(chan store.Event, auditQueue), log: log}
}

func (a *auditor) enqueue(req Request, v verdict.Verdict) {
	e := store.Event{
		CreatedAt:      time.Now(),
		RequestID:      req.ID,
		ClientAddr:     req.ClientAddr,
		Stage:          string(v.Stage),
		Category:       string(v.Category),
		InternalReason: v.InternalReason,
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- e:
	default:
		a.dropped.Add(1)
	}
}

func (a *auditor) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
}

func (a *auditor) write(ctx context.Context, e store.Event) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.sink.Insert(ctx, e); err != nil {
		a.log.Warn("audit write failed", zap.String("request_id", e.RequestID), zap.Error(err))
	}
}

// RunAudit writes queued events until CloseAudit is called and the queue is empty. Cancelling ctx
// does not stop it: requests still draining after shutdown keep their events.
// It returns immediately when auditing is disabled.
func (p *Pipeline) RunAudit(ctx context.Context) error {
	a := p.audit
	if a == nil {
		return nil
	}
	wctx := context.WithoutCancel(ctx)
	for e := range a.ch {
		a.write(wctx, e)
	}
	return nil
}

// CloseAudit stops accepting events; call it once no request can still finish.
func (p *Pipeline) CloseAudit() {
	if p.audit != nil {
		p.audit.close()
	}
}

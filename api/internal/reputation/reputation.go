package reputation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const shardCount = 64

var ErrUnknownClient = errors.New("reputation: unknown client")

// ClientRecord is everything known about one client address.
type ClientRecord struct {
	Addr                string     `json:"addr"`
	ViolationCount      uint       `json:"violation_count"`
	Blacklisted         bool       `json:"blacklisted"`
	BlacklistReason     string     `json:"blacklist_reason,omitempty"`
	BlacklistedAt       *time.Time `json:"blacklisted_at,omitempty"`
	TotalRequests       uint       `json:"total_requests"`
	FirstSeen           time.Time  `json:"first_seen"`
	LastSeen            time.Time  `json:"last_seen"`
	LastViolation       *time.Time `json:"last_violation,omitempty"`
	LastViolationReason string     `json:"last_violation_reason,omitempty"`
}

// ViolationRate is violations per observed request.
func (r ClientRecord) ViolationRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.ViolationCount) / float64(r.TotalRequests)
}

type Summary struct {
	TrackedClients     int     `json:"tracked_clients"`
	BlacklistedClients int     `json:"blacklisted_clients"`
	TotalRequests      uint64  `json:"total_requests"`
	TotalViolations    uint64  `json:"total_violations"`
	ViolationRate      float64 `json:"violation_rate"`
	Threshold          int     `json:"blacklist_threshold"`
}

// Persister is the durable side of the store (Postgres in production).
type Persister interface {
	Upsert(ctx context.Context, rec ClientRecord) error
	LoadAll(ctx context.Context) ([]ClientRecord, error)
	PurgeIdle(ctx context.Context, lastSeenBefore time.Time) (int64, error)
}

// Notifier is told about automatic blacklisting. It must not block.
type Notifier interface {
	ClientBlacklisted(rec ClientRecord)
}

type Options struct {
	Threshold int
	Now       func() time.Time
	Persister Persister
	Notifier  Notifier
	Logger    *zap.Logger
}

// entry is guarded by its shard's mu. version counts changes and persisted is the last version
// written; wmu makes one writer per client so an older snapshot never lands after a newer one.
type entry struct {
	rec       ClientRecord
	version   uint64
	persisted uint64
	wmu       sync.Mutex
}

func (e *entry) changed() { e.version++ }

func (e *entry) dirty() bool { return e.version > e.persisted }

type shard struct {
	mu      sync.Mutex
	clients map[string]*entry
}

// Store keeps per-client reputation, sharded by address.
type Store struct {
	threshold uint
	now       func() time.Time
	persist   Persister
	notify    atomic.Pointer[Notifier]
	log       *zap.Logger
	shards    [shardCount]*shard
}

func New(opts Options) *Store {
	s := &Store{
		threshold: uint(opts.Threshold),
		now:       opts.Now,
		persist:   opts.Persister,
		log:       opts.Logger,
	}
	if opts.Notifier != nil {
		s.SetNotifier(opts.Notifier)
	}
	if s.threshold == 0 {
		s.threshold = 5
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.With(zap.String("component", "reputation"))
	for i := range s.shards {
		s.shards[i] = &shard{clients: make(map[string]*entry)}
	}
	return s
}

// SetNotifier replaces the blacklist notifier; safe while requests are in flight.
func (s *Store) SetNotifier(n Notifier) {
	if n == nil {
		s.notify.Store(nil)
		return
	}
	s.notify.Store(&n)
}

func (s *Store) Threshold() int { return int(s.threshold) }

func (s *Store) shardFor(addr string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return s.shards[h.Sum32()%shardCount]
}

// lookup returns the entry for addr, creating it; caller holds sh.mu.
func (s *Store) lookup(sh *shard, addr string, now time.Time) *entry {
	e, ok := sh.clients[addr]
	if !ok {
		e = &entry{rec: ClientRecord{Addr: addr, FirstSeen: now, LastSeen: now}}
		sh.clients[addr] = e
	}
	return e
}

// Touch counts one inbound request.
func (s *Store) Touch(addr string) {
	sh := s.shardFor(addr)
	now := s.now()
	sh.mu.Lock()
	e := s.lookup(sh, addr, now)
	e.rec.TotalRequests++
	e.rec.LastSeen = now
	e.changed()
	sh.mu.Unlock()
}

// RecordViolation counts a violation and blacklists the client once the threshold is reached.
// The in-memory state is always updated; the returned error only reports a persistence failure.
func (s *Store) RecordViolation(ctx context.Context, addr, reason string) (ClientRecord, error) {
	sh := s.shardFor(addr)
	now := s.now()

	sh.mu.Lock()
	e := s.lookup(sh, addr, now)
	e.rec.ViolationCount++
	e.rec.LastSeen = now
	e.rec.LastViolation = &now
	e.rec.LastViolationReason = reason
	crossed := false
	if !e.rec.Blacklisted && e.rec.ViolationCount >= s.threshold {
		e.rec.Blacklisted = true
		e.rec.BlacklistReason = fmt.Sprintf("exceeded %d violations", s.threshold)
		e.rec.BlacklistedAt = &now
		crossed = true
	}
	e.changed()
	rec := e.rec
	sh.mu.Unlock()

	err := s.write(ctx, sh, e)

	if crossed {
		s.log.Warn("client blacklisted",
			zap.String("client", addr),
			zap.Uint("violations", rec.ViolationCount),
			zap.String("last_reason", reason))
		if n := s.notify.Load(); n != nil {
			(*n).ClientBlacklisted(rec)
		}
	}
	return rec, err
}

func (s *Store) IsBlacklisted(addr string) bool {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.clients[addr]
	return ok && e.rec.Blacklisted
}

// Blacklist is the manual operator action. The violation count is raised to the threshold
// so a blacklisted record always satisfies count >= threshold.
func (s *Store) Blacklist(ctx context.Context, addr, reason string) (ClientRecord, error) {
	if reason == "" {
		reason = "manual blacklist"
	}
	sh := s.shardFor(addr)
	now := s.now()

	sh.mu.Lock()
	e := s.lookup(sh, addr, now)
	if e.rec.ViolationCount < s.threshold {
		e.rec.ViolationCount = s.threshold
	}
	e.rec.Blacklisted = true
	e.rec.BlacklistReason = reason
	e.rec.BlacklistedAt = &now
	e.changed()
	rec := e.rec
	sh.mu.Unlock()

	s.log.Warn("client blacklisted manually", zap.String("client", addr), zap.String("reason", reason))
	return rec, s.write(ctx, sh, e)
}

// Unblacklist lifts a blacklist and gives the client a fresh start.
func (s *Store) Unblacklist(ctx context.Context, addr string) (ClientRecord, error) {
	sh := s.shardFor(addr)

	sh.mu.Lock()
	e, ok := sh.clients[addr]
	if !ok {
		sh.mu.Unlock()
		return ClientRecord{}, ErrUnknownClient
	}
	e.rec.Blacklisted = false
	e.rec.BlacklistReason = ""
	e.rec.BlacklistedAt = nil
	e.rec.ViolationCount = 0
	e.changed()
	rec := e.rec
	sh.mu.Unlock()

	s.log.Info("client unblacklisted", zap.String("client", addr))
	return rec, s.write(ctx, sh, e)
}

func (s *Store) Stats(addr string) (ClientRecord, bool) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.clients[addr]
	if !ok {
		return ClientRecord{}, false
	}
	return e.rec, true
}

// Blacklisted returns every blacklisted record, most recent first.
func (s *Store) Blacklisted() []ClientRecord {
	var out []ClientRecord
	s.each(func(r ClientRecord) {
		if r.Blacklisted {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return blacklistedAt(out[i]).After(blacklistedAt(out[j]))
	})
	return out
}

func blacklistedAt(r ClientRecord) time.Time {
	if r.BlacklistedAt == nil {
		return time.Time{}
	}
	return *r.BlacklistedAt
}

func (s *Store) Summary() Summary {
	sum := Summary{Threshold: int(s.threshold)}
	s.each(func(r ClientRecord) {
		sum.TrackedClients++
		if r.Blacklisted {
			sum.BlacklistedClients++
		}
		sum.TotalRequests += uint64(r.TotalRequests)
		sum.TotalViolations += uint64(r.ViolationCount)
	})
	if sum.TotalRequests > 0 {
		sum.ViolationRate = float64(sum.TotalViolations) / float64(sum.TotalRequests)
	}
	return sum
}

func (s *Store) each(fn func(ClientRecord)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.clients {
			fn(e.rec)
		}
		sh.mu.Unlock()
	}
}

// Sweep forgets non-blacklisted clients not seen since cutoff, in memory and in the persister.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	dropped := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for addr, e := range sh.clients {
			if !e.rec.Blacklisted && e.rec.LastSeen.Before(cutoff) {
				delete(sh.clients, addr)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	if s.persist != nil {
		if _, err := s.persist.PurgeIdle(ctx, cutoff); err != nil {
			return dropped, fmt.Errorf("purge idle: %w", err)
		}
	}
	return dropped, nil
}

// Flush writes records changed only by Touch since the last write.
func (s *Store) Flush(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	type item struct {
		sh *shard
		e  *entry
	}
	var pending []item
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.clients {
			if e.dirty() {
				pending = append(pending, item{sh, e})
			}
		}
		sh.mu.Unlock()
	}
	var errs []error
	for _, it := range pending {
		if err := s.write(ctx, it.sh, it.e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return len(pending) - len(errs), fmt.Errorf("flush reputation: %w", errors.Join(errs...))
	}
	return len(pending), nil
}

// Restore loads persisted records, replacing in-memory ones with the same address.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	recs, err := s.persist.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore reputation: %w", err)
	}
	for _, r := range recs {
		sh := s.shardFor(r.Addr)
		sh.mu.Lock()
		sh.clients[r.Addr] = &entry{rec: r}
		sh.mu.Unlock()
	}
	return len(recs), nil
}

// write persists the latest snapshot of e. The shard lock is only held to copy the record, so a
// slow database stalls writers of this client alone. A failed write leaves e dirty for Flush.
func (s *Store) write(ctx context.Context, sh *shard, e *entry) error {
	if s.persist == nil {
		return nil
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()

	sh.mu.Lock()
	rec, v, done := e.rec, e.version, !e.dirty()
	sh.mu.Unlock()
	if done {
		return nil
	}

	if err := s.persist.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist %s: %w", rec.Addr, err)
	}
	sh.mu.Lock()
	if v > e.persisted {
		e.persisted = v
	}
	sh.mu.Unlock()
	return nil
}

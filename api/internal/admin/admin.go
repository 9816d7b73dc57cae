package admin

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"tutor-gate/api/internal/pipeline"
	"tutor-gate/api/internal/reputation"
	"tutor-gate/api/internal/store"
)

var ErrInvalidAddr = errors.New("admin: invalid client address")

// EventSource is the optional audit history (store.EventRepo).
type EventSource interface {
	CountByCategory(ctx context.Context, since time.Time) (map[string]int64, error)
	Recent(ctx context.Context, clientAddr string, limit int) ([]store.Event, error)
}

type StatsSource interface {
	Stats() pipeline.Stats
}

// Service implements the operator actions shared by the admin API and the Telegram bot.
type Service struct {
	rep    *reputation.Store
	stats  StatsSource
	events EventSource
	log    *zap.Logger
}

func New(rep *reputation.Store, stats StatsSource, events EventSource, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{rep: rep, stats: stats, events: events, log: log.With(zap.String("component", "admin"))}
}

type StatsReport struct {
	Pipeline   pipeline.Stats     `json:"pipeline"`
	Reputation reputation.Summary `json:"reputation"`
	// Last24h comes from the audit table and survives restarts.
	Last24h map[string]int64 `json:"rejections_last_24h,omitempty"`
}

func (s *Service) Stats(ctx context.Context) StatsReport {
	r := StatsReport{Pipeline: s.stats.Stats(), Reputation: s.rep.Summary()}
	if s.events != nil {
		counts, err := s.events.CountByCategory(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			s.log.Warn("count events", zap.Error(err))
		} else {
			r.Last24h = counts
		}
	}
	return r
}

type ClientReport struct {
	reputation.ClientRecord
	ViolationRate float64       `json:"violation_rate"`
	Recent        []store.Event `json:"recent_events,omitempty"`
}

func (s *Service) Client(ctx context.Context, addr string) (ClientReport, error) {
	addr, err := normalize(addr)
	if err != nil {
		return ClientReport{}, err
	}
	rec, ok := s.rep.Stats(addr)
	if !ok {
		return ClientReport{}, reputation.ErrUnknownClient
	}
	out := ClientReport{ClientRecord: rec, ViolationRate: rec.ViolationRate()}
	if s.events != nil {
		recent, err := s.events.Recent(ctx, addr, 10)
		if err != nil {
			s.log.Warn("recent events", zap.String("client", addr), zap.Error(err))
		}
		out.Recent = recent
	}
	return out, nil
}

func (s *Service) Blacklist() []reputation.ClientRecord {
	return s.rep.Blacklisted()
}

// Ban blacklists addr. A failed write is retried by the next flush, so it only gets logged.
func (s *Service) Ban(ctx context.Context, addr, reason string) (reputation.ClientRecord, error) {
	addr, err := normalize(addr)
	if err != nil {
		return reputation.ClientRecord{}, err
	}
	rec, err := s.rep.Blacklist(ctx, addr, strings.TrimSpace(reason))
	if err != nil {
		s.log.Warn("persist ban", zap.String("client", addr), zap.Error(err))
	}
	return rec, nil
}

func (s *Service) Unban(ctx context.Context, addr string) (reputation.ClientRecord, error) {
	addr, err := normalize(addr)
	if err != nil {
		return reputation.ClientRecord{}, err
	}
	rec, err := s.rep.Unblacklist(ctx, addr)
	if errors.Is(err, reputation.ErrUnknownClient) {
		return rec, err
	}
	if err != nil {
		s.log.Warn("persist unban", zap.String("client", addr), zap.Error(err))
	}
	return rec, nil
}

// normalize accepts IPv4/IPv6 literals and returns their canonical form.
func normalize(addr string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return "", ErrInvalidAddr
	}
	return ip.String(), nil
}

package telegram

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"tutor-gate/api/internal/reputation"
)

// Alerts forwards automatic blacklisting to the admin chat. It implements reputation.Notifier.
type Alerts struct {
	bot     Sender
	chatID  int64
	ch      chan reputation.ClientRecord
	dropped atomic.Uint64
	log     *zap.Logger
}

func NewAlerts(bot Sender, chatID int64, log *zap.Logger) *Alerts {
	if log == nil {
		log = zap.NewNop()
	}
	return &Alerts{bot: bot, chatID: chatID, ch: make(chan reputation.ClientRecord, 64), log: log}
}

// ClientBlacklisted never blocks the request path; alerts beyond the buffer are dropped.
func (a *Alerts) ClientBlacklisted(rec reputation.ClientRecord) {
	select {
	case a.ch <- rec:
	default:
		a.dropped.Add(1)
	}
}

func (a *Alerts) Dropped() uint64 { return a.dropped.Load() }

func (a *Alerts) Run(ctx context.Context) error {
	r := &Router{Bot: a.bot, Log: a.log}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-a.ch:
			r.send(a.chatID, alertText(rec))
		}
	}
}

func alertText(rec reputation.ClientRecord) string {
	return fmt.Sprintf("⛔ Auto-blacklisted `%s`\n%s\nLast violation: %s\nUnban: /unban %s",
		esc(rec.Addr), esc(rec.BlacklistReason), esc(rec.LastViolationReason), esc(rec.Addr))
}

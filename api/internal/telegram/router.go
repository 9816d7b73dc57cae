package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"tutor-gate/api/internal/admin"
	"tutor-gate/api/internal/reputation"
)

// Sender is the part of *tgbotapi.BotAPI the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const helpText = `Commands:
/stats - pipeline and reputation summary
/blacklist - blacklisted clients
/client <addr> - one client's record
/ban <addr> [reason] - blacklist a client
/unban <addr> - lift a blacklist`

// Router answers operator commands from the admin chat only.
type Router struct {
	Bot         Sender
	Admin       *admin.Service
	AdminChatID int64
	Log         *zap.Logger
}

func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil || !upd.Message.IsCommand() {
		return
	}
	cid := upd.Message.Chat.ID
	if cid != r.AdminChatID {
		r.log().Warn("command from foreign chat ignored", zap.Int64("chat_id", cid), zap.String("command", upd.Message.Command()))
		return
	}
	r.send(cid, r.Reply(ctx, upd.Message.Command(), upd.Message.CommandArguments()))
}

// Reply computes the answer to one command; it never talks to Telegram.
func (r *Router) Reply(ctx context.Context, cmd, args string) string {
	fields := strings.Fields(args)
	switch cmd {
	case "start", "help":
		return esc(helpText)
	case "stats":
		return formatStats(r.Admin.Stats(ctx))
	case "blacklist":
		return formatBlacklist(r.Admin.Blacklist())
	case "client":
		if len(fields) == 0 {
			return "Usage: /client <addr>"
		}
		rep, err := r.Admin.Client(ctx, fields[0])
		if err != nil {
			return commandError(err)
		}
		return formatClient(rep)
	case "ban":
		if len(fields) == 0 {
			return "Usage: /ban <addr> \\[reason]"
		}
		reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args), fields[0]))
		rec, err := r.Admin.Ban(ctx, fields[0], reason)
		if err != nil {
			return commandError(err)
		}
		return fmt.Sprintf("⛔ `%s` blacklisted: %s", esc(rec.Addr), esc(rec.BlacklistReason))
	case "unban":
		if len(fields) == 0 {
			return "Usage: /unban <addr>"
		}
		rec, err := r.Admin.Unban(ctx, fields[0])
		if err != nil {
			return commandError(err)
		}
		return fmt.Sprintf("✅ `%s` unblacklisted", esc(rec.Addr))
	default:
		return "Unknown command\n\n" + esc(helpText)
	}
}

func commandError(err error) string {
	switch {
	case errors.Is(err, admin.ErrInvalidAddr):
		return "Not an IP address"
	case errors.Is(err, reputation.ErrUnknownClient):
		return "Unknown client"
	default:
		return "Error: " + esc(err.Error())
	}
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := r.Bot.Send(msg); err != nil {
		r.log().Warn("telegram send", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (r *Router) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

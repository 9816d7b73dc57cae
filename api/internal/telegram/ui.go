package telegram

import (
	"fmt"
	"sort"
	"strings"

	"tutor-gate/api/internal/admin"
	"tutor-gate/api/internal/reputation"
)

const maxListed = 30

// лёгкое экранирование для Markdown
func esc(s string) string {
	s = strings.ReplaceAll(s, "`", "'")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "[", "\\[")
	return s
}

func formatStats(s admin.StatsReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Requests* %d, allowed %d\n", s.Pipeline.Total, s.Pipeline.Allowed)

	cats := make([]string, 0, len(s.Pipeline.Rejected))
	for c, n := range s.Pipeline.Rejected {
		if n > 0 {
			cats = append(cats, c)
		}
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(&b, "  %s: %d\n", esc(c), s.Pipeline.Rejected[c])
	}

	r := s.Reputation
	fmt.Fprintf(&b, "*Clients* %d tracked, %d blacklisted (threshold %d)\n", r.TrackedClients, r.BlacklistedClients, r.Threshold)
	fmt.Fprintf(&b, "Violation rate %.2f%%", r.ViolationRate*100)
	if len(s.Last24h) > 0 {
		b.WriteString("\n*Last 24h*")
		keys := make([]string, 0, len(s.Last24h))
		for k := range s.Last24h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n  %s: %d", esc(k), s.Last24h[k])
		}
	}
	return b.String()
}

func formatBlacklist(list []reputation.ClientRecord) string {
	if len(list) == 0 {
		return "Blacklist is empty"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Blacklisted* %d\n", len(list))
	for i, r := range list {
		if i == maxListed {
			fmt.Fprintf(&b, "… and %d more", len(list)-maxListed)
			break
		}
		fmt.Fprintf(&b, "`%s` %s (%s)\n", esc(r.Addr), esc(r.BlacklistReason), fmtTime(r.BlacklistedAt))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatClient(c admin.ClientReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Client* `%s`\n", esc(c.Addr))
	fmt.Fprintf(&b, "Requests %d, violations %d (%.1f%%)\n", c.TotalRequests, c.ViolationCount, c.ViolationRate*100)
	fmt.Fprintf(&b, "First seen %s\nLast seen %s\n", fmtTime(&c.FirstSeen), fmtTime(&c.LastSeen))
	if c.LastViolation != nil {
		fmt.Fprintf(&b, "Last violation %s: %s\n", fmtTime(c.LastViolation), esc(c.LastViolationReason))
	}
	if c.Blacklisted {
		fmt.Fprintf(&b, "⛔ Blacklisted %s: %s", fmtTime(c.BlacklistedAt), esc(c.BlacklistReason))
	} else {
		b.WriteString("Not blacklisted")
	}
	return b.String()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Event is one rejected request, kept for audit and operator statistics.
type Event struct {
	ID             int64     `json:"id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	RequestID      string    `json:"request_id"`
	ClientAddr     string    `json:"client_addr"`
	Stage          string    `json:"stage"`
	Category       string    `json:"category"`
	InternalReason string    `json:"internal_reason,omitempty"`
}

type EventRepo struct{ DB *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{DB: db} }

func (r *EventRepo) Insert(ctx context.Context, e Event) error {
	const q = `
insert into moderation_events (created_at, request_id, client_addr, stage, category, internal_reason)
values ($1,$2,$3,$4,$5,$6)`
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, q, at, e.RequestID, e.ClientAddr, e.Stage, e.Category, e.InternalReason)
	return err
}

// Recent returns the newest events for one client.
func (r *EventRepo) Recent(ctx context.Context, clientAddr string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
select id, created_at, request_id, client_addr, stage, category, internal_reason
from moderation_events
where client_addr = $1
order by created_at desc
limit $2`
	rows, err := r.DB.QueryContext(ctx, q, clientAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.RequestID, &e.ClientAddr, &e.Stage, &e.Category, &e.InternalReason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByCategory aggregates rejections since the given time.
func (r *EventRepo) CountByCategory(ctx context.Context, since time.Time) (map[string]int64, error) {
	const q = `select category, count(*) from moderation_events where created_at >= $1 group by category`
	rows, err := r.DB.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			cat string
			n   int64
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[cat] = n
	}
	return out, rows.Err()
}

// PurgeOlderThan drops old events so the audit table stays bounded.
func (r *EventRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	const q = `delete from moderation_events where created_at < $1`
	res, err := r.DB.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}

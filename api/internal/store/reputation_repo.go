package store

import (
	"context"
	"database/sql"
	"time"

	"tutor-gate/api/internal/reputation"
)

var _ reputation.Persister = (*ReputationRepo)(nil)

// ReputationRepo persists client reputation.
type ReputationRepo struct{ DB *sql.DB }

func NewReputationRepo(db *sql.DB) *ReputationRepo { return &ReputationRepo{DB: db} }

// Upsert writes the full record; the in-memory store is authoritative.
func (r *ReputationRepo) Upsert(ctx context.Context, rec reputation.ClientRecord) error {
	const q = `
insert into client_reputation (
  client_addr, violation_count, blacklisted, blacklist_reason, blacklisted_at,
  total_requests, first_seen, last_seen, last_violation, last_violation_reason
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
on conflict (client_addr) do update
set violation_count = excluded.violation_count,
    blacklisted = excluded.blacklisted,
    blacklist_reason = excluded.blacklist_reason,
    blacklisted_at = excluded.blacklisted_at,
    total_requests = excluded.total_requests,
    first_seen = least(client_reputation.first_seen, excluded.first_seen),
    last_seen = excluded.last_seen,
    last_violation = excluded.last_violation,
    last_violation_reason = excluded.last_violation_reason`
	_, err := r.DB.ExecContext(ctx, q,
		rec.Addr, int64(rec.ViolationCount), rec.Blacklisted, nullString(rec.BlacklistReason), nullTime(rec.BlacklistedAt),
		int64(rec.TotalRequests), rec.FirstSeen, rec.LastSeen, nullTime(rec.LastViolation), nullString(rec.LastViolationReason),
	)
	return err
}

// Find returns one client or ErrNotFound.
func (r *ReputationRepo) Find(ctx context.Context, addr string) (reputation.ClientRecord, error) {
	row := r.DB.QueryRowContext(ctx, selectReputation+` where client_addr = $1`, addr)
	return scanReputation(row)
}

func (r *ReputationRepo) LoadAll(ctx context.Context) ([]reputation.ClientRecord, error) {
	rows, err := r.DB.QueryContext(ctx, selectReputation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reputation.ClientRecord
	for rows.Next() {
		rec, err := scanReputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeIdle deletes non-blacklisted clients not seen since lastSeenBefore. Blacklisted rows are kept.
func (r *ReputationRepo) PurgeIdle(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	const q = `delete from client_reputation where not blacklisted and last_seen < $1`
	res, err := r.DB.ExecContext(ctx, q, lastSeenBefore)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}

const selectReputation = `
select client_addr, violation_count, blacklisted,
       coalesce(blacklist_reason,'') as blacklist_reason, blacklisted_at,
       total_requests, first_seen, last_seen,
       last_violation, coalesce(last_violation_reason,'') as last_violation_reason
from client_reputation`

type scanner interface {
	Scan(dest ...any) error
}

func scanReputation(s scanner) (reputation.ClientRecord, error) {
	var (
		rec                     reputation.ClientRecord
		violations, requests    int64
		blacklistedAt, lastViol sql.NullTime
	)
	if err := s.Scan(&rec.Addr, &violations, &rec.Blacklisted, &rec.BlacklistReason, &blacklistedAt,
		&requests, &rec.FirstSeen, &rec.LastSeen, &lastViol, &rec.LastViolationReason); err != nil {
		return reputation.ClientRecord{}, err
	}
	rec.ViolationCount = uint(violations)
	rec.TotalRequests = uint(requests)
	if blacklistedAt.Valid {
		t := blacklistedAt.Time
		rec.BlacklistedAt = &t
	}
	if lastViol.Valid {
		t := lastViol.Time
		rec.LastViolation = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

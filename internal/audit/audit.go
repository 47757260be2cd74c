// Package audit keeps an append-only trail of fairness events: violations,
// case activity, and fired alerts. The trail is evidence, not state; nothing
// reads it on the hot path.
package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Event kinds recorded in the trail.
const (
	KindViolation   = "violation"
	KindAlert       = "alert"
	KindCaseOpened  = "case_opened"
	KindCaseUpdated = "case_updated"
	KindMonitor     = "monitor"
)

// Entry is one audit record. Detail carries a JSON document whose shape
// depends on Kind.
type Entry struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	UserID     string    `json:"userId,omitempty"`
	OperatorID string    `json:"operatorId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Recent(ctx context.Context, operatorID string, limit int) ([]*Entry, error)
}

// --- PostgresStore ---

// PostgresStore implements Store with PostgreSQL, bounded at the same
// retention cap as the memory store.
type PostgresStore struct {
	db        *sql.DB
	retention int
}

// NewPostgresStore creates a new PostgreSQL-backed audit store keeping at
// most retention entries.
func NewPostgresStore(db *sql.DB, retention int) *PostgresStore {
	if retention <= 0 {
		retention = 10000
	}
	return &PostgresStore{db: db, retention: retention}
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (kind, user_id, operator_id, session_id, severity, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::JSONB, '{}'), $7)
		RETURNING id
	`, entry.Kind, entry.UserID, entry.OperatorID, entry.SessionID, entry.Severity, nullable(entry.Detail), entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return err
	}
	// Insert past the cap evicts the oldest rows.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1
		)
	`, s.retention)
	return err
}

func (s *PostgresStore) Recent(ctx context.Context, operatorID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(user_id, ''), COALESCE(operator_id, ''), COALESCE(session_id, ''),
		       COALESCE(severity, ''), COALESCE(detail::TEXT, '{}'), created_at
		FROM audit_log
		WHERE ($1 = '' OR operator_id = $1)
		ORDER BY created_at DESC, id DESC LIMIT $2
	`, operatorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.UserID, &e.OperatorID, &e.SessionID, &e.Severity, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- MemoryStore ---

// MemoryStore implements Store in memory, bounded at a retention cap:
// once full, the oldest entries are dropped.
type MemoryStore struct {
	cap     int
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryStore creates an in-memory audit store keeping at most cap
// entries.
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = 10000
	}
	return &MemoryStore{cap: cap}
}

func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *entry
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	entry.ID = cp.ID
	entry.CreatedAt = cp.CreatedAt

	s.entries = append(s.entries, &cp)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, operatorID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if operatorID != "" && s.entries[i].OperatorID != operatorID {
			continue
		}
		cp := *s.entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

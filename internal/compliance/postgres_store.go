package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore implements Store with PostgreSQL. Structured case fields
// (evidence, legal plan, contacts) live in JSONB columns: they are read
// and written whole, never queried into. Violations are bounded at a
// retention cap like the memory store; cases are not.
type PostgresStore struct {
	db        *sql.DB
	retention int
}

// NewPostgresStore creates a new PostgreSQL-backed compliance store keeping
// at most retention violations.
func NewPostgresStore(db *sql.DB, retention int) *PostgresStore {
	if retention <= 0 {
		retention = 10000
	}
	return &PostgresStore{db: db, retention: retention}
}

func (s *PostgresStore) SaveViolation(ctx context.Context, v *Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (id, user_id, operator_id, operator_name, session_id, severity,
		                        verdict, deviation, observed_rtp, expected_rtp, sample_size, p_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, v.ID, v.UserID, v.OperatorID, v.OperatorName, v.SessionID, v.Severity,
		v.Verdict, v.Deviation, v.ObservedRTP, v.ExpectedRTP, v.SampleSize, v.PValue, v.CreatedAt)
	if err != nil {
		return err
	}
	// Insert past the cap evicts the oldest rows.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM violations WHERE id NOT IN (
			SELECT id FROM violations ORDER BY created_at DESC, id DESC LIMIT $1
		)
	`, s.retention)
	return err
}

const violationColumns = `
	id, user_id, operator_id, COALESCE(operator_name, ''), session_id, severity,
	verdict, deviation, observed_rtp, expected_rtp, sample_size, p_value, created_at`

func (s *PostgresStore) ViolationsByUser(ctx context.Context, userID string, limit int) ([]*Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+`
		FROM violations WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanViolations(rows)
}

func (s *PostgresStore) ViolationsByOperator(ctx context.Context, operatorID string, limit int) ([]*Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+`
		FROM violations WHERE operator_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, operatorID, limit)
	if err != nil {
		return nil, err
	}
	return scanViolations(rows)
}

func (s *PostgresStore) AllViolations(ctx context.Context) ([]*Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+`
		FROM violations ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return scanViolations(rows)
}

func scanViolations(rows *sql.Rows) ([]*Violation, error) {
	defer func() { _ = rows.Close() }()

	var out []*Violation
	for rows.Next() {
		v := &Violation{}
		if err := rows.Scan(&v.ID, &v.UserID, &v.OperatorID, &v.OperatorName, &v.SessionID, &v.Severity,
			&v.Verdict, &v.Deviation, &v.ObservedRTP, &v.ExpectedRTP, &v.SampleSize, &v.PValue, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveCase(ctx context.Context, c *Case) error {
	users, err := json.Marshal(c.AffectedUsers)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return err
	}
	legal, err := json.Marshal(c.Legal)
	if err != nil {
		return err
	}
	contacts, err := json.Marshal(c.Contacts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO legal_cases (id, operator_id, operator_name, trigger_type, severity, status,
		                         trust_score, affected_users, avg_deviation, evidence_count,
		                         evidence, legal_plan, contacts, user_notice, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9, $10, $11::JSONB, $12::JSONB, $13::JSONB, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			trust_score = EXCLUDED.trust_score,
			affected_users = EXCLUDED.affected_users,
			avg_deviation = EXCLUDED.avg_deviation,
			evidence_count = EXCLUDED.evidence_count,
			evidence = EXCLUDED.evidence,
			user_notice = EXCLUDED.user_notice,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.OperatorID, c.OperatorName, c.TriggerType, c.Severity, c.Status,
		c.TrustScore, users, c.AvgDeviation, c.EvidenceCount,
		evidence, legal, contacts, c.UserNotice, c.OpenedAt, c.UpdatedAt)
	return err
}

const caseColumns = `
	id, operator_id, COALESCE(operator_name, ''), trigger_type, severity, status,
	trust_score, affected_users, avg_deviation, evidence_count,
	evidence, legal_plan, contacts, COALESCE(user_notice, ''), opened_at, updated_at`

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+`
		FROM legal_cases WHERE id = $1
	`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListCases(ctx context.Context, status string) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM legal_cases
		WHERE ($1 = '' OR status = $1)
		ORDER BY opened_at DESC
	`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	c := &Case{}
	var users, evidence, legal, contacts []byte
	if err := row.Scan(&c.ID, &c.OperatorID, &c.OperatorName, &c.TriggerType, &c.Severity, &c.Status,
		&c.TrustScore, &users, &c.AvgDeviation, &c.EvidenceCount,
		&evidence, &legal, &contacts, &c.UserNotice, &c.OpenedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(users, &c.AffectedUsers); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(legal, &c.Legal); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contacts, &c.Contacts); err != nil {
		return nil, err
	}
	return c, nil
}

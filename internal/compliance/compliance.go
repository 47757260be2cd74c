// Package compliance turns fairness violations into an evidence trail and,
// when escalation conditions are met, into legal cases against operators.
//
// Escalation is idempotent per (operator, trigger): while a case for that
// pair is open, further matching violations attach as evidence instead of
// opening duplicates.
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiltcheck/fairwatch/internal/audit"
	"github.com/tiltcheck/fairwatch/internal/idgen"
	"github.com/tiltcheck/fairwatch/internal/logging"
	"github.com/tiltcheck/fairwatch/internal/notify"
	"github.com/tiltcheck/fairwatch/internal/stats"
	"github.com/tiltcheck/fairwatch/internal/syncutil"
	"github.com/tiltcheck/fairwatch/internal/traces"
	"github.com/tiltcheck/fairwatch/internal/trust"
)

// ErrCaseNotFound is returned when a case ID does not exist.
var ErrCaseNotFound = errors.New("case not found")

// Escalation triggers, in priority order. When several conditions hold at
// once the highest-priority one names the case.
const (
	TriggerCriticalSeverity = "critical_severity"
	TriggerRepeatedMajor    = "repeated_major"
	TriggerLowTrust         = "low_trust"
	TriggerMultiUser        = "multi_user"
)

// Escalation thresholds over an operator's aggregate.
const (
	repeatedMajorCount = 3
	lowTrustScore      = 60
	multiUserCount     = 3
)

// CaseSeverity grades an opened case.
type CaseSeverity string

const (
	CaseSeverityHigh   CaseSeverity = "HIGH"
	CaseSeverityMedium CaseSeverity = "MEDIUM"
	CaseSeverityLow    CaseSeverity = "LOW"
)

// Case statuses.
const (
	CaseStatusOpen   = "open"
	CaseStatusClosed = "closed"
)

// Violation is one persisted fairness violation.
type Violation struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	OperatorID   string         `json:"operatorId"`
	OperatorName string         `json:"operatorName,omitempty"`
	SessionID    string         `json:"sessionId"`
	Severity     trust.Severity `json:"severity"`
	Verdict      stats.Verdict  `json:"verdict"`
	Deviation    float64        `json:"deviation"`
	ObservedRTP  float64        `json:"observedRtp"`
	ExpectedRTP  float64        `json:"expectedRtp"`
	SampleSize   int            `json:"sampleSize"`
	PValue       float64        `json:"pValue"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Case is a legal case opened against an operator.
type Case struct {
	ID            string       `json:"id"`
	OperatorID    string       `json:"operatorId"`
	OperatorName  string       `json:"operatorName,omitempty"`
	TriggerType   string       `json:"triggerType"`
	Severity      CaseSeverity `json:"severity"`
	Status        string       `json:"status"`
	TrustScore    int          `json:"trustScore"`
	AffectedUsers []string     `json:"affectedUsers"`
	AvgDeviation  float64      `json:"averageDeviation"`
	EvidenceCount int          `json:"evidenceCount"`
	Evidence      []Violation  `json:"evidence"` // bounded sample, newest first
	Legal         LegalPlan    `json:"legalPlan"`
	Contacts      []Contact    `json:"regulatoryContacts"`
	UserNotice    string       `json:"userNotice"`
	OpenedAt      time.Time    `json:"openedAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Service records violations against the trust aggregate and escalates
// to cases when the trigger conditions are met.
type Service struct {
	store          Store
	trust          *trust.Engine
	notifier       *notify.Notifier
	auditor        audit.Store
	evidenceSample int

	locks syncutil.ShardedMutex

	mu        sync.RWMutex
	openCases map[string]string // (operator, trigger) -> case ID
}

// NewService creates the compliance service. evidenceSample bounds how many
// violations are embedded in a case's evidence snapshot.
func NewService(store Store, trustEngine *trust.Engine, notifier *notify.Notifier, auditor audit.Store, evidenceSample int) *Service {
	if evidenceSample <= 0 {
		evidenceSample = 10
	}
	return &Service{
		store:          store,
		trust:          trustEngine,
		notifier:       notifier,
		auditor:        auditor,
		evidenceSample: evidenceSample,
		openCases:      make(map[string]string),
	}
}

func caseKey(operatorID, triggerType string) string {
	return operatorID + "\x00" + triggerType
}

// Outcome is what a recorded mismatch produced: always a violation and the
// recomputed trust report, plus the case if escalation triggered.
type Outcome struct {
	Violation Violation    `json:"violation"`
	Trust     trust.Report `json:"trust"`
	Case      *Case        `json:"case,omitempty"`
}

// RecordMismatch registers a violating analysis for a (user, operator)
// pair. Every non-fair verdict lands here: sub-minor shortfalls grade as
// acceptable and still advance the violation count and affected-user set,
// they just cost the operator no score.
func (s *Service) RecordMismatch(ctx context.Context, userID, operatorID, operatorName, sessionID string, res stats.Result) (*Outcome, error) {
	severity := trust.SeverityFor(res.Deviation, res.Stats.Significant)

	v := Violation{
		ID:           idgen.WithPrefix("vio_"),
		UserID:       userID,
		OperatorID:   operatorID,
		OperatorName: operatorName,
		SessionID:    sessionID,
		Severity:     severity,
		Verdict:      res.Verdict,
		Deviation:    res.Deviation,
		ObservedRTP:  res.ObservedRTP,
		ExpectedRTP:  res.Expected.Typical,
		SampleSize:   res.SampleSize,
		PValue:       res.Stats.PValue,
		CreatedAt:    time.Now(),
	}
	if err := s.store.SaveViolation(ctx, &v); err != nil {
		// The in-memory aggregate still advances; persistence is evidence,
		// not control flow.
		logging.L(ctx).Error("persist violation", "error", err, "operatorId", operatorID)
	}

	rep := s.trust.Record(operatorID, trust.Violation{
		UserID:     userID,
		SessionID:  sessionID,
		Severity:   severity,
		Deviation:  res.Deviation,
		ObservedAt: v.CreatedAt,
	})

	s.auditAsync(ctx, audit.KindViolation, v.UserID, v.OperatorID, v.SessionID, string(severity), v)

	out := &Outcome{Violation: v, Trust: rep}
	if trigger, ok := escalationTrigger(severity, rep); ok {
		c, err := s.escalate(ctx, v, rep, trigger)
		if err != nil {
			return out, err
		}
		out.Case = c
	}
	return out, nil
}

// escalationTrigger checks the escalation conditions in priority order.
func escalationTrigger(severity trust.Severity, rep trust.Report) (string, bool) {
	switch {
	case severity == trust.SeverityCritical:
		return TriggerCriticalSeverity, true
	case rep.BySeverity[trust.SeverityMajor] >= repeatedMajorCount:
		return TriggerRepeatedMajor, true
	case rep.Score < lowTrustScore:
		return TriggerLowTrust, true
	case rep.AffectedUsers >= multiUserCount:
		return TriggerMultiUser, true
	default:
		return "", false
	}
}

// escalate opens a case for (operator, trigger), or attaches evidence to
// the one already open.
func (s *Service) escalate(ctx context.Context, v Violation, rep trust.Report, trigger string) (*Case, error) {
	ctx, span := traces.StartSpan(ctx, "compliance.escalate", traces.OperatorID(v.OperatorID))
	defer span.End()

	key := caseKey(v.OperatorID, trigger)
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.RLock()
	existingID, open := s.openCases[key]
	s.mu.RUnlock()

	if open {
		c, err := s.store.GetCase(ctx, existingID)
		if err == nil && c != nil && c.Status == CaseStatusOpen {
			s.attachEvidence(ctx, c, v, rep)
			return c, nil
		}
		// Index pointed at a missing or closed case; fall through and open
		// a fresh one.
	}

	c := s.buildCase(ctx, v, rep, trigger)
	if err := s.store.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("persist case: %w", err)
	}
	s.mu.Lock()
	s.openCases[key] = c.ID
	s.mu.Unlock()
	span.SetAttributes(traces.CaseID(c.ID))

	logging.L(ctx).Warn("legal case opened",
		"caseId", c.ID, "operatorId", c.OperatorID, "trigger", trigger,
		"severity", c.Severity, "trustScore", rep.Score, "affectedUsers", rep.AffectedUsers)

	s.auditAsync(ctx, audit.KindCaseOpened, v.UserID, c.OperatorID, v.SessionID, string(c.Severity), c)
	s.notifyAsync(ctx, c, rep, false)
	return c, nil
}

// attachEvidence folds a new violation into an open case instead of
// duplicating it.
func (s *Service) attachEvidence(ctx context.Context, c *Case, v Violation, rep trust.Report) {
	c.EvidenceCount++
	c.Evidence = append([]Violation{v}, c.Evidence...)
	if len(c.Evidence) > s.evidenceSample {
		c.Evidence = c.Evidence[:s.evidenceSample]
	}
	if !contains(c.AffectedUsers, v.UserID) {
		c.AffectedUsers = append(c.AffectedUsers, v.UserID)
	}
	c.TrustScore = rep.Score
	c.AvgDeviation = rep.AvgDeviation
	c.Severity = caseSeverity(c.TriggerType, rep)
	c.UpdatedAt = v.CreatedAt

	if err := s.store.SaveCase(ctx, c); err != nil {
		logging.L(ctx).Error("persist case update", "error", err, "caseId", c.ID)
	}
	logging.L(ctx).Info("evidence attached to open case",
		"caseId", c.ID, "operatorId", c.OperatorID, "evidenceCount", c.EvidenceCount)

	s.auditAsync(ctx, audit.KindCaseUpdated, v.UserID, c.OperatorID, v.SessionID, string(c.Severity), c)
	s.notifyAsync(ctx, c, rep, true)
}

func (s *Service) buildCase(ctx context.Context, v Violation, rep trust.Report, trigger string) *Case {
	evidence, err := s.store.ViolationsByOperator(ctx, v.OperatorID, s.evidenceSample)
	if err != nil {
		logging.L(ctx).Error("load case evidence", "error", err, "operatorId", v.OperatorID)
	}
	sample := make([]Violation, 0, len(evidence))
	for _, e := range evidence {
		sample = append(sample, *e)
	}

	severity := caseSeverity(trigger, rep)
	c := &Case{
		ID:            idgen.WithPrefix("case_"),
		OperatorID:    v.OperatorID,
		OperatorName:  v.OperatorName,
		TriggerType:   trigger,
		Severity:      severity,
		Status:        CaseStatusOpen,
		TrustScore:    rep.Score,
		AffectedUsers: affectedUsers(sample, v.UserID),
		AvgDeviation:  rep.AvgDeviation,
		EvidenceCount: rep.ViolationCount,
		Evidence:      sample,
		Legal:         legalPlan(severity),
		Contacts:      regulatoryContacts(),
		OpenedAt:      v.CreatedAt,
		UpdatedAt:     v.CreatedAt,
	}
	c.UserNotice = userNotice(c)
	return c
}

// Case severity thresholds on the operator's average deviation magnitude.
const (
	highCaseDeviation   = 0.15
	mediumCaseDeviation = 0.10
)

// caseSeverity grades a case from its trigger and how far short the
// operator's payouts run on average.
func caseSeverity(trigger string, rep trust.Report) CaseSeverity {
	switch {
	case trigger == TriggerCriticalSeverity || rep.AvgDeviation > highCaseDeviation:
		return CaseSeverityHigh
	case trigger == TriggerRepeatedMajor || rep.AvgDeviation > mediumCaseDeviation:
		return CaseSeverityMedium
	default:
		return CaseSeverityLow
	}
}

// GetCase returns a case by ID.
func (s *Service) GetCase(ctx context.Context, id string) (*Case, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	return c, nil
}

// ActiveCases lists open cases, newest first.
func (s *Service) ActiveCases(ctx context.Context) ([]*Case, error) {
	return s.store.ListCases(ctx, CaseStatusOpen)
}

// CloseCase marks a case closed and clears its dedup slot so a recurrence
// opens a fresh case.
func (s *Service) CloseCase(ctx context.Context, id string) (*Case, error) {
	c, err := s.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == CaseStatusClosed {
		return c, nil
	}
	c.Status = CaseStatusClosed
	c.UpdatedAt = time.Now()
	if err := s.store.SaveCase(ctx, c); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.openCases[caseKey(c.OperatorID, c.TriggerType)] == c.ID {
		delete(s.openCases, caseKey(c.OperatorID, c.TriggerType))
	}
	s.mu.Unlock()

	s.auditAsync(ctx, audit.KindCaseUpdated, "", c.OperatorID, "", string(c.Severity), c)
	return c, nil
}

// UserHistory returns a user's recorded violations, newest first.
func (s *Service) UserHistory(ctx context.Context, userID string, limit int) ([]*Violation, error) {
	return s.store.ViolationsByUser(ctx, userID, limit)
}

// OperatorViolations returns an operator's recorded violations, newest first.
func (s *Service) OperatorViolations(ctx context.Context, operatorID string, limit int) ([]*Violation, error) {
	return s.store.ViolationsByOperator(ctx, operatorID, limit)
}

// LoadHistorical replays persisted violations into the trust aggregate and
// rebuilds the open-case index. Call once on startup, before serving.
func (s *Service) LoadHistorical(ctx context.Context) error {
	violations, err := s.store.AllViolations(ctx)
	if err != nil {
		return fmt.Errorf("load violations: %w", err)
	}
	for _, v := range violations {
		s.trust.Record(v.OperatorID, trust.Violation{
			UserID:     v.UserID,
			SessionID:  v.SessionID,
			Severity:   v.Severity,
			Deviation:  v.Deviation,
			ObservedAt: v.CreatedAt,
		})
	}

	cases, err := s.store.ListCases(ctx, CaseStatusOpen)
	if err != nil {
		return fmt.Errorf("load cases: %w", err)
	}
	s.mu.Lock()
	for _, c := range cases {
		s.openCases[caseKey(c.OperatorID, c.TriggerType)] = c.ID
	}
	s.mu.Unlock()

	logging.L(ctx).Info("historical compliance data loaded",
		"violations", len(violations), "openCases", len(cases))
	return nil
}

// auditAsync appends to the audit trail without blocking the caller.
func (s *Service) auditAsync(ctx context.Context, kind, userID, operatorID, sessionID, severity string, detail any) {
	if s.auditor == nil {
		return
	}
	body, err := json.Marshal(detail)
	if err != nil {
		body = []byte("{}")
	}
	log := logging.L(ctx)
	go func() {
		entry := &audit.Entry{
			Kind:       kind,
			UserID:     userID,
			OperatorID: operatorID,
			SessionID:  sessionID,
			Severity:   severity,
			Detail:     string(body),
		}
		if err := s.auditor.Append(context.Background(), entry); err != nil {
			log.Error("audit append", "error", err, "kind", kind)
		}
	}()
}

// notifyAsync fires the developer webhook without blocking the caller.
func (s *Service) notifyAsync(ctx context.Context, c *Case, rep trust.Report, update bool) {
	if s.notifier == nil || !s.notifier.Enabled() {
		return
	}
	alert := notify.CaseAlert{
		CaseID:            c.ID,
		OperatorID:        c.OperatorID,
		OperatorName:      c.OperatorName,
		Severity:          string(c.Severity),
		TriggerType:       c.TriggerType,
		AffectedUserCount: len(c.AffectedUsers),
		TrustScore:        rep.Score,
		Deviation:         rep.AvgDeviation,
		Update:            update,
	}
	log := logging.FromContext(ctx)
	go s.notifier.CaseOpened(logging.WithLogger(context.Background(), log), alert)
}

func affectedUsers(sample []Violation, current string) []string {
	users := []string{}
	seen := map[string]struct{}{}
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		users = append(users, id)
	}
	add(current)
	for _, v := range sample {
		add(v.UserID)
	}
	return users
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

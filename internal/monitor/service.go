// Package monitor is the facade over the fairness pipeline: it feeds the
// ledger, runs the statistics engine on every settled outcome, and routes
// the result to alerts, trust aggregation, and compliance escalation.
package monitor

import (
	"context"
	"time"

	"github.com/tiltcheck/fairwatch/internal/alerts"
	"github.com/tiltcheck/fairwatch/internal/compliance"
	"github.com/tiltcheck/fairwatch/internal/ledger"
	"github.com/tiltcheck/fairwatch/internal/logging"
	"github.com/tiltcheck/fairwatch/internal/metrics"
	"github.com/tiltcheck/fairwatch/internal/realtime"
	"github.com/tiltcheck/fairwatch/internal/stats"
	"github.com/tiltcheck/fairwatch/internal/traces"
	"github.com/tiltcheck/fairwatch/internal/trust"
)

// Analysis is the full outcome of settling one bet: the session verdict
// plus whatever the downstream engines did with it.
type Analysis struct {
	SessionID  string           `json:"sessionId"`
	UserID     string           `json:"userId"`
	OperatorID string           `json:"operatorId"`
	Result     stats.Result     `json:"analysis"`
	Alerts     []alerts.Alert   `json:"alerts,omitempty"`
	Trust      *trust.Report    `json:"operatorTrust,omitempty"`
	Case       *compliance.Case `json:"case,omitempty"`
}

// Service wires the fairness pipeline together.
type Service struct {
	ledger     *ledger.Ledger
	alerts     *alerts.Engine
	trust      *trust.Engine
	compliance *compliance.Service
	hub        *realtime.Hub // may be nil

	minSampleSize int
}

// New creates the monitoring service. hub may be nil when streaming is
// disabled.
func New(l *ledger.Ledger, a *alerts.Engine, t *trust.Engine, c *compliance.Service, hub *realtime.Hub, minSampleSize int) *Service {
	return &Service{
		ledger:        l,
		alerts:        a,
		trust:         t,
		compliance:    c,
		hub:           hub,
		minSampleSize: minSampleSize,
	}
}

// StartMonitoring begins watching a (user, operator) pair. claimedRTP, when
// non-zero, becomes the null hypothesis for that pair's sessions.
func (s *Service) StartMonitoring(ctx context.Context, userID, operatorID, operatorName string, claimedRTP float64) alerts.Monitor {
	m := s.alerts.StartMonitoring(userID, operatorID, operatorName, claimedRTP, time.Now())
	metrics.ActiveMonitors.Set(float64(len(s.alerts.Monitors())))
	logging.L(ctx).Info("monitoring started",
		"userId", userID, "operatorId", operatorID, "claimedRtp", claimedRTP)
	return m
}

// StopMonitoring ends a watch. Session history and recorded violations are
// unaffected.
func (s *Service) StopMonitoring(ctx context.Context, userID, operatorID string) {
	s.alerts.StopMonitoring(userID, operatorID)
	metrics.ActiveMonitors.Set(float64(len(s.alerts.Monitors())))
	logging.L(ctx).Info("monitoring stopped", "userId", userID, "operatorId", operatorID)
}

// TrackBet records a bet placement. ts is the event time from the caller;
// zero means now. Replayed gameplay keeps its original session windows.
func (s *Service) TrackBet(ctx context.Context, userID, operatorID, gameType string, amount float64, ts time.Time) (ledger.BetRef, error) {
	ref, err := s.ledger.RecordBet(userID, operatorID, gameType, amount, ts)
	if err != nil {
		return ledger.BetRef{}, err
	}
	metrics.BetsRecordedTotal.Inc()
	return ref, nil
}

// TrackOutcome settles a bet for its owning user and runs the full
// analysis chain on the resulting session snapshot.
func (s *Service) TrackOutcome(ctx context.Context, userID, sessionID string, betIndex int, winAmount float64, ts time.Time) (*Analysis, error) {
	ctx, span := traces.StartSpan(ctx, "monitor.TrackOutcome", traces.SessionID(sessionID))
	defer span.End()

	snap, err := s.ledger.RecordOutcome(userID, sessionID, betIndex, winAmount, ts)
	if err != nil {
		return nil, err
	}
	metrics.OutcomesRecordedTotal.Inc()

	a := s.analyze(ctx, snap)
	span.SetAttributes(
		traces.UserID(snap.UserID),
		traces.OperatorID(snap.OperatorID),
		traces.Verdict(string(a.Result.Verdict)),
	)
	return a, nil
}

// analyze evaluates a snapshot and feeds the verdict to the alert and
// compliance engines.
func (s *Service) analyze(ctx context.Context, snap ledger.Snapshot) *Analysis {
	var claimedRTP float64
	var operatorName string
	if m, ok := s.alerts.Monitoring(snap.UserID, snap.OperatorID); ok {
		claimedRTP = m.ClaimedRTP
		operatorName = m.OperatorName
	}

	profile := stats.ProfileFor(snap.GameTypes, claimedRTP)
	res := stats.Evaluate(snap, profile, s.minSampleSize)
	metrics.VerdictsTotal.WithLabelValues(string(res.Verdict)).Inc()

	a := &Analysis{
		SessionID:  snap.SessionID,
		UserID:     snap.UserID,
		OperatorID: snap.OperatorID,
		Result:     res,
	}

	fired := s.alerts.Evaluate(snap.UserID, snap.OperatorID, snap.SessionID, res, time.Now())
	a.Alerts = fired
	for _, alert := range fired {
		metrics.AlertsFiredTotal.WithLabelValues(string(alert.Level)).Inc()
		logging.L(ctx).Warn("alert fired",
			"type", alert.Type, "level", alert.Level,
			"userId", alert.UserID, "operatorId", alert.OperatorID, "deviation", alert.Deviation)
		s.broadcastAlert(alert)
	}

	if res.Verdict.IsViolation() {
		out, err := s.compliance.RecordMismatch(ctx, snap.UserID, snap.OperatorID, operatorName, snap.SessionID, res)
		if err != nil {
			logging.L(ctx).Error("compliance escalation", "error", err, "operatorId", snap.OperatorID)
		}
		if out != nil {
			metrics.ViolationsTotal.WithLabelValues(string(out.Violation.Severity)).Inc()
			a.Trust = &out.Trust
			if out.Case != nil {
				a.Case = out.Case
				metrics.CasesOpenedTotal.WithLabelValues(out.Case.TriggerType).Inc()
				s.broadcastCase(out.Case)
			}
		}
	}

	s.broadcastVerdict(a)
	return a
}

// Status is the live view of a user across the pipeline.
type Status struct {
	User     ledger.UserStats `json:"user"`
	Monitors []alerts.Monitor `json:"activeMonitors"`
	Alerts   []alerts.Alert   `json:"recentAlerts"`
}

// GetStatus reports a user's lifetime stats, active watches, and recent
// alerts.
func (s *Service) GetStatus(userID string) Status {
	var monitors []alerts.Monitor
	for _, m := range s.alerts.Monitors() {
		if m.UserID == userID {
			monitors = append(monitors, m)
		}
	}
	return Status{
		User:     s.ledger.UserStats(userID),
		Monitors: monitors,
		Alerts:   s.alerts.History(userID, 20),
	}
}

// SessionReport re-runs the full analysis for one session on demand.
func (s *Service) SessionReport(ctx context.Context, userID, sessionID string) (*Analysis, error) {
	snap, err := s.ledger.SessionSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.UserID != userID {
		return nil, ledger.ErrNotFound
	}

	var claimedRTP float64
	if m, ok := s.alerts.Monitoring(snap.UserID, snap.OperatorID); ok {
		claimedRTP = m.ClaimedRTP
	}
	res := stats.Evaluate(snap, stats.ProfileFor(snap.GameTypes, claimedRTP), s.minSampleSize)
	return &Analysis{
		SessionID:  snap.SessionID,
		UserID:     snap.UserID,
		OperatorID: snap.OperatorID,
		Result:     res,
	}, nil
}

// OperatorReport is the aggregate standing of one operator.
type OperatorReport struct {
	Trust      trust.Report            `json:"trust"`
	Violations []*compliance.Violation `json:"recentViolations"`
	OpenCases  []*compliance.Case      `json:"openCases"`
}

// GetOperatorReport assembles the trust aggregate, recent violations, and
// open cases for an operator.
func (s *Service) GetOperatorReport(ctx context.Context, operatorID string) (*OperatorReport, error) {
	violations, err := s.compliance.OperatorViolations(ctx, operatorID, 25)
	if err != nil {
		return nil, err
	}
	all, err := s.compliance.ActiveCases(ctx)
	if err != nil {
		return nil, err
	}
	var open []*compliance.Case
	for _, c := range all {
		if c.OperatorID == operatorID {
			open = append(open, c)
		}
	}
	return &OperatorReport{
		Trust:      s.trust.Report(operatorID),
		Violations: violations,
		OpenCases:  open,
	}, nil
}

func (s *Service) broadcastVerdict(a *Analysis) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastVerdict(map[string]interface{}{
		"sessionId":   a.SessionID,
		"userId":      a.UserID,
		"operatorId":  a.OperatorID,
		"verdict":     a.Result.Verdict,
		"observedRtp": a.Result.ObservedRTP,
		"deviation":   a.Result.Deviation,
		"sampleSize":  a.Result.SampleSize,
	})
}

func (s *Service) broadcastAlert(alert alerts.Alert) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastAlert(map[string]interface{}{
		"id":         alert.ID,
		"userId":     alert.UserID,
		"operatorId": alert.OperatorID,
		"level":      alert.Level,
		"type":       alert.Type,
		"message":    alert.Message,
	})
}

func (s *Service) broadcastCase(c *compliance.Case) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastCase(map[string]interface{}{
		"caseId":        c.ID,
		"operatorId":    c.OperatorID,
		"trigger":       c.TriggerType,
		"severity":      c.Severity,
		"affectedUsers": len(c.AffectedUsers),
	}, c.UpdatedAt.After(c.OpenedAt))
}

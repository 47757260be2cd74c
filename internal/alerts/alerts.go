// Package alerts turns fairness analyses into user-facing alerts for
// actively monitored (user, operator) pairs. One analysis can fire several
// alerts at once; after that, the pair goes quiet for the cooldown window.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiltcheck/fairwatch/internal/idgen"
	"github.com/tiltcheck/fairwatch/internal/stats"
)

// Level grades an alert.
type Level string

const (
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert types.
const (
	TypeCriticalDeviation  = "critical_deviation"
	TypeSuspiciousPattern  = "suspicious_pattern"
	TypeStatisticalAnomaly = "statistical_anomaly"
)

// Alert is a single fired alert.
type Alert struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	OperatorID string        `json:"operatorId"`
	SessionID  string        `json:"sessionId"`
	Level      Level         `json:"level"`
	Type       string        `json:"type"`
	Message    string        `json:"message"`
	Verdict    stats.Verdict `json:"verdict"`
	Deviation  float64       `json:"deviation"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Monitor is an active watch on a (user, operator) pair.
type Monitor struct {
	UserID       string    `json:"userId"`
	OperatorID   string    `json:"operatorId"`
	OperatorName string    `json:"operatorName,omitempty"`
	ClaimedRTP   float64   `json:"claimedRtp,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

// Engine evaluates alert rules for monitored pairs.
type Engine struct {
	cooldown   time.Duration
	historyCap int

	mu        sync.RWMutex
	monitors  map[string]Monitor
	history   []Alert              // newest first
	lastFired map[string]time.Time // pair -> last fire
}

// NewEngine creates an alert engine. cooldown silences a pair after any of
// its alerts fire; historyCap bounds the kept alert history.
func NewEngine(cooldown time.Duration, historyCap int) *Engine {
	if historyCap <= 0 {
		historyCap = 50
	}
	return &Engine{
		cooldown:   cooldown,
		historyCap: historyCap,
		monitors:   make(map[string]Monitor),
		lastFired:  make(map[string]time.Time),
	}
}

func pairKey(userID, operatorID string) string {
	return userID + "\x00" + operatorID
}

// StartMonitoring begins watching a pair. Restarting an existing watch
// replaces its parameters but keeps alert cooldowns.
func (e *Engine) StartMonitoring(userID, operatorID, operatorName string, claimedRTP float64, ts time.Time) Monitor {
	if ts.IsZero() {
		ts = time.Now()
	}
	m := Monitor{
		UserID:       userID,
		OperatorID:   operatorID,
		OperatorName: operatorName,
		ClaimedRTP:   claimedRTP,
		StartedAt:    ts,
	}
	e.mu.Lock()
	e.monitors[pairKey(userID, operatorID)] = m
	e.mu.Unlock()
	return m
}

// StopMonitoring ends a watch. Stopping an unknown pair is a no-op.
func (e *Engine) StopMonitoring(userID, operatorID string) {
	e.mu.Lock()
	delete(e.monitors, pairKey(userID, operatorID))
	e.mu.Unlock()
}

// Monitoring returns the active watch for a pair, if any.
func (e *Engine) Monitoring(userID, operatorID string) (Monitor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.monitors[pairKey(userID, operatorID)]
	return m, ok
}

// Monitors lists all active watches.
func (e *Engine) Monitors() []Monitor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Monitor, 0, len(e.monitors))
	for _, m := range e.monitors {
		out = append(out, m)
	}
	return out
}

// Evaluate runs the alert rules against an analysis for a monitored pair
// and returns whatever fired. Pairs not being monitored never alert, and a
// pair inside its cooldown window is suppressed silently.
func (e *Engine) Evaluate(userID, operatorID, sessionID string, res stats.Result, ts time.Time) []Alert {
	if ts.IsZero() {
		ts = time.Now()
	}

	key := pairKey(userID, operatorID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.monitors[key]; !ok {
		return nil
	}
	// No verdict yet, no alerts: small samples produce spurious extremes.
	if res.Verdict == stats.VerdictInsufficientData {
		return nil
	}
	if last, ok := e.lastFired[key]; ok && ts.Sub(last) < e.cooldown {
		return nil
	}

	var fired []Alert
	fire := func(level Level, alertType, message string) {
		fired = append(fired, Alert{
			ID:         idgen.WithPrefix("alert_"),
			UserID:     userID,
			OperatorID: operatorID,
			SessionID:  sessionID,
			Level:      level,
			Type:       alertType,
			Message:    message,
			Verdict:    res.Verdict,
			Deviation:  res.Deviation,
			CreatedAt:  ts,
		})
	}

	if res.Verdict == stats.VerdictHighlySuspicious && res.Deviation < -0.10 {
		fire(LevelCritical, TypeCriticalDeviation, fmt.Sprintf(
			"observed RTP %s is far below expected %s; strong evidence of unfair payouts",
			res.ObservedRTPPercent, fmtPercent(res.Expected.Typical)))
	}
	if res.Verdict == stats.VerdictMonitor || res.Verdict == stats.VerdictSuspicious {
		fire(LevelWarning, TypeSuspiciousPattern, fmt.Sprintf(
			"observed RTP %s outside the expected range; monitoring for a sustained pattern",
			res.ObservedRTPPercent))
	}
	if res.Stats.Significant && res.Deviation < 0 {
		fire(LevelWarning, TypeStatisticalAnomaly, fmt.Sprintf(
			"unfavorable deviation is statistically significant (p=%.4f, z=%.2f)",
			res.Stats.PValue, res.Stats.ZScore))
	}

	if len(fired) == 0 {
		return nil
	}
	e.lastFired[key] = ts

	// Newest first, bounded.
	for i := len(fired) - 1; i >= 0; i-- {
		e.history = append([]Alert{fired[i]}, e.history...)
	}
	if len(e.history) > e.historyCap {
		e.history = e.history[:e.historyCap]
	}
	return fired
}

// History returns recent alerts, newest first, optionally filtered by user
// (empty string means all). limit <= 0 returns everything kept.
func (e *Engine) History(userID string, limit int) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Alert
	for _, a := range e.history {
		if userID != "" && a.UserID != userID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func fmtPercent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}

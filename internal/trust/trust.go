// Package trust maintains a per-operator trust score aggregated from
// recorded fairness violations. The score is recomputed from scratch on
// every update rather than adjusted incrementally, so it can never drift
// from the violation history it summarizes.
package trust

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tiltcheck/fairwatch/internal/syncutil"
)

// Severity grades a single violation.
type Severity string

const (
	SeverityAcceptable Severity = "acceptable"
	SeverityMinor      Severity = "minor"
	SeverityModerate   Severity = "moderate"
	SeverityMajor      Severity = "major"
	SeverityCritical   Severity = "critical"
)

// Severity tier boundaries on the absolute RTP deviation. Statistical
// significance promotes a deviation to the next tier up.
const (
	criticalDeviation = 0.15
	majorDeviation    = 0.10
	minorDeviation    = 0.05
)

// SeverityFor grades a deviation. Sub-minor deviations grade as acceptable:
// they still enter the operator's history and affected-user set, but carry
// no score penalty.
func SeverityFor(deviation float64, significant bool) Severity {
	abs := math.Abs(deviation)
	switch {
	case abs >= criticalDeviation:
		if significant {
			return SeverityCritical
		}
		return SeverityMajor
	case abs >= majorDeviation:
		if significant {
			return SeverityMajor
		}
		return SeverityModerate
	case abs >= minorDeviation:
		return SeverityMinor
	default:
		return SeverityAcceptable
	}
}

// Violation is one recorded deviation against an operator.
type Violation struct {
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId"`
	Severity   Severity  `json:"severity"`
	Deviation  float64   `json:"deviation"`
	ObservedAt time.Time `json:"observedAt"`
}

// Report is the aggregate view of an operator's standing.
type Report struct {
	OperatorID     string           `json:"operatorId"`
	Score          int              `json:"trustScore"` // 0-100, 100 = no evidence of unfairness
	ViolationCount int              `json:"violationCount"`
	BySeverity     map[Severity]int `json:"violationsBySeverity"`
	AffectedUsers  int              `json:"affectedUsers"`
	AvgDeviation   float64          `json:"averageDeviation"` // mean of absolute deviations
	LastViolation  time.Time        `json:"lastViolation,omitempty"`
}

// operatorRecord is the mutable per-operator aggregate. Guarded by the
// engine's per-operator lock.
type operatorRecord struct {
	violations []Violation
	users      map[string]struct{}
}

// Engine aggregates violations per operator.
type Engine struct {
	locks syncutil.ShardedMutex

	mu        sync.RWMutex // guards the map, not record contents
	operators map[string]*operatorRecord
}

func NewEngine() *Engine {
	return &Engine{operators: make(map[string]*operatorRecord)}
}

// Record adds a violation to an operator's history and returns the
// recomputed report.
func (e *Engine) Record(operatorID string, v Violation) Report {
	unlock := e.locks.Lock(operatorID)
	defer unlock()

	rec := e.record(operatorID)
	rec.violations = append(rec.violations, v)
	rec.users[v.UserID] = struct{}{}

	return reportLocked(operatorID, rec)
}

// Report returns the current aggregate for an operator. Operators with no
// recorded violations score a full 100.
func (e *Engine) Report(operatorID string) Report {
	unlock := e.locks.Lock(operatorID)
	defer unlock()

	e.mu.RLock()
	rec, ok := e.operators[operatorID]
	e.mu.RUnlock()
	if !ok {
		return Report{OperatorID: operatorID, Score: 100, BySeverity: map[Severity]int{}}
	}
	return reportLocked(operatorID, rec)
}

// Violations returns a copy of an operator's history, newest first,
// capped at limit (0 means all).
func (e *Engine) Violations(operatorID string, limit int) []Violation {
	unlock := e.locks.Lock(operatorID)
	defer unlock()

	e.mu.RLock()
	rec, ok := e.operators[operatorID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	out := make([]Violation, len(rec.violations))
	copy(out, rec.violations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Operators lists every operator with at least one recorded violation.
func (e *Engine) Operators() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.operators))
	for id := range e.operators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// record returns (creating if needed) the aggregate for an operator.
// Caller holds the operator's lock.
func (e *Engine) record(operatorID string) *operatorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.operators[operatorID]
	if !ok {
		rec = &operatorRecord{users: make(map[string]struct{})}
		e.operators[operatorID] = rec
	}
	return rec
}

// Per-severity score deductions. Acceptable violations deduct nothing.
const (
	minorPenalty    = 2
	moderatePenalty = 5
	majorPenalty    = 15
	criticalPenalty = 30
)

// reportLocked recomputes the aggregate from the full violation history.
// Caller holds the operator's lock.
func reportLocked(operatorID string, rec *operatorRecord) Report {
	rep := Report{
		OperatorID: operatorID,
		BySeverity: map[Severity]int{},
	}
	rep.ViolationCount = len(rec.violations)
	rep.AffectedUsers = len(rec.users)

	var devSum float64
	for _, v := range rec.violations {
		rep.BySeverity[v.Severity]++
		devSum += math.Abs(v.Deviation)
		if v.ObservedAt.After(rep.LastViolation) {
			rep.LastViolation = v.ObservedAt
		}
	}
	if rep.ViolationCount > 0 {
		rep.AvgDeviation = devSum / float64(rep.ViolationCount)
	}

	score := 100
	score -= minorPenalty * rep.BySeverity[SeverityMinor]
	score -= moderatePenalty * rep.BySeverity[SeverityModerate]
	score -= majorPenalty * rep.BySeverity[SeverityMajor]
	score -= criticalPenalty * rep.BySeverity[SeverityCritical]

	// Breadth: the same pattern hitting many users is worse than one
	// user's unlucky session.
	switch {
	case rep.AffectedUsers > 10:
		score -= 20
	case rep.AffectedUsers > 5:
		score -= 10
	case rep.AffectedUsers > 2:
		score -= 5
	}

	// Magnitude: large average shortfalls compound the damage.
	switch {
	case rep.AvgDeviation >= 0.15:
		score -= 25
	case rep.AvgDeviation >= 0.10:
		score -= 15
	case rep.AvgDeviation >= 0.05:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	rep.Score = score
	return rep
}

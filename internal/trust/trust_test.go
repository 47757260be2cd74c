package trust

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		deviation   float64
		significant bool
		want        Severity
	}{
		{-0.20, true, SeverityCritical},
		{-0.20, false, SeverityMajor},
		{0.16, true, SeverityCritical}, // favorable extremes register too
		{-0.12, true, SeverityMajor},
		{-0.12, false, SeverityModerate},
		{-0.07, true, SeverityMinor},
		{-0.07, false, SeverityMinor},
		{-0.04, true, SeverityAcceptable},
		{0, false, SeverityAcceptable},
	}
	for _, tc := range cases {
		got := SeverityFor(tc.deviation, tc.significant)
		assert.Equal(t, tc.want, got, "deviation %v significant %v", tc.deviation, tc.significant)
	}
}

func TestRecord_AcceptableCountsWithoutPenalty(t *testing.T) {
	e := NewEngine()

	// Small shortfalls still grow the history and the affected-user set;
	// they just cost the operator nothing.
	e.Record("op1", Violation{UserID: "u1", Severity: SeverityAcceptable, Deviation: -0.035, ObservedAt: t0})
	e.Record("op1", Violation{UserID: "u2", Severity: SeverityAcceptable, Deviation: -0.035, ObservedAt: t0.Add(time.Minute)})

	rep := e.Report("op1")
	assert.Equal(t, 100, rep.Score)
	assert.Equal(t, 2, rep.ViolationCount)
	assert.Equal(t, 2, rep.AffectedUsers)
	assert.Equal(t, 2, rep.BySeverity[SeverityAcceptable])
	assert.InDelta(t, 0.035, rep.AvgDeviation, 1e-9)
}

func TestReport_UnknownOperatorScoresFull(t *testing.T) {
	e := NewEngine()
	rep := e.Report("op_clean")
	assert.Equal(t, 100, rep.Score)
	assert.Zero(t, rep.ViolationCount)
}

func TestRecord_ScoreRecomputedFromHistory(t *testing.T) {
	e := NewEngine()

	// Three major violations from one user, deviations averaging 0.12:
	// 100 - 3*15 (major) - 15 (avg deviation >= 0.10) = 40.
	for i := 0; i < 3; i++ {
		e.Record("op1", Violation{
			UserID:     "u1",
			Severity:   SeverityMajor,
			Deviation:  -0.12,
			ObservedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}

	rep := e.Report("op1")
	assert.Equal(t, 40, rep.Score)
	assert.Equal(t, 3, rep.ViolationCount)
	assert.Equal(t, 1, rep.AffectedUsers)
	assert.Equal(t, 3, rep.BySeverity[SeverityMajor])
	assert.InDelta(t, 0.12, rep.AvgDeviation, 1e-9)
	assert.Equal(t, t0.Add(2*time.Minute), rep.LastViolation)
}

func TestRecord_UserBreadthPenalty(t *testing.T) {
	e := NewEngine()

	// Four users, one minor violation each with small deviations:
	// 100 - 4*2 (minor) - 5 (>2 users) - 5 (avg deviation >= 0.05) = 82.
	for i := 0; i < 4; i++ {
		e.Record("op1", Violation{
			UserID:     fmt.Sprintf("u%d", i),
			Severity:   SeverityMinor,
			Deviation:  -0.06,
			ObservedAt: t0,
		})
	}

	rep := e.Report("op1")
	assert.Equal(t, 82, rep.Score)
	assert.Equal(t, 4, rep.AffectedUsers)
}

func TestRecord_ScoreClampsAtZero(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 20; i++ {
		e.Record("op1", Violation{
			UserID:     fmt.Sprintf("u%d", i),
			Severity:   SeverityCritical,
			Deviation:  -0.30,
			ObservedAt: t0,
		})
	}
	assert.Equal(t, 0, e.Report("op1").Score)
}

func TestRecord_OperatorsIsolated(t *testing.T) {
	e := NewEngine()
	e.Record("op_bad", Violation{UserID: "u1", Severity: SeverityCritical, Deviation: -0.3, ObservedAt: t0})

	assert.Equal(t, 100, e.Report("op_other").Score)
	assert.Less(t, e.Report("op_bad").Score, 100)
	assert.Equal(t, []string{"op_bad"}, e.Operators())
}

func TestViolations_NewestFirstWithLimit(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 5; i++ {
		e.Record("op1", Violation{
			UserID:     "u1",
			SessionID:  fmt.Sprintf("sess_%d", i),
			Severity:   SeverityMinor,
			Deviation:  -0.06,
			ObservedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}

	got := e.Violations("op1", 3)
	assert.Len(t, got, 3)
	assert.Equal(t, "sess_4", got[0].SessionID)
	assert.Equal(t, "sess_2", got[2].SessionID)

	assert.Len(t, e.Violations("op1", 0), 5)
	assert.Nil(t, e.Violations("op_unknown", 0))
}

func TestRecord_Concurrent(t *testing.T) {
	e := NewEngine()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				e.Record("op1", Violation{
					UserID:     fmt.Sprintf("u%d", n),
					Severity:   SeverityMinor,
					Deviation:  -0.06,
					ObservedAt: t0,
				})
			}
		}(i)
	}
	wg.Wait()

	rep := e.Report("op1")
	assert.Equal(t, 200, rep.ViolationCount)
	assert.Equal(t, 8, rep.AffectedUsers)
}

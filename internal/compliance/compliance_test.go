package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiltcheck/fairwatch/internal/audit"
	"github.com/tiltcheck/fairwatch/internal/notify"
	"github.com/tiltcheck/fairwatch/internal/stats"
	"github.com/tiltcheck/fairwatch/internal/trust"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore(10000)
	return NewService(store, trust.NewEngine(), nil, nil, 10), store
}

func resultWith(deviation float64, significant bool) stats.Result {
	verdict := stats.VerdictSuspicious
	if deviation <= -0.15 && significant {
		verdict = stats.VerdictHighlySuspicious
	}
	p := 0.5
	if significant {
		p = 0.001
	}
	return stats.Result{
		SampleSize:  150,
		ObservedRTP: 0.96 + deviation,
		Expected:    stats.Profile{Min: 0.94, Typical: 0.96, Max: 0.98},
		Deviation:   deviation,
		Verdict:     verdict,
		Stats:       stats.TestStats{PValue: p, Significant: significant},
	}
}

func TestRecordMismatch_SubMinorShortfallStillCounts(t *testing.T) {
	svc, store := newTestService()

	// Observed 0.96 against a claimed 0.995: inside the minor threshold,
	// but the aggregate must still see it.
	res := stats.Result{
		SampleSize:  150,
		ObservedRTP: 0.96,
		Expected:    stats.Profile{Min: 0.975, Typical: 0.995, Max: 1.0},
		Deviation:   -0.035,
		Verdict:     stats.VerdictMonitor,
		Stats:       stats.TestStats{PValue: 0.2},
	}
	out, err := svc.RecordMismatch(context.Background(), "u1", "op1", "", "sess_1", res)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, trust.SeverityAcceptable, out.Violation.Severity)
	assert.Nil(t, out.Case)
	assert.Equal(t, 100, out.Trust.Score, "acceptable shortfalls carry no score penalty")
	assert.Equal(t, 1, out.Trust.ViolationCount)
	assert.Equal(t, 1, out.Trust.AffectedUsers)

	all, _ := store.AllViolations(context.Background())
	assert.Len(t, all, 1)
}

func TestRecordMismatch_SubMinorPatternAcrossUsersEscalates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// The same small shortfall hitting three users is a pattern worth a
	// case even though no single violation scores.
	var last *Outcome
	for i := 0; i < 3; i++ {
		res := resultWith(-0.04, false)
		res.Verdict = stats.VerdictMonitor
		var err error
		last, err = svc.RecordMismatch(ctx, fmt.Sprintf("u%d", i), "op1", "", fmt.Sprintf("sess_%d", i), res)
		require.NoError(t, err)
	}

	require.NotNil(t, last.Case)
	assert.Equal(t, TriggerMultiUser, last.Case.TriggerType)
	assert.Equal(t, CaseSeverityLow, last.Case.Severity)
	assert.Len(t, last.Case.AffectedUsers, 3)
}

func TestRecordMismatch_MinorViolationNoCase(t *testing.T) {
	svc, store := newTestService()

	out, err := svc.RecordMismatch(context.Background(), "u1", "op1", "", "sess_1", resultWith(-0.06, false))
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, trust.SeverityMinor, out.Violation.Severity)
	assert.Nil(t, out.Case, "a single minor violation must not open a case")
	assert.Less(t, out.Trust.Score, 100)

	all, _ := store.AllViolations(context.Background())
	assert.Len(t, all, 1)
}

func TestRecordMismatch_CriticalOpensHighSeverityCase(t *testing.T) {
	svc, _ := newTestService()

	out, err := svc.RecordMismatch(context.Background(), "u1", "op1", "Lucky Spin Casino", "sess_1", resultWith(-0.20, true))
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, out.Case)

	c := out.Case
	assert.Equal(t, TriggerCriticalSeverity, c.TriggerType)
	assert.Equal(t, CaseSeverityHigh, c.Severity)
	assert.Equal(t, CaseStatusOpen, c.Status)
	assert.Equal(t, []string{"u1"}, c.AffectedUsers)
	assert.NotEmpty(t, c.Legal.Immediate)
	assert.NotEmpty(t, c.Legal.Evidence)
	assert.NotEmpty(t, c.Contacts)
	assert.Contains(t, c.UserNotice, "Lucky Spin Casino")
	assert.Contains(t, c.UserNotice, c.ID)
}

func TestRecordMismatch_OpenCaseDeduplicates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.RecordMismatch(ctx, "u1", "op1", "", "sess_1", resultWith(-0.20, true))
	require.NoError(t, err)
	require.NotNil(t, first.Case)

	second, err := svc.RecordMismatch(ctx, "u2", "op1", "", "sess_2", resultWith(-0.22, true))
	require.NoError(t, err)
	require.NotNil(t, second.Case)

	assert.Equal(t, first.Case.ID, second.Case.ID, "same (operator, trigger) must reuse the open case")
	assert.Equal(t, first.Case.EvidenceCount+1, second.Case.EvidenceCount)
	assert.ElementsMatch(t, []string{"u1", "u2"}, second.Case.AffectedUsers)

	open, err := svc.ActiveCases(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRecordMismatch_MultiUserTrigger(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// Minor violations never trigger on severity alone, but the same
	// pattern across three users does.
	var last *Outcome
	for i := 0; i < 3; i++ {
		var err error
		last, err = svc.RecordMismatch(ctx, fmt.Sprintf("u%d", i), "op1", "", fmt.Sprintf("sess_%d", i), resultWith(-0.06, false))
		require.NoError(t, err)
	}

	require.NotNil(t, last.Case)
	assert.Equal(t, TriggerMultiUser, last.Case.TriggerType)
	assert.Equal(t, CaseSeverityLow, last.Case.Severity)
	assert.Len(t, last.Case.AffectedUsers, 3)
}

func TestRecordMismatch_LowTrustTrigger(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// Two significant major violations drop the score to 55:
	// 100 - 2*15 - 15 (avg deviation >= 0.10).
	first, err := svc.RecordMismatch(ctx, "u1", "op1", "", "sess_1", resultWith(-0.12, true))
	require.NoError(t, err)
	assert.Nil(t, first.Case)

	second, err := svc.RecordMismatch(ctx, "u1", "op1", "", "sess_2", resultWith(-0.12, true))
	require.NoError(t, err)
	require.NotNil(t, second.Case)
	assert.Equal(t, TriggerLowTrust, second.Case.TriggerType)
	assert.Equal(t, CaseSeverityMedium, second.Case.Severity)
}

func TestCaseSeverity_GradedByDeviationMagnitude(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// Trust can erode from sheer volume of minor violations, but a case
	// built on small deviations still grades low.
	var last *Outcome
	for i := 0; i < 18; i++ {
		var err error
		last, err = svc.RecordMismatch(ctx, "u1", "op1", "", fmt.Sprintf("sess_%d", i), resultWith(-0.06, false))
		require.NoError(t, err)
	}

	require.NotNil(t, last.Case)
	assert.Equal(t, TriggerLowTrust, last.Case.TriggerType)
	assert.Equal(t, CaseSeverityLow, last.Case.Severity)
}

func TestCloseCase_ClearsDedupSlot(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.RecordMismatch(ctx, "u1", "op1", "", "sess_1", resultWith(-0.20, true))
	require.NoError(t, err)
	require.NotNil(t, first.Case)

	closed, err := svc.CloseCase(ctx, first.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, CaseStatusClosed, closed.Status)

	// A recurrence after closure is a new case, not a resurrection.
	again, err := svc.RecordMismatch(ctx, "u1", "op1", "", "sess_2", resultWith(-0.20, true))
	require.NoError(t, err)
	require.NotNil(t, again.Case)
	assert.NotEqual(t, first.Case.ID, again.Case.ID)
}

func TestGetCase_NotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.GetCase(context.Background(), "case_missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestLoadHistorical_ReplaysIntoTrust(t *testing.T) {
	store := NewMemoryStore(10000)
	ctx := context.Background()

	// Seed the store as if a previous process had recorded violations and
	// opened a case.
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveViolation(ctx, &Violation{
			ID:         fmt.Sprintf("vio_%d", i),
			UserID:     "u1",
			OperatorID: "op1",
			Severity:   trust.SeverityMajor,
			Deviation:  -0.12,
			CreatedAt:  time.Now(),
		}))
	}
	require.NoError(t, store.SaveCase(ctx, &Case{
		ID:          "case_old",
		OperatorID:  "op1",
		TriggerType: TriggerRepeatedMajor,
		Severity:    CaseSeverityMedium,
		Status:      CaseStatusOpen,
		OpenedAt:    time.Now(),
		UpdatedAt:   time.Now(),
	}))

	engine := trust.NewEngine()
	svc := NewService(store, engine, nil, nil, 10)
	require.NoError(t, svc.LoadHistorical(ctx))

	rep := engine.Report("op1")
	assert.Equal(t, 3, rep.ViolationCount, "violations must replay into the aggregate")
	assert.Less(t, rep.Score, 100)

	// The open case must be indexed: a matching escalation attaches
	// rather than opening a duplicate.
	out, err := svc.RecordMismatch(ctx, "u1", "op1", "", "sess_new", resultWith(-0.12, true))
	require.NoError(t, err)
	require.NotNil(t, out.Case)
	assert.Equal(t, "case_old", out.Case.ID)
}

func TestRecordMismatch_DeliversWebhook(t *testing.T) {
	received := make(chan notify.CaseAlert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert notify.CaseAlert
		_ = json.NewDecoder(r.Body).Decode(&alert)
		received <- alert
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore(10000)
	svc := NewService(store, trust.NewEngine(), notify.New(srv.URL, "secret", nil), audit.NewMemoryStore(100), 10)

	out, err := svc.RecordMismatch(context.Background(), "u1", "op1", "Lucky Spin Casino", "sess_1", resultWith(-0.20, true))
	require.NoError(t, err)
	require.NotNil(t, out.Case)

	select {
	case alert := <-received:
		assert.Equal(t, out.Case.ID, alert.CaseID)
		assert.Equal(t, "HIGH", alert.Severity)
		assert.Equal(t, 1, alert.AffectedUserCount)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

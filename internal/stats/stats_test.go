package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiltcheck/fairwatch/internal/ledger"
)

// snapshotOf builds a snapshot of $10 bets where wins return the full stake
// times the given multiplier.
func snapshotOf(wins, losses int, winReturn float64) ledger.Snapshot {
	snap := ledger.Snapshot{SessionID: "sess_test", UserID: "u1", OperatorID: "op1"}
	for i := 0; i < wins; i++ {
		snap.Completed = append(snap.Completed, ledger.CompletedBet{Wagered: 10, Returned: winReturn, GameType: "slots"})
	}
	for i := 0; i < losses; i++ {
		snap.Completed = append(snap.Completed, ledger.CompletedBet{Wagered: 10, Returned: 0, GameType: "slots"})
	}
	return snap
}

func TestEvaluate_AllLossesIsHighlySuspicious(t *testing.T) {
	// 100 bets of $10, every one lost. Observed RTP is exactly 0 and the
	// deviation from any realistic profile exceeds the extreme threshold.
	snap := snapshotOf(0, 100, 0)
	res := Evaluate(snap, Profile{Min: 0.94, Typical: 0.96, Max: 0.98}, 100)

	assert.Equal(t, 0.0, res.ObservedRTP)
	assert.Equal(t, -0.96, res.Deviation)
	assert.True(t, res.Stats.Significant)
	assert.Equal(t, VerdictHighlySuspicious, res.Verdict)
}

func TestEvaluate_ClaimedRTPShortfall(t *testing.T) {
	// claimedRTP=0.96, 150 bets of $10, totalWon=1230 => r=0.82.
	// Deviation is -0.14: unfavorable and significant, but short of the
	// extreme threshold, so SUSPICIOUS rather than HIGHLY_SUSPICIOUS.
	snap := snapshotOf(123, 27, 10)
	profile := ProfileFor(nil, 0.96)
	res := Evaluate(snap, profile, 100)

	require.Equal(t, 150, res.SampleSize)
	assert.InDelta(t, 0.82, res.ObservedRTP, 1e-9)
	assert.InDelta(t, -0.14, res.Deviation, 1e-9)
	assert.True(t, res.Stats.Significant)
	assert.Equal(t, VerdictSuspicious, res.Verdict)
	assert.NotEmpty(t, res.Findings)
}

func TestEvaluate_InsufficientData(t *testing.T) {
	snap := snapshotOf(0, 50, 0)
	res := Evaluate(snap, DefaultProfile, 100)

	assert.Equal(t, VerdictInsufficientData, res.Verdict)
	assert.False(t, res.HasEnoughData)
	assert.NotEmpty(t, res.Findings)
}

func TestEvaluate_EmptySnapshot(t *testing.T) {
	res := Evaluate(ledger.Snapshot{}, DefaultProfile, 100)

	assert.Equal(t, VerdictInsufficientData, res.Verdict)
	assert.Equal(t, 0.0, res.ObservedRTP, "RTP must be 0 when nothing was wagered")
}

func TestEvaluate_MonitorOutsideBand(t *testing.T) {
	// r=0.90 against the slots band [0.94, 0.98]: below the band but the
	// deviation (-0.06) is short of the suspicious threshold.
	snap := snapshotOf(90, 10, 10)
	res := Evaluate(snap, Profile{Min: 0.94, Typical: 0.96, Max: 0.98}, 100)

	assert.InDelta(t, 0.90, res.ObservedRTP, 1e-9)
	assert.Equal(t, VerdictMonitor, res.Verdict)
}

func TestEvaluate_FairNearTypical(t *testing.T) {
	// Alternate zero and 1.9x returns: r=0.95 against typical 0.95,
	// z-score 0, clearly fair.
	snap := ledger.Snapshot{}
	for i := 0; i < 200; i++ {
		ret := 0.0
		if i%2 == 0 {
			ret = 19
		}
		snap.Completed = append(snap.Completed, ledger.CompletedBet{Wagered: 10, Returned: ret, GameType: "crash"})
	}
	res := Evaluate(snap, Profile{Min: 0.90, Typical: 0.95, Max: 0.99}, 100)

	assert.Equal(t, VerdictFair, res.Verdict)
	assert.False(t, res.Stats.Significant)
}

func TestEvaluate_ZeroVarianceZeroDeviation(t *testing.T) {
	// Every bet returns exactly the expected ratio: no spread, no
	// deviation, nothing to test.
	snap := ledger.Snapshot{}
	for i := 0; i < 120; i++ {
		snap.Completed = append(snap.Completed, ledger.CompletedBet{Wagered: 10, Returned: 9.5, GameType: "slots"})
	}
	res := Evaluate(snap, Profile{Min: 0.95, Typical: 0.95, Max: 0.95}, 100)

	assert.Equal(t, VerdictInsufficientData, res.Verdict)
}

func TestEvaluate_Deterministic(t *testing.T) {
	snap := snapshotOf(80, 40, 12)
	profile := ProfileFor([]string{"slots"}, 0)

	a := Evaluate(snap, profile, 100)
	b := Evaluate(snap, profile, 100)
	assert.Equal(t, a, b, "same inputs must produce the same result")
}

func TestEvaluate_ConfidenceInterval(t *testing.T) {
	snap := snapshotOf(123, 27, 10)
	res := Evaluate(snap, ProfileFor(nil, 0.96), 100)

	st := res.Stats
	assert.InDelta(t, res.ObservedRTP-1.96*st.StdErr, st.Confidence.Lower, 1e-9)
	assert.InDelta(t, res.ObservedRTP+1.96*st.StdErr, st.Confidence.Upper, 1e-9)
	assert.Less(t, st.Confidence.Lower, st.Confidence.Upper)
}

func TestPValue_NormalCDF(t *testing.T) {
	// Known two-tailed values of the standard normal distribution.
	assert.InDelta(t, 1.0, pValue(0), 1e-12)
	assert.InDelta(t, 0.05, pValue(1.96), 5e-4)
	assert.InDelta(t, 0.0455, pValue(2.0), 5e-4)
	assert.InDelta(t, 0.0027, pValue(3.0), 5e-4)

	// Monotonically decreasing in |z|, with no table discontinuities.
	prev := 1.1
	for z := 0.0; z <= 5; z += 0.01 {
		p := pValue(z)
		assert.LessOrEqual(t, p, prev)
		prev = p
	}
}

func TestProfileFor(t *testing.T) {
	claimed := ProfileFor([]string{"slots"}, 0.97)
	assert.Equal(t, Profile{Min: 0.95, Typical: 0.97, Max: 0.99}, claimed, "claimed RTP overrides the game table")

	slots := ProfileFor([]string{"slots"}, 0)
	assert.Equal(t, 0.96, slots.Typical)

	unknown := ProfileFor([]string{"wheel_of_mystery"}, 0)
	assert.Equal(t, DefaultProfile, unknown)

	mixed := ProfileFor([]string{"slots", "dice"}, 0)
	assert.Equal(t, mixedProfile, mixed)

	none := ProfileFor(nil, 0)
	assert.Equal(t, DefaultProfile, none)
}

func TestEvaluate_OffScaleZRemainsFinite(t *testing.T) {
	snap := snapshotOf(0, 150, 0)
	res := Evaluate(snap, ProfileFor(nil, 0.96), 100)

	assert.False(t, math.IsInf(res.Stats.ZScore, 0), "z must stay JSON-encodable")
	assert.True(t, res.Stats.Significant)
	assert.Equal(t, 0.0, res.Stats.PValue)
}

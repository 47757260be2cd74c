// Package stats turns a session's settled bets into a fairness verdict.
//
// Everything here is a pure function over a ledger snapshot and an
// expected-return profile: observed RTP, per-bet return variance, z-score,
// two-tailed p-value from the standard normal distribution, 95% confidence
// interval, and a classified verdict with findings. The same inputs always
// produce the same Result.
package stats

import (
	"fmt"
	"math"

	"github.com/tiltcheck/fairwatch/internal/ledger"
)

// Verdict classifies a session's fairness.
type Verdict string

const (
	VerdictInsufficientData Verdict = "INSUFFICIENT_DATA"
	VerdictFair             Verdict = "FAIR"
	VerdictMonitor          Verdict = "MONITOR"
	VerdictSuspicious       Verdict = "SUSPICIOUS"
	VerdictHighlySuspicious Verdict = "HIGHLY_SUSPICIOUS"
)

// Classification thresholds. Deviation is observed RTP minus the profile's
// typical rate; the band comparison uses the profile's own min/max so
// high-variance games are not judged against a global constant.
const (
	extremeDeviation    = 0.15 // with significance: HIGHLY_SUSPICIOUS
	suspiciousDeviation = 0.10 // unfavorable: SUSPICIOUS
	significanceLevel   = 0.05
	ciZ                 = 1.96 // 95% two-sided
)

// Interval is a confidence interval on the observed return rate.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// TestStats is the statistics block of an analysis.
type TestStats struct {
	Mean        float64  `json:"mean"`
	Variance    float64  `json:"variance"`
	StdDev      float64  `json:"stdDev"`
	StdErr      float64  `json:"stdErr"`
	ZScore      float64  `json:"zScore"`
	PValue      float64  `json:"pValue"`
	Confidence  Interval `json:"confidenceInterval"`
	Significant bool     `json:"isStatisticallySignificant"`
}

// Result is the full fairness analysis of one session snapshot.
type Result struct {
	SampleSize    int     `json:"sampleSize"`
	MinSampleSize int     `json:"minSampleSize"`
	HasEnoughData bool    `json:"hasEnoughData"`
	TotalWagered  float64 `json:"totalWagered"`
	TotalWon      float64 `json:"totalWon"`
	NetProfit     float64 `json:"netProfit"`

	ObservedRTP        float64 `json:"observedRtp"`
	ObservedRTPPercent string  `json:"observedRtpPercent"`
	Expected           Profile `json:"expectedRtp"`
	Deviation          float64 `json:"deviation"` // observed - expected typical
	ObservedHouseEdge  string  `json:"observedHouseEdge"`
	ExpectedHouseEdge  string  `json:"expectedHouseEdge"`

	Stats TestStats `json:"statistics"`

	Verdict        Verdict  `json:"verdict"`
	TrustImpact    int      `json:"trustImpact"` // 0-100, session-level confidence in the operator
	Findings       []string `json:"findings"`
	Recommendation string   `json:"recommendation"`
}

// Evaluate analyzes the settled bets of a snapshot against an expected
// profile. minSampleSize is the bet count below which no verdict beyond
// INSUFFICIENT_DATA is issued.
func Evaluate(snap ledger.Snapshot, expected Profile, minSampleSize int) Result {
	n := len(snap.Completed)

	var wagered, won float64
	for _, b := range snap.Completed {
		wagered += b.Wagered
		won += b.Returned
	}

	res := Result{
		SampleSize:    n,
		MinSampleSize: minSampleSize,
		HasEnoughData: n >= minSampleSize,
		TotalWagered:  wagered,
		TotalWon:      won,
		NetProfit:     won - wagered,
		Expected:      expected,
	}
	if wagered > 0 {
		res.ObservedRTP = won / wagered
	}
	res.Deviation = res.ObservedRTP - expected.Typical
	res.ObservedRTPPercent = percent(res.ObservedRTP)
	res.ObservedHouseEdge = percent(1 - res.ObservedRTP)
	res.ExpectedHouseEdge = percent(1 - expected.Typical)

	if n == 0 {
		res.Verdict = VerdictInsufficientData
		res.TrustImpact = 100
		res.Recommendation = recommendationFor(VerdictInsufficientData)
		return res
	}

	res.Stats = computeStats(snap.Completed, res.ObservedRTP, expected.Typical)
	res.Verdict, res.TrustImpact, res.Findings = classify(res)
	res.Recommendation = recommendationFor(res.Verdict)
	return res
}

// computeStats derives the test statistics from per-bet return ratios.
// Population variance (divide by n), matching a full-session census rather
// than a sampled one.
func computeStats(bets []ledger.CompletedBet, observedRTP, expectedTypical float64) TestStats {
	n := len(bets)

	ratios := make([]float64, n)
	var sum float64
	for i, b := range bets {
		ratios[i] = b.Returned / b.Wagered
		sum += ratios[i]
	}
	mean := sum / float64(n)

	var variance float64
	for _, r := range ratios {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n)

	sd := math.Sqrt(variance)
	se := sd / math.Sqrt(float64(n))

	ts := TestStats{
		Mean:     mean,
		Variance: variance,
		StdDev:   sd,
		StdErr:   se,
	}

	dev := observedRTP - expectedTypical
	switch {
	case se > 0:
		ts.ZScore = dev / se
		ts.PValue = pValue(ts.ZScore)
		ts.Significant = ts.PValue < significanceLevel
		margin := ciZ * se
		ts.Confidence = Interval{Lower: observedRTP - margin, Upper: observedRTP + margin}
	case dev != 0:
		// Zero spread but the constant ratio differs from expectation:
		// the z-score is off the scale. Cap it at a finite sentinel so the
		// result stays JSON-encodable.
		ts.ZScore = math.Copysign(offScaleZ, dev)
		ts.PValue = 0
		ts.Significant = true
		ts.Confidence = Interval{Lower: observedRTP, Upper: observedRTP}
	default:
		// Zero spread, zero deviation: nothing to test.
		ts.PValue = 1
		ts.Confidence = Interval{Lower: observedRTP, Upper: observedRTP}
	}

	return ts
}

// offScaleZ stands in for an unbounded z-score when per-bet variance is zero.
const offScaleZ = 99.0

// pValue is the two-tailed p for a z-score under the standard normal
// distribution: P(|Z| >= |z|) = erfc(|z| / sqrt 2).
func pValue(z float64) float64 {
	return math.Erfc(math.Abs(z) / math.Sqrt2)
}

// classify applies the verdict precedence. First match wins: an extreme
// significant deviation outranks a merely out-of-band one, and band checks
// use the profile rather than a global constant.
func classify(res Result) (Verdict, int, []string) {
	var findings []string
	impact := 100

	if !res.HasEnoughData {
		findings = append(findings, fmt.Sprintf(
			"sample size too small (%d/%d), results not reliable yet",
			res.SampleSize, res.MinSampleSize))
		return VerdictInsufficientData, impact, findings
	}

	st := res.Stats
	dev := res.Deviation
	if st.StdErr == 0 && dev == 0 {
		findings = append(findings, "no outcome variance across bets, statistical test not applicable")
		return VerdictInsufficientData, impact, findings
	}

	// Advisory findings are accumulated regardless of which verdict wins.
	if res.ObservedRTP < res.Expected.Min {
		findings = append(findings, fmt.Sprintf(
			"observed RTP %s below expected range (%s - %s)",
			percent(res.ObservedRTP), percent(res.Expected.Min), percent(res.Expected.Max)))
		impact -= 10
	} else if res.ObservedRTP > res.Expected.Max {
		findings = append(findings, fmt.Sprintf(
			"observed RTP %s above expected range (favorable variance)", percent(res.ObservedRTP)))
		impact -= 5
	}
	if st.Significant && dev < 0 {
		findings = append(findings, fmt.Sprintf(
			"statistically significant unfavorable deviation (p=%.4f)", st.PValue))
		impact -= 20
	}
	if math.Abs(st.ZScore) > 3 {
		findings = append(findings, fmt.Sprintf(
			"extreme z-score (%.2f), very unlikely by chance", st.ZScore))
		impact -= 25
	}
	if math.Abs(dev) < 0.001 {
		findings = append(findings, "observed RTP matches expectation almost exactly, which is itself unusual")
		impact -= 15
	}
	if impact < 0 {
		impact = 0
	}

	switch {
	case math.Abs(dev) > extremeDeviation && st.Significant:
		return VerdictHighlySuspicious, impact, findings
	case dev < -suspiciousDeviation:
		return VerdictSuspicious, impact, findings
	case res.ObservedRTP < res.Expected.Min || res.ObservedRTP > res.Expected.Max:
		return VerdictMonitor, impact, findings
	default:
		return VerdictFair, impact, findings
	}
}

func recommendationFor(v Verdict) string {
	switch v {
	case VerdictInsufficientData:
		return "Continue playing to gather more data. Current results are preliminary."
	case VerdictFair:
		return "Operator appears to be paying out within normal variance of the expected rate."
	case VerdictMonitor:
		return "Minor deviation detected. Keep monitoring; this may be normal variance."
	case VerdictSuspicious:
		return "Observed return rate deviates significantly from expected. Consider other games or operators."
	case VerdictHighlySuspicious:
		return "Strong statistical evidence of unfair payouts. Stop playing and report to the licensing authority."
	default:
		return "Unable to determine. More data needed."
	}
}

// IsViolation reports whether a verdict counts against the operator's
// trust aggregate.
func (v Verdict) IsViolation() bool {
	return v != VerdictFair && v != VerdictInsufficientData
}

func percent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}

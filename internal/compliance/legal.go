package compliance

import (
	"fmt"
	"strings"
)

// LegalPlan is the recommended action checklist attached to a case.
type LegalPlan struct {
	Immediate []string `json:"immediate"` // within 24 hours
	ShortTerm []string `json:"shortTerm"` // within 7 days
	LongTerm  []string `json:"longTerm"`  // ongoing
	Evidence  []string `json:"evidenceManifest"`
}

// Contact is a regulatory body a case can be reported to.
type Contact struct {
	Authority    string `json:"authority"`
	Jurisdiction string `json:"jurisdiction"`
	Website      string `json:"website,omitempty"`
	Email        string `json:"email,omitempty"`
}

func legalPlan(severity CaseSeverity) LegalPlan {
	plan := LegalPlan{
		Immediate: []string{
			"Preserve all session data, bet records, and statistical analyses for the affected period",
			"Export the evidence package before any data retention window elapses",
			"Advise affected users to suspend play at this operator",
		},
		ShortTerm: []string{
			"File a formal complaint with the operator's licensing authority",
			"Request the operator's certified RTP audit reports for the affected games",
			"Notify affected users of their right to dispute settled wagers",
		},
		LongTerm: []string{
			"Monitor the operator for recurrence after any remediation",
			"Track the regulatory complaint through to resolution",
			"Review whether affected users are owed restitution under the applicable license terms",
		},
		Evidence: []string{
			"Per-session statistical analyses (observed RTP, z-scores, p-values, confidence intervals)",
			"Raw bet and outcome records for every affected session",
			"Violation history with severity grades and timestamps",
			"Operator trust score trajectory",
		},
	}
	if severity == CaseSeverityHigh {
		plan.Immediate = append([]string{
			"Escalate to the licensing authority immediately rather than waiting for the complaint cycle",
		}, plan.Immediate...)
	}
	return plan
}

// regulatoryContacts lists the bodies that accept fairness complaints for
// the jurisdictions most online operators are licensed in.
func regulatoryContacts() []Contact {
	return []Contact{
		{
			Authority:    "UK Gambling Commission",
			Jurisdiction: "United Kingdom",
			Website:      "https://www.gamblingcommission.gov.uk",
		},
		{
			Authority:    "Malta Gaming Authority",
			Jurisdiction: "Malta",
			Website:      "https://www.mga.org.mt",
			Email:        "complaints.mga@mga.org.mt",
		},
		{
			Authority:    "Curacao Gaming Control Board",
			Jurisdiction: "Curacao",
			Website:      "https://www.gamingcontrolcuracao.org",
		},
		{
			Authority:    "Gibraltar Gambling Commissioner",
			Jurisdiction: "Gibraltar",
			Website:      "https://www.gibraltar.gov.gi/finance-gaming-and-regulations/remote-gambling",
		},
		{
			Authority:    "New Jersey Division of Gaming Enforcement",
			Jurisdiction: "United States (NJ)",
			Website:      "https://www.nj.gov/oag/ge",
		},
	}
}

// userNotice renders the notice shown to affected users when a case opens.
func userNotice(c *Case) string {
	name := c.OperatorName
	if name == "" {
		name = c.OperatorID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Fairness notice regarding %s\n\n", name)
	fmt.Fprintf(&b,
		"Statistical monitoring of real play at this operator has detected payout rates that "+
			"deviate from the advertised or expected return-to-player percentages "+
			"(average shortfall %.2f%%, %d affected player(s)).\n\n",
		c.AvgDeviation*100, len(c.AffectedUsers))
	b.WriteString("What this means for you:\n")
	b.WriteString("- Your recorded sessions are part of the evidence attached to this case.\n")
	b.WriteString("- You may wish to suspend play at this operator until the matter is resolved.\n")
	b.WriteString("- You have the right to file a complaint with the operator's licensing authority; the case file lists the relevant contacts.\n\n")
	fmt.Fprintf(&b, "Case reference: %s\n", c.ID)
	return b.String()
}

// Package notify delivers escalation events to the developer webhook.
//
// Delivery is best-effort with bounded retries: an unreachable endpoint
// must never stall case handling, so callers fire Notifier.CaseOpened in a
// goroutine and move on.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tiltcheck/fairwatch/internal/logging"
	"github.com/tiltcheck/fairwatch/internal/retry"
)

// CaseAlert is the webhook payload sent when a legal case opens or gains
// new evidence.
type CaseAlert struct {
	CaseID                  string  `json:"caseId"`
	OperatorID              string  `json:"operatorId"`
	OperatorName            string  `json:"operatorName,omitempty"`
	Severity                string  `json:"severity"`
	TriggerType             string  `json:"triggerType"`
	AffectedUserCount       int     `json:"affectedUserCount"`
	AverageDeviationPercent string  `json:"averageDeviationPercent"`
	TrustScore              int     `json:"trustScore"`
	Timestamp               string  `json:"timestamp"` // RFC 3339
	Update                  bool    `json:"update"`    // true when evidence was added to an open case
	Deviation               float64 `json:"-"`
}

// Notifier posts case alerts to a single configured endpoint.
type Notifier struct {
	url    string
	secret string
	client *http.Client

	onResult func(ok bool) // delivery metrics hook, may be nil
}

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	baseDelay      = 500 * time.Millisecond
)

// New creates a notifier. An empty url disables delivery entirely.
func New(url, secret string, onResult func(ok bool)) *Notifier {
	return &Notifier{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: requestTimeout},
		onResult: onResult,
	}
}

// Enabled reports whether a webhook endpoint is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// CaseOpened delivers a case alert, retrying transient failures with
// backoff. 4xx responses are treated as permanent.
func (n *Notifier) CaseOpened(ctx context.Context, alert CaseAlert) {
	if n.url == "" {
		return
	}
	if alert.Timestamp == "" {
		alert.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	alert.AverageDeviationPercent = fmt.Sprintf("%.2f%%", alert.Deviation*100)

	payload, err := json.Marshal(alert)
	if err != nil {
		logging.L(ctx).Error("marshal case alert", "error", err, "caseId", alert.CaseID)
		return
	}

	err = retry.Do(ctx, maxAttempts, baseDelay, func() error {
		return n.post(ctx, payload)
	})
	if err != nil {
		logging.L(ctx).Warn("case alert delivery failed",
			"caseId", alert.CaseID, "operatorId", alert.OperatorID, "error", err)
		if n.onResult != nil {
			n.onResult(false)
		}
		return
	}
	logging.L(ctx).Info("case alert delivered", "caseId", alert.CaseID, "severity", alert.Severity)
	if n.onResult != nil {
		n.onResult(true)
	}
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fairwatch-Event", "case.opened")
	req.Header.Set("X-Fairwatch-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if n.secret != "" {
		req.Header.Set("X-Fairwatch-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("webhook rejected delivery: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

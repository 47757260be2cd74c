package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() CaseAlert {
	return CaseAlert{
		CaseID:            "case_123",
		OperatorID:        "op1",
		OperatorName:      "Lucky Spin Casino",
		Severity:          "HIGH",
		TriggerType:       "critical_severity",
		AffectedUserCount: 4,
		TrustScore:        35,
		Deviation:         -0.14,
	}
}

func TestCaseOpened_DeliversSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotSig, gotEvent string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Fairwatch-Signature")
		gotEvent = r.Header.Get("X-Fairwatch-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var delivered atomic.Bool
	n := New(srv.URL, "hunter2", func(ok bool) { delivered.Store(ok) })
	n.CaseOpened(context.Background(), testAlert())

	require.NotEmpty(t, gotBody)
	assert.Equal(t, "case.opened", gotEvent)
	assert.True(t, delivered.Load())

	// Signature must be the HMAC-SHA256 of the exact bytes on the wire.
	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "case_123", payload["caseId"])
	assert.Equal(t, "-14.00%", payload["averageDeviationPercent"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestCaseOpened_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var ok atomic.Bool
	n := New(srv.URL, "", func(delivered bool) { ok.Store(delivered) })
	n.CaseOpened(context.Background(), testAlert())

	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, ok.Load())
}

func TestCaseOpened_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var ok atomic.Bool
	ok.Store(true)
	n := New(srv.URL, "", func(delivered bool) { ok.Store(delivered) })
	n.CaseOpened(context.Background(), testAlert())

	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
	assert.False(t, ok.Load())
}

func TestCaseOpened_DisabledWithoutURL(t *testing.T) {
	called := false
	n := New("", "secret", func(bool) { called = true })

	assert.False(t, n.Enabled())
	n.CaseOpened(context.Background(), testAlert())
	assert.False(t, called, "disabled notifier must not report deliveries")
}

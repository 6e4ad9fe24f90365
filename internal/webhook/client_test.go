package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

func testClient(attempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		gotSig, gotTS, gotEvt, gotDelivery string
		gotBody                            []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(1).Send(context.Background(), srv.URL, EventJobSucceeded, map[string]any{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotTS == "" || gotDelivery == "" {
		t.Fatalf("expected timestamp and delivery headers, got ts=%q delivery=%q", gotTS, gotDelivery)
	}
	if gotEvt != EventJobSucceeded {
		t.Fatalf("expected event header %s, got %q", EventJobSucceeded, gotEvt)
	}

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(gotTS + "."))
	mac.Write(gotBody)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("expected signature %s, got %s", want, gotSig)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := testClient(3).Send(context.Background(), srv.URL, EventJobFailed, map[string]any{}); err != nil {
		t.Fatalf("expected delivery on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	if err := testClient(3).Send(context.Background(), srv.URL, EventJobFailed, map[string]any{}); err == nil {
		t.Fatal("expected delivery error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	if err := testClient(1).Send(context.Background(), "  ", EventJobFailed, nil); err != nil {
		t.Fatalf("expected no-op for empty endpoint, got %v", err)
	}
}

func TestNewJobEvent(t *testing.T) {
	now := time.Now().UTC()
	job := domain.NewJob("job-9", domain.CreateJobRequest{Task: "ffmpeg_fade"}, now)
	if _, _, ok := NewJobEvent(job); ok {
		t.Fatal("expected no event for queued job")
	}

	if err := job.Claim(now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := job.Fail("step fade exited with status 1", now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	event, body, ok := NewJobEvent(job)
	if !ok || event != EventJobFailed {
		t.Fatalf("expected %s, got %q ok=%v", EventJobFailed, event, ok)
	}
	if body.Error == "" || body.Outputs != nil {
		t.Fatalf("expected error without outputs, got %+v", body)
	}
}

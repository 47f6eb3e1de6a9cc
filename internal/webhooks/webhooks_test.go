package webhooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/webhooks"
)

func TestResolveTargets(t *testing.T) {
	urls := []string{
		"http://example.com/hook/{job_id}",
		"ftp://invalid.example.com/hook",
		" http://example.com/hook/{job_id} ",
		"http://example.com/{kind}/",
		"",
	}

	payload := webhooks.Payload{JobID: "J1", Kind: "sync"}
	got := webhooks.ResolveTargets(urls, payload, nil)

	expected := []string{
		"http://example.com/hook/J1",
		"http://example.com/sync",
	}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected urls\nexpected: %v\nactual:   %v", expected, got)
	}
}

func TestDispatchPostsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhooks.Payload
	)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		var p webhooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	finished := time.Now().UTC()
	job := &domain.JobRecord{
		ID:         "J1",
		Kind:       domain.JobKindSync,
		Status:     domain.JobStatusCompleted,
		Report:     json.RawMessage(`{"counts":{}}`),
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}

	d := webhooks.NewDispatcher(nil)
	n := d.Dispatch(context.Background(), []string{ok.URL + "/a", ok.URL + "/b", failing.URL}, webhooks.PayloadFor(job))
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(received))
	}
	if received[0].JobID != "J1" || received[0].Status != "completed" {
		t.Fatalf("unexpected payload %+v", received[0])
	}
	if string(received[0].Report) != `{"counts":{}}` {
		t.Fatalf("report not passed through: %s", received[0].Report)
	}
}

func TestPayloadForEmptyReport(t *testing.T) {
	p := webhooks.PayloadFor(&domain.JobRecord{ID: "J2", Kind: domain.JobKindReconcile, Status: domain.JobStatusFailed})
	if string(p.Report) != "{}" {
		t.Fatalf("expected empty object, got %s", p.Report)
	}
}

func TestDispatchNoTargets(t *testing.T) {
	if n := webhooks.NewDispatcher(nil).Dispatch(context.Background(), nil, webhooks.Payload{}); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

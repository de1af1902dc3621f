package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendBatchCarriesAuthAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotKey string
	var gotPayload struct {
		Events []BatchEvent `json:"events"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/batch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(BatchResult{Inserted: 2})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{ServerURL: server.URL, AccessToken: "token-123"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	batch := []BatchEvent{
		{ID: "event-a", Type: "attendance", Payload: "{}", OccurredAtSeconds: 100},
		{ID: "event-b", Type: "task", Payload: "{}", OccurredAtSeconds: 101},
	}
	result, err := client.SendBatch(context.Background(), batch, "batch-key-1")
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if result.Inserted != 2 || result.Replayed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("authorization header %q", gotAuth)
	}
	if gotKey != "batch-key-1" {
		t.Fatalf("idempotency key %q", gotKey)
	}
	if len(gotPayload.Events) != 2 || gotPayload.Events[0].ID != "event-a" {
		t.Fatalf("unexpected payload: %+v", gotPayload)
	}
}

func TestSendBatchReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{ServerURL: server.URL, AccessToken: "token-123"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.SendBatch(context.Background(), []BatchEvent{{Type: "task"}}, ""); err == nil {
		t.Fatalf("expected an error for a rejected batch")
	}
}

func TestFetchSincePassesCursorAndReadsStaleHeader(t *testing.T) {
	var gotCursor, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/since" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set(CursorStaleHeader, "1")
		json.NewEncoder(w).Encode([]FeedEvent{})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{ServerURL: server.URL, AccessToken: "token-123"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	page, err := client.FetchSince(context.Background(), "event-gone", 50)
	if err != nil {
		t.Fatalf("fetch since: %v", err)
	}
	if !page.CursorStale {
		t.Fatalf("expected the stale flag from the response header")
	}
	if len(page.Events) != 0 {
		t.Fatalf("expected an empty page, got %d events", len(page.Events))
	}
	if gotCursor != "event-gone" || gotLimit != "50" {
		t.Fatalf("query cursor=%q limit=%q", gotCursor, gotLimit)
	}
}

func TestFetchSinceDecodesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]FeedEvent{
			{ID: "event-a", Type: "attendance", Payload: `{"worker":"w1"}`, OccurredAtSeconds: 100, CreatedAtNanos: 1},
			{ID: "event-b", Type: "task", Payload: "{}", OccurredAtSeconds: 101, CreatedAtNanos: 2},
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{ServerURL: server.URL, AccessToken: "token-123"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	page, err := client.FetchSince(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("fetch since: %v", err)
	}
	if page.CursorStale {
		t.Fatalf("stale flag set without the header")
	}
	if len(page.Events) != 2 || page.Events[1].ID != "event-b" {
		t.Fatalf("unexpected page: %+v", page.Events)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{AccessToken: "token"}); err == nil {
		t.Fatalf("expected missing server url error")
	}
	if _, err := NewClient(ClientConfig{ServerURL: "http://localhost"}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cleanops/fieldsync/internal/events"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubTokenValidator struct {
	subjects map[string]string
}

func (v *stubTokenValidator) ValidateToken(token string) (string, error) {
	subject, ok := v.subjects[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return subject, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:fieldsync_router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&events.Event{}, &events.IngestBatch{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := events.NewService(events.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: events.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct event service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: &stubTokenValidator{subjects: map[string]string{"token-1": "worker-1"}},
		EventService:   service,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func TestBatchIngestRequiresBearerToken(t *testing.T) {
	handler := newTestHandler(t)

	request := httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader(`{"events":[]}`))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestBatchIngestThenFeedRoundTrip(t *testing.T) {
	handler := newTestHandler(t)

	body := `{"events":[
		{"id":"ev-1","type":"attendance","payload":"{\"kind\":\"clock-in\"}","occurred_at_s":1700000000},
		{"id":"ev-2","type":"photo","payload":"{}","occurred_at_s":1700000010}
	]}`
	request := httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer token-1")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var ingest struct {
		Inserted int `json:"inserted"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &ingest); err != nil {
		t.Fatalf("failed to decode ingest response: %v", err)
	}
	if ingest.Inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d", ingest.Inserted)
	}

	feedRequest := httptest.NewRequest(http.MethodGet, "/sync/since", nil)
	feedRequest.Header.Set("Authorization", "Bearer token-1")
	feedRecorder := httptest.NewRecorder()
	handler.ServeHTTP(feedRecorder, feedRequest)

	if feedRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", feedRecorder.Code)
	}
	var page []struct {
		ID             string `json:"id"`
		Type           string `json:"type"`
		CreatedAtNanos int64  `json:"created_at_ns"`
	}
	if err := json.Unmarshal(feedRecorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode feed response: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page))
	}
	if page[0].ID != "ev-1" || page[1].ID != "ev-2" {
		t.Fatalf("unexpected feed order: %s, %s", page[0].ID, page[1].ID)
	}
	if page[0].CreatedAtNanos != page[1].CreatedAtNanos {
		t.Fatalf("batch members should share a creation timestamp")
	}
}

func TestBatchIngestDeduplicatesIdempotencyKey(t *testing.T) {
	handler := newTestHandler(t)

	send := func() *httptest.ResponseRecorder {
		body := `{"events":[{"id":"ev-1","type":"attendance","payload":"{}","occurred_at_s":1700000000}]}`
		request := httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader(body))
		request.Header.Set("Authorization", "Bearer token-1")
		request.Header.Set("Idempotency-Key", "flush-1")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", second.Code)
	}
	var replayed struct {
		Inserted int  `json:"inserted"`
		Replayed bool `json:"replayed"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &replayed); err != nil {
		t.Fatalf("failed to decode replay response: %v", err)
	}
	if !replayed.Replayed || replayed.Inserted != 1 {
		t.Fatalf("unexpected replay response: %+v", replayed)
	}
}

func TestFeedFlagsStaleCursorWithEmptyBody(t *testing.T) {
	handler := newTestHandler(t)

	request := httptest.NewRequest(http.MethodGet, "/sync/since?cursor=gone", nil)
	request.Header.Set("Authorization", "Bearer token-1")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("stale cursor must not be an HTTP error, got %d", recorder.Code)
	}
	if recorder.Header().Get(CursorStaleHeader) != "1" {
		t.Fatalf("expected stale cursor header")
	}
	var page []json.RawMessage
	if err := json.Unmarshal(recorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode feed response: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("stale cursor must yield an empty page, got %d", len(page))
	}
}

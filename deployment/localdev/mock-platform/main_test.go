package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestSubmitStatementRejectsBadRequests(t *testing.T) {
	h := newPlatform().routes()
	if rec := post(t, h, "/api/2.0/sql/statements", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}
	if rec := post(t, h, "/api/2.0/sql/statements", `{"warehouse_id":"wh"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty statement: expected 400, got %d", rec.Code)
	}
}

func TestStatementPendingThenSucceeded(t *testing.T) {
	h := newPlatform().routes()
	rec := post(t, h, "/api/2.0/sql/statements",
		`{"warehouse_id":"wh","statement":"INSERT INTO alert_history VALUES (:a)","parameters":[{"name":"a","value":"1"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var submitted struct {
		StatementID string `json:"statement_id"`
		Status      struct {
			State string `json:"state"`
		} `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitted.StatementID == "" || submitted.Status.State != "PENDING" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}

	poll := httptest.NewRecorder()
	h.ServeHTTP(poll, httptest.NewRequest(http.MethodGet, "/api/2.0/sql/statements/"+submitted.StatementID, nil))
	if poll.Code != http.StatusOK || !strings.Contains(poll.Body.String(), "SUCCEEDED") {
		t.Fatalf("poll: got %d %s", poll.Code, poll.Body.String())
	}

	missing := httptest.NewRecorder()
	h.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/2.0/sql/statements/unknown", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown statement: expected 404, got %d", missing.Code)
	}
}

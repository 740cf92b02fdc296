// Package testutil provides common test helpers for NexusCoach packages.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Error("response missing or invalid 'status' field")
		return response
	}
	if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// SeedSubject registers a subject in st.
func SeedSubject(t testing.TB, st store.SubjectStore, s models.Subject) {
	t.Helper()
	if _, err := st.UpsertSubject(context.Background(), s); err != nil {
		t.Fatalf("failed to seed subject %s: %v", s.IdentityKey, err)
	}
}

// SeedSessions stores each record in st.
func SeedSessions(t testing.TB, st store.SessionStore, recs ...models.SessionRecord) {
	t.Helper()
	for _, rec := range recs {
		if err := st.CreateSession(context.Background(), rec); err != nil {
			t.Fatalf("failed to seed session %s: %v", rec.ID, err)
		}
	}
}

// AssertSessionStatus fails the test unless sessionID exists with status.
func AssertSessionStatus(t testing.TB, st store.SessionStore, sessionID string, status models.SessionStatus) {
	t.Helper()
	rec, err := st.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("failed to load session %s: %v", sessionID, err)
	}
	if rec == nil {
		t.Fatalf("session %s not found", sessionID)
	}
	if rec.Status != status {
		t.Errorf("session %s: expected status %s, got %s", sessionID, status, rec.Status)
	}
}

package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/store"
)

// recordingTB captures failures so helpers can be tested for the failing path.
type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...interface{}) {
	r.failed = true
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		actual   int
		fail     bool
	}{
		{"match", http.StatusOK, http.StatusOK, false},
		{"mismatch", http.StatusOK, http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingTB{TB: t}
			AssertHTTPStatus(rec, tt.expected, tt.actual, tt.name)
			if rec.failed != tt.fail {
				t.Errorf("expected failed=%v, got %v", tt.fail, rec.failed)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":{"session_id":"s1"}}`)

	resp := AssertJSONResponse(t, rr, "ok")
	result, ok := resp["result"].(map[string]interface{})
	if !ok || result["session_id"] != "s1" {
		t.Errorf("unexpected response %v", resp)
	}

	rr = httptest.NewRecorder()
	rr.WriteString(`{"status":"error"}`)
	rec := &recordingTB{TB: t}
	AssertJSONResponse(rec, rr, "ok")
	if !rec.failed {
		t.Error("expected mismatch to fail")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/devices/d1/readings", models.Reading{Alerts: 2})
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"correct_seconds":0,"incorrect_seconds":0,"seated_seconds":0,"standing_seconds":0,"alerts":2}` {
		t.Errorf("unexpected body %s", body)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if body, _ := io.ReadAll(req.Body); len(body) != 0 {
		t.Errorf("expected empty body, got %s", body)
	}
}

func TestSeedHelpers(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedSubject(t, st, models.Subject{IdentityKey: "5491100000000", Name: "Ana", Tier: models.TierFree})
	subj, err := st.GetSubject(context.Background(), "5491100000000")
	if err != nil || subj == nil || subj.Name != "Ana" {
		t.Fatalf("subject not seeded: %+v, %v", subj, err)
	}

	now := time.Now()
	SeedSessions(t, st,
		models.SessionRecord{ID: "a", SubjectID: "5491100000000", Status: models.SessionStatusActive, EndsAt: now.Add(time.Hour)},
		models.SessionRecord{ID: "b", SubjectID: "5491100000000", Status: models.SessionStatusFinalized, EndsAt: now},
	)
	AssertSessionStatus(t, st, "a", models.SessionStatusActive)
	AssertSessionStatus(t, st, "b", models.SessionStatusFinalized)
}

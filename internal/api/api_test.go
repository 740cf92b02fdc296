package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/testutil"
)

type fakeBackend struct {
	pingErr  error
	sessions map[string]*models.SessionRecord
	metrics  map[string]*models.AnalysisMetrics
}

func (f *fakeBackend) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeBackend) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	return f.sessions[id], nil
}

func (f *fakeBackend) GetMetrics(ctx context.Context, sessionID string) (*models.AnalysisMetrics, error) {
	return f.metrics[sessionID], nil
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type fakeDevices struct {
	readings  map[string][]models.Reading
	sessions  map[string]string
	owners    map[string]string
	recordErr error
	calErr    error
	threshold int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		readings:  map[string][]models.Reading{},
		sessions:  map[string]string{},
		owners:    map[string]string{},
		threshold: 30,
	}
}

func (f *fakeDevices) RecordReading(ctx context.Context, deviceID string, r models.Reading) (string, error) {
	if f.recordErr != nil {
		return "", f.recordErr
	}
	id, ok := f.sessions[deviceID]
	if !ok {
		return "", models.ErrSessionNotFound
	}
	f.readings[deviceID] = append(f.readings[deviceID], r)
	return id, nil
}

func (f *fakeDevices) CalibrateDevice(ctx context.Context, deviceID string) (string, error) {
	if f.calErr != nil {
		return "", f.calErr
	}
	owner, ok := f.owners[deviceID]
	if !ok {
		return "", models.ErrSubjectNotFound
	}
	return owner, nil
}

func (f *fakeDevices) AlertThreshold(ctx context.Context, deviceID string) (int, error) {
	return f.threshold, nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return out
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name    string
		backend error
		cache   error
		want    int
		status  string
	}{
		{"healthy", nil, nil, http.StatusOK, "healthy"},
		{"store down", errors.New("dial tcp: refused"), nil, http.StatusServiceUnavailable, "degraded"},
		{"cache down", nil, errors.New("redis: closed"), http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeBackend{pingErr: tt.backend}, newFakeDevices(), WithCache(pinger{err: tt.cache}))
			rr := do(t, s, http.MethodGet, "/healthz", "")
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, "healthz")
			if got := decode(t, rr)["status"]; got != tt.status {
				t.Errorf("expected status %q, got %v", tt.status, got)
			}
		})
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	s := NewServer(&fakeBackend{}, newFakeDevices())
	rr := do(t, s, http.MethodPost, "/healthz", "")
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /healthz")
}

func TestReadingsHandler(t *testing.T) {
	devices := newFakeDevices()
	devices.sessions["dev-1"] = "sess-1"
	s := NewServer(&fakeBackend{}, devices)

	rr := do(t, s, http.MethodPost, "/devices/dev-1/readings",
		`{"correct_seconds":40,"incorrect_seconds":20,"seated_seconds":50,"standing_seconds":10,"alerts":2}`)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reading")

	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %v", resp)
	}
	if result["session_id"] != "sess-1" {
		t.Errorf("expected session_id sess-1, got %v", result["session_id"])
	}
	if result["alert_threshold"] != float64(30) {
		t.Errorf("expected alert_threshold 30, got %v", result["alert_threshold"])
	}
	got := devices.readings["dev-1"]
	if len(got) != 1 || got[0].CorrectSeconds != 40 || got[0].Alerts != 2 {
		t.Errorf("unexpected stored readings: %+v", got)
	}
}

func TestReadingsHandler_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		device    string
		body      string
		recordErr error
		want      int
	}{
		{"malformed json", "dev-1", `{"correct_seconds":`, nil, http.StatusBadRequest},
		{"unknown field", "dev-1", `{"posture":"bad"}`, nil, http.StatusBadRequest},
		{"negative counter", "dev-1", `{"correct_seconds":-1}`, nil, http.StatusBadRequest},
		{"no active session", "dev-9", `{"correct_seconds":1}`, nil, http.StatusNotFound},
		{"store failure", "dev-1", `{"correct_seconds":1}`, models.ErrPersistenceFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := newFakeDevices()
			devices.sessions["dev-1"] = "sess-1"
			devices.recordErr = tt.recordErr
			s := NewServer(&fakeBackend{}, devices)
			rr := do(t, s, http.MethodPost, "/devices/"+tt.device+"/readings", tt.body)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
		})
	}
}

func TestCalibrationHandler(t *testing.T) {
	tests := []struct {
		name   string
		device string
		calErr error
		want   int
	}{
		{"calibrated", "dev-1", nil, http.StatusOK},
		{"unknown device", "dev-2", nil, http.StatusNotFound},
		{"not registered", "dev-1", &models.PreconditionError{Missing: models.PreconditionRegistration}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := newFakeDevices()
			devices.owners["dev-1"] = "5491100000000"
			devices.calErr = tt.calErr
			s := NewServer(&fakeBackend{}, devices)
			rr := do(t, s, http.MethodPost, "/devices/"+tt.device+"/calibration", "")
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestSessionHandler(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend := &fakeBackend{
		sessions: map[string]*models.SessionRecord{
			"live": {ID: "live", SubjectID: "s1", Status: models.SessionStatusActive, CreatedAt: now, EndsAt: now.Add(time.Hour)},
			"done": {ID: "done", SubjectID: "s1", Status: models.SessionStatusFinalized, CreatedAt: now, EndsAt: now.Add(time.Hour)},
		},
		metrics: map[string]*models.AnalysisMetrics{
			"done": {SessionID: "done", CorrectPct: 75, IncorrectPct: 25, AlertsSent: 3},
		},
	}
	s := NewServer(backend, newFakeDevices())

	tests := []struct {
		id        string
		want      int
		finalized bool
		metrics   bool
	}{
		{"live", http.StatusOK, false, false},
		{"done", http.StatusOK, true, true},
		{"missing", http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rr := do(t, s, http.MethodGet, "/sessions/"+tt.id, "")
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.id)
			if tt.want != http.StatusOK {
				return
			}
			result := decode(t, rr)["result"].(map[string]interface{})
			if result["finalized"] != tt.finalized {
				t.Errorf("expected finalized %v, got %v", tt.finalized, result["finalized"])
			}
			if _, ok := result["metrics"]; ok != tt.metrics {
				t.Errorf("expected metrics present=%v, got %v", tt.metrics, result["metrics"])
			}
		})
	}
}

func TestTwilioWebhookMounting(t *testing.T) {
	s := NewServer(&fakeBackend{}, newFakeDevices())
	rr := do(t, s, http.MethodPost, "/webhooks/twilio", "")
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook without twilio")

	called := false
	s = NewServer(&fakeBackend{}, newFakeDevices(), WithTwilioWebhook(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	rr = do(t, s, http.MethodPost, "/webhooks/twilio", "Body=hola")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook with twilio")
	if !called {
		t.Error("expected webhook handler to be invoked")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrSessionNotFound, http.StatusNotFound},
		{models.ErrSubjectNotFound, http.StatusNotFound},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{&models.PreconditionError{Missing: models.PreconditionDevice}, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := NewServer(&fakeBackend{}, newFakeDevices(), WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

package store

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"postgresql://localhost/db", "postgres"},
		{"host=localhost user=nexus dbname=nexus", "postgres"},
		{"/var/lib/nexus/state.db", "sqlite"},
		{"file:state.db?_busy_timeout=1000", "sqlite"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestSQLDomainPlaceholderRebind(t *testing.T) {
	pg := &sqlDomain{postgres: true}
	got := pg.q(`SELECT a FROM t WHERE x = ? AND y = ?`)
	if got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Errorf("unexpected rebind: %s", got)
	}
	lite := &sqlDomain{}
	if lite.q(`x = ?`) != `x = ?` {
		t.Error("sqlite statements must be left unchanged")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := models.ConversationKey{UserID: "u1", ChatID: "c1"}
			got, err := s.GetConversation(ctx, key)
			if err != nil || got != nil {
				t.Fatalf("expected nil, nil for unknown conversation, got %v, %v", got, err)
			}

			conv := models.NewConversation(key)
			conv.State = models.AwaitingFormField(2)
			conv.Scratch.Form = models.RegistrationForm{Name: "Ana", Age: 31}
			if err := s.SaveConversation(ctx, conv); err != nil {
				t.Fatalf("SaveConversation failed: %v", err)
			}

			got, err = s.GetConversation(ctx, key)
			if err != nil {
				t.Fatalf("GetConversation failed: %v", err)
			}
			if got.State != models.AwaitingFormField(2) {
				t.Errorf("unexpected state %s", got.State)
			}
			if got.Scratch.Form.Name != "Ana" || got.Scratch.Form.Age != 31 {
				t.Errorf("unexpected scratch %+v", got.Scratch)
			}

			other := models.ConversationKey{UserID: "u1", ChatID: "group"}
			if g, _ := s.GetConversation(ctx, other); g != nil {
				t.Error("conversations in another chat must be independent")
			}

			if err := s.DeleteConversation(ctx, key); err != nil {
				t.Fatalf("DeleteConversation failed: %v", err)
			}
			if g, _ := s.GetConversation(ctx, key); g != nil {
				t.Error("expected conversation to be deleted")
			}
		})
	}
}

func TestSubjectUpsert(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			sub := models.Subject{IdentityKey: "u1", Name: "Ana", Age: 31, Tier: models.TierFree, DeviceID: "dev-1"}
			created, err := s.UpsertSubject(ctx, sub)
			if err != nil || !created {
				t.Fatalf("expected creation, got %v, %v", created, err)
			}
			if err := s.SetCalibrated(ctx, "u1", true); err != nil {
				t.Fatalf("SetCalibrated failed: %v", err)
			}

			sub.Name = "Ana María"
			created, err = s.UpsertSubject(ctx, sub)
			if err != nil || created {
				t.Fatalf("expected update, got %v, %v", created, err)
			}
			got, _ := s.GetSubject(ctx, "u1")
			if got.Name != "Ana María" || !got.Calibrated {
				t.Errorf("same device must keep calibration: %+v", got)
			}

			sub.DeviceID = "dev-2"
			s.UpsertSubject(ctx, sub)
			got, _ = s.GetSubject(ctx, "u1")
			if got.Calibrated {
				t.Error("changing device must reset calibration")
			}

			byDev, err := s.GetSubjectByDevice(ctx, "dev-2")
			if err != nil || byDev == nil || byDev.IdentityKey != "u1" {
				t.Errorf("GetSubjectByDevice = %v, %v", byDev, err)
			}

			if err := s.SetCalibrated(ctx, "nobody", true); !errors.Is(err, models.ErrSubjectNotFound) {
				t.Errorf("expected ErrSubjectNotFound, got %v", err)
			}
		})
	}
}

func TestDeviceBelongsToOneSubject(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			owner := models.Subject{IdentityKey: "owner", Name: "Ana", Age: 30, Tier: models.TierFree, DeviceID: "dev-1"}
			if _, err := s.UpsertSubject(ctx, owner); err != nil {
				t.Fatalf("UpsertSubject(owner) failed: %v", err)
			}

			other := models.Subject{IdentityKey: "other", Name: "Luis", Age: 25, Tier: models.TierFree, DeviceID: "dev-1"}
			_, err := s.UpsertSubject(ctx, other)
			if !errors.Is(err, models.ErrDeviceTaken) || !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("expected device taken, got %v", err)
			}
			if got, _ := s.GetSubject(ctx, "other"); got != nil {
				t.Errorf("expected no subject for the second registrant, got %+v", got)
			}
			if got, _ := s.GetSubjectByDevice(ctx, "dev-1"); got == nil || got.IdentityKey != "owner" {
				t.Errorf("device owner = %+v, want owner", got)
			}

			// Re-registering with the same device and several deviceless subjects are fine.
			owner.Name = "Ana María"
			if _, err := s.UpsertSubject(ctx, owner); err != nil {
				t.Errorf("owner re-registration failed: %v", err)
			}
			for _, id := range []string{"a", "b"} {
				if _, err := s.UpsertSubject(ctx, models.Subject{IdentityKey: id, Name: id, Age: 20, Tier: models.TierFree}); err != nil {
					t.Errorf("deviceless subject %s failed: %v", id, err)
				}
			}
		})
	}
}

func TestLedgerEntries(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			e := models.LedgerEntry{UserID: "u1", ActionKey: "proprio_analysis", Count: 1, ResetDate: "2026-10-16"}
			if err := s.SaveLedgerEntry(ctx, e); err != nil {
				t.Fatalf("SaveLedgerEntry failed: %v", err)
			}
			e.Count = 2
			s.SaveLedgerEntry(ctx, e)

			got, err := s.GetLedgerEntry(ctx, "u1", "proprio_analysis")
			if err != nil {
				t.Fatalf("GetLedgerEntry failed: %v", err)
			}
			if got.Count != 2 || got.ResetDate != "2026-10-16" || got.Used {
				t.Errorf("unexpected entry %+v", got)
			}
			if none, _ := s.GetLedgerEntry(ctx, "u1", "free_trial"); none != nil {
				t.Error("expected no entry for unused action")
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().Truncate(time.Second)
			rec := models.SessionRecord{
				ID: "s1", SubjectID: "u1", ChatID: "c1", DeviceID: "dev-1",
				IntervalSeconds: 1800, Mode: models.SessionModeDevice,
				CreatedAt: now, EndsAt: now.Add(30 * time.Minute),
			}
			if err := s.CreateSession(ctx, rec); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			active, err := s.GetActiveSessionForSubject(ctx, "u1")
			if err != nil || active == nil || active.ID != "s1" {
				t.Fatalf("GetActiveSessionForSubject = %v, %v", active, err)
			}
			list, _ := s.ListActiveSessions(ctx)
			if len(list) != 1 {
				t.Errorf("expected 1 active session, got %d", len(list))
			}

			s.AddReading(ctx, "s1", models.Reading{CorrectSeconds: 30, IncorrectSeconds: 10, Alerts: 1})
			s.AddReading(ctx, "s1", models.Reading{SeatedSeconds: 40, Alerts: 1})
			tally, err := s.GetReadingTally(ctx, "s1")
			if err != nil {
				t.Fatalf("GetReadingTally failed: %v", err)
			}
			if tally.CorrectSeconds != 30 || tally.SeatedSeconds != 40 || tally.Alerts != 2 {
				t.Errorf("unexpected tally %+v", tally)
			}

			closed, err := s.CloseSession(ctx, "s1", models.SessionStatusFinalized, now)
			if err != nil || !closed {
				t.Fatalf("first close = %v, %v", closed, err)
			}
			closed, err = s.CloseSession(ctx, "s1", models.SessionStatusAbandoned, now)
			if err != nil || closed {
				t.Fatalf("second close must be a no-op, got %v, %v", closed, err)
			}
			got, _ := s.GetSession(ctx, "s1")
			if got.Status != models.SessionStatusFinalized || got.FinalizedAt == nil {
				t.Errorf("unexpected record %+v", got)
			}
			if a, _ := s.GetActiveSessionForSubject(ctx, "u1"); a != nil {
				t.Error("finalized session must not be active")
			}

			m := models.MetricsFromTally("s1", tally)
			if err := s.SaveMetrics(ctx, m); err != nil {
				t.Fatalf("SaveMetrics failed: %v", err)
			}
			gotM, _ := s.GetMetrics(ctx, "s1")
			if gotM == nil || gotM.CorrectPct != 75 || gotM.AlertsSent != 2 {
				t.Errorf("unexpected metrics %+v", gotM)
			}

			if err := s.DeleteSession(ctx, "s1"); err != nil {
				t.Fatalf("DeleteSession failed: %v", err)
			}
			if g, _ := s.GetSession(ctx, "s1"); g != nil {
				t.Error("expected session to be deleted")
			}
		})
	}
}

func TestAlertThresholds(t *testing.T) {
	ctx := context.Background()
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if th, _ := s.GetAlertThreshold(ctx, "dev-1"); th != nil {
				t.Fatal("expected no threshold before configuration")
			}
			s.SaveAlertThreshold(ctx, models.AlertThreshold{DeviceID: "dev-1", Seconds: 45, Locked: true})
			th, err := s.GetAlertThreshold(ctx, "dev-1")
			if err != nil || th == nil || th.Seconds != 45 || !th.Locked {
				t.Errorf("GetAlertThreshold = %+v, %v", th, err)
			}
		})
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance reachable through DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	ctx := context.Background()
	pgStore.db.Exec("DELETE FROM conversations WHERE user_id = 'pg-test'")

	key := models.ConversationKey{UserID: "pg-test", ChatID: "pg-test"}
	conv := models.NewConversation(key)
	conv.State = models.AwaitingPhoto("Handstand")
	if err := pgStore.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	got, err := pgStore.GetConversation(ctx, key)
	if err != nil || got == nil || got.State.Exercise != "Handstand" {
		t.Errorf("GetConversation = %+v, %v", got, err)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/NexusCoach/internal/store"
)

// RegisterJobHandlers registers the session job handlers with runner.
func RegisterJobHandlers(runner *store.JobRunner, m *Manager) {
	runner.RegisterHandler(store.JobKindSessionEnd, m.makeSessionEndHandler())
}

// makeSessionEndHandler finalizes sessions whose in-process end timer was
// lost, typically because the process restarted.
func (m *Manager) makeSessionEndHandler() store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p EndJobPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid session_end payload: %w", err)
		}
		slog.Info("JobHandler.session_end: executing", "sessionID", p.SessionID)

		rec, err := m.backend.GetSession(ctx, p.SessionID)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if rec == nil || rec.Finalized() {
			slog.Info("JobHandler.session_end: session already closed, skipping", "sessionID", p.SessionID)
			return nil
		}

		if m.notifier != nil {
			m.notifier.SessionEnded(ctx, *rec)
			return nil
		}
		if _, _, err := m.Finalize(ctx, p.SessionID); err != nil {
			return fmt.Errorf("finalize failed: %w", err)
		}
		return nil
	}
}

package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

// Armer re-creates the timers of a session. session.Manager satisfies it.
type Armer interface {
	Arm(ctx context.Context, rec models.SessionRecord) error
}

// SessionRecoveryHandler provides the callback for session recovery. Overdue
// sessions are armed with no time left, so their end fires at once and they
// are finalized through the usual path.
func SessionRecoveryHandler(armer Armer) func(context.Context, SessionRecoveryInfo) error {
	return func(ctx context.Context, info SessionRecoveryInfo) error {
		if info.Overdue {
			slog.Info("Recovering overdue session, ending now",
				"sessionID", info.Session.ID,
				"subjectID", info.Session.SubjectID,
				"endsAt", info.Session.EndsAt)
		} else {
			slog.Info("Recovering session",
				"sessionID", info.Session.ID,
				"subjectID", info.Session.SubjectID,
				"remaining", info.Remaining)
		}
		if err := armer.Arm(ctx, info.Session); err != nil {
			return fmt.Errorf("re-arm session %s: %w", info.Session.ID, err)
		}
		return nil
	}
}

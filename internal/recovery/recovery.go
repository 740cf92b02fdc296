// Package recovery restores in-process state after a restart. Durable records
// survive a crash but timers do not, so every component that keeps timers
// registers a Recoverable that rebuilds them from the store.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// SessionLister lists the sessions that were active when the process stopped.
type SessionLister interface {
	ListActiveSessions(ctx context.Context) ([]models.SessionRecord, error)
}

// SessionRecoveryInfo describes one session that needs its timers back.
type SessionRecoveryInfo struct {
	Session   models.SessionRecord
	Remaining time.Duration
	Overdue   bool
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	sessions SessionLister
	clock    func() time.Time

	sessionRecoveryFunc func(context.Context, SessionRecoveryInfo) error
}

// NewRecoveryRegistry creates a new recovery registry. A nil clock uses time.Now.
func NewRecoveryRegistry(sessions SessionLister, clock func() time.Time) *RecoveryRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &RecoveryRegistry{sessions: sessions, clock: clock}
}

// RegisterSessionRecovery registers the callback that re-arms a session.
func (r *RecoveryRegistry) RegisterSessionRecovery(fn func(context.Context, SessionRecoveryInfo) error) {
	r.sessionRecoveryFunc = fn
}

// RecoverSession requests recovery of a session
func (r *RecoveryRegistry) RecoverSession(ctx context.Context, info SessionRecoveryInfo) error {
	if r.sessionRecoveryFunc == nil {
		return fmt.Errorf("no session recovery handler registered")
	}
	return r.sessionRecoveryFunc(ctx, info)
}

// Sessions provides access to the session store for recovery operations
func (r *RecoveryRegistry) Sessions() SessionLister {
	return r.sessions
}

// Now returns the registry clock.
func (r *RecoveryRegistry) Now() time.Time {
	return r.clock()
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(sessions SessionLister, clock func() time.Time) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(sessions, clock)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RegisterSessionRecovery registers the session recovery infrastructure
func (rm *RecoveryManager) RegisterSessionRecovery(fn func(context.Context, SessionRecoveryInfo) error) {
	rm.registry.RegisterSessionRecovery(fn)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}

// ActiveSessions re-arms every session that is still active in the store.
type ActiveSessions struct{}

var _ Recoverable = ActiveSessions{}

// RecoverState lists active sessions and hands each one to the registry.
// A failing session does not stop the others.
func (ActiveSessions) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	recs, err := registry.Sessions().ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	now := registry.Now()
	failed := 0
	overdue := 0
	for _, rec := range recs {
		info := SessionRecoveryInfo{Session: rec, Remaining: rec.EndsAt.Sub(now)}
		if info.Remaining <= 0 {
			info.Remaining = 0
			info.Overdue = true
			overdue++
		}
		if err := registry.RecoverSession(ctx, info); err != nil {
			slog.Error("ActiveSessions.RecoverState: session recovery failed", "sessionID", rec.ID, "error", err)
			failed++
		}
	}
	slog.Info("ActiveSessions.RecoverState: sessions recovered", "total", len(recs), "overdue", overdue, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions could not be recovered", failed, len(recs))
	}
	return nil
}

// Package store provides storage backends for NexusCoach.
//
// It includes an in-memory store for tests and single-node development, and
// SQLite and PostgreSQL stores for durable deployments. Conversation scratch,
// quota ledgers, subjects and sessions live in separate tables so that
// clearing one partition never touches another.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

// ConversationStore persists the per-(user, chat) dialogue state.
type ConversationStore interface {
	// GetConversation returns nil, nil when no dialogue is stored for key.
	GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	SaveConversation(ctx context.Context, conv models.Conversation) error
	DeleteConversation(ctx context.Context, key models.ConversationKey) error
}

// SubjectStore persists registered subjects.
type SubjectStore interface {
	// GetSubject returns nil, nil when the identity is unknown.
	GetSubject(ctx context.Context, identityKey string) (*models.Subject, error)
	GetSubjectByDevice(ctx context.Context, deviceID string) (*models.Subject, error)
	// UpsertSubject creates or overwrites the subject keyed by IdentityKey and
	// reports whether a new record was created.
	UpsertSubject(ctx context.Context, s models.Subject) (bool, error)
	SetCalibrated(ctx context.Context, identityKey string, calibrated bool) error
}

// LedgerStore persists quota counters.
type LedgerStore interface {
	// GetLedgerEntry returns nil, nil when the action was never used.
	GetLedgerEntry(ctx context.Context, userID, actionKey string) (*models.LedgerEntry, error)
	SaveLedgerEntry(ctx context.Context, e models.LedgerEntry) error
}

// SessionStore persists monitoring sessions and their readings.
type SessionStore interface {
	CreateSession(ctx context.Context, rec models.SessionRecord) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
	// CloseSession moves an active session to status and reports whether it
	// was still active. Closed sessions are never reopened.
	CloseSession(ctx context.Context, id string, status models.SessionStatus, at time.Time) (bool, error)
	GetActiveSessionForSubject(ctx context.Context, subjectID string) (*models.SessionRecord, error)
	ListActiveSessions(ctx context.Context) ([]models.SessionRecord, error)
	AddReading(ctx context.Context, sessionID string, r models.Reading) error
	GetReadingTally(ctx context.Context, sessionID string) (models.Reading, error)
	SaveMetrics(ctx context.Context, m models.AnalysisMetrics) error
	GetMetrics(ctx context.Context, sessionID string) (*models.AnalysisMetrics, error)
}

// ThresholdStore persists per-device alert thresholds.
type ThresholdStore interface {
	// GetAlertThreshold returns nil, nil when the device uses the default.
	GetAlertThreshold(ctx context.Context, deviceID string) (*models.AlertThreshold, error)
	SaveAlertThreshold(ctx context.Context, t models.AlertThreshold) error
}

// Store is the complete durable backend.
type Store interface {
	ConversationStore
	SubjectStore
	LedgerStore
	SessionStore
	ThresholdStore
	JobRepo
	DedupRepo
	Ping(ctx context.Context) error
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Open selects a backend for dsn: in-memory when empty, otherwise SQLite or Postgres.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

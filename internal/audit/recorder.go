package audit

import (
	"context"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type userKey struct{}

// WithUser returns a context whose audit entries are attributed to userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user attached by WithUser, or "".
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string) //nolint:errcheck // absent key yields ""
	return u
}

// Recorder writes audit entries on behalf of the sync components.
//
// A nil *Recorder, or one built over a nil Repository, records nothing.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder over repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger used for write failures.
func (r *Recorder) SetLogger(logger Logger) {
	if r != nil {
		r.logger = logger
	}
}

// Record writes one entry. Failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, action, entityType string, entityID uuid.UUID, source string, details map[string]any) {
	if r == nil || r.repo == nil {
		return
	}

	entry := &AuditLog{
		Action:     action,
		EntityType: entityType,
		UserID:     UserFrom(ctx),
		Source:     source,
		Details:    details,
	}
	if entityID != uuid.Nil {
		entry.EntityID = entityID.String()
	}

	if err := r.repo.Create(ctx, entry); err != nil {
		r.logger.Error("failed to write audit log", "action", action, "entity_id", entry.EntityID, "error", err)
	}
}

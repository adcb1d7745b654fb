package interfaces

import (
	"context"
	"time"

	"lockstep/pkg/types"
)

// ArchiveStore persists session outcomes, participant snapshots and the
// append-only help-notification log. Implementations may assume a single
// logical writer; callers must tolerate a nil store (archiving disabled).
type ArchiveStore interface {
	SaveSession(ctx context.Context, session *types.Session) (int64, error)
	UpdateSession(ctx context.Context, session *types.Session) error
	ListSessions(ctx context.Context) ([]*types.Session, error)

	SaveParticipant(ctx context.Context, participant *types.Participant) error

	SaveNotification(ctx context.Context, notification *types.Notification) error
	MarkNotificationResolved(ctx context.Context, id string, at time.Time) error
	ListNotifications(ctx context.Context, sessionCode string) ([]*types.Notification, error)

	Close() error
}

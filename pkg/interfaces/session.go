package interfaces

import (
	"context"

	"lockstep/pkg/types"
)

// SessionManager is the single authority over session lifecycle state. Every
// command is applied atomically per session; accepted commands return the
// envelopes to fan out, rejected ones return a typed error and change nothing.
type SessionManager interface {
	CreateSession(ctx context.Context, title, createdBy string, units []*types.CurriculumUnit) (*types.Session, error)
	Snapshot(code string) (*types.Session, error)
	ListSessions() []*types.Session

	Start(ctx context.Context, code string) ([]types.Envelope, error)
	Pause(ctx context.Context, code string) ([]types.Envelope, error)
	Resume(ctx context.Context, code string) ([]types.Envelope, error)
	NextStep(ctx context.Context, code string) ([]types.Envelope, error)
	SwitchUnit(ctx context.Context, code string, unitID int64) ([]types.Envelope, error)
	End(ctx context.Context, code string) ([]types.Envelope, error)

	// Resync returns the full-state envelopes for a joining or reconnecting
	// client.
	Resync(code string) ([]types.Envelope, error)

	// ValidateAccess checks that a connection with the given role may attach
	// to the session in its current status.
	ValidateAccess(code, role string) error
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "lockstep/pkg/database"
	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

// Manager implements interfaces.ArchiveStore on SQLite. All writes funnel
// through one goroutine; reads go straight to the pool, which WAL mode
// keeps contention-free.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, ensures the schema and starts the write
// loop.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all writes sequentially, retrying exactly once after
// five seconds on failure.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// SaveSession inserts a session archive row and returns the assigned row ID.
func (m *Manager) SaveSession(ctx context.Context, session *types.Session) (int64, error) {
	var id int64
	err := m.executeWrite(func(db *sql.DB) error {
		unitsJSON, err := json.Marshal(session.Units)
		if err != nil {
			return fmt.Errorf("failed to marshal units: %w", err)
		}

		query := `
			INSERT INTO sessions (code, title, created_by, status, units_json, started_at, ended_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := db.ExecContext(ctx, query,
			session.Code,
			session.Title,
			session.CreatedBy,
			string(session.Status),
			string(unitsJSON),
			session.StartedAt,
			session.EndedAt,
			session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read session row id: %w", err)
		}
		return nil
	})
	return id, err
}

// UpdateSession overwrites the mutable columns of a session row.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(func(db *sql.DB) error {
		unitsJSON, err := json.Marshal(session.Units)
		if err != nil {
			return fmt.Errorf("failed to marshal units: %w", err)
		}

		query := `
			UPDATE sessions
			SET status = ?, units_json = ?, started_at = ?, ended_at = ?
			WHERE code = ?
		`
		_, err = db.ExecContext(ctx, query,
			string(session.Status),
			string(unitsJSON),
			session.StartedAt,
			session.EndedAt,
			session.Code,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return nil
	})
}

// ListSessions returns all archived sessions, most recent first.
func (m *Manager) ListSessions(ctx context.Context) ([]*types.Session, error) {
	query := `
		SELECT id, code, title, created_by, status, units_json, started_at, ended_at, created_at
		FROM sessions
		ORDER BY created_at DESC
	`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session

	for rows.Next() {
		var session types.Session
		var status string
		var unitsJSON string
		var startedAt, endedAt sql.NullTime

		err := rows.Scan(
			&session.ID,
			&session.Code,
			&session.Title,
			&session.CreatedBy,
			&status,
			&unitsJSON,
			&startedAt,
			&endedAt,
			&session.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}

		session.Status = types.SessionStatus(status)
		if err := json.Unmarshal([]byte(unitsJSON), &session.Units); err != nil {
			return nil, fmt.Errorf("failed to unmarshal units: %w", err)
		}
		if startedAt.Valid {
			session.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}

		sessions = append(sessions, &session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// SaveParticipant upserts a participant snapshot.
func (m *Manager) SaveParticipant(ctx context.Context, participant *types.Participant) error {
	return m.executeWrite(func(db *sql.DB) error {
		completedJSON, err := json.Marshal(participant.CompletedSteps)
		if err != nil {
			return fmt.Errorf("failed to marshal completed steps: %w", err)
		}

		query := `
			INSERT INTO participants (session_code, user_id, device_id, username, status, current_step, completed_json, last_heartbeat_at, joined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_code, user_id) DO UPDATE SET
				device_id = excluded.device_id,
				username = excluded.username,
				status = excluded.status,
				current_step = excluded.current_step,
				completed_json = excluded.completed_json,
				last_heartbeat_at = excluded.last_heartbeat_at
		`
		_, err = db.ExecContext(ctx, query,
			participant.SessionCode,
			participant.UserID,
			participant.DeviceID,
			participant.Username,
			string(participant.Status),
			participant.CurrentStepIndex,
			string(completedJSON),
			participant.LastHeartbeatAt,
			participant.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert participant: %w", err)
		}
		return nil
	})
}

// SaveNotification appends a help-request record.
func (m *Manager) SaveNotification(ctx context.Context, notification *types.Notification) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO notifications (id, session_code, participant_id, username, message, screenshot_url, subtask_id, resolved, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			notification.ID,
			notification.SessionCode,
			notification.ParticipantID,
			notification.Username,
			notification.Message,
			notification.ScreenshotURL,
			notification.SubtaskID,
			notification.Resolved,
			notification.CreatedAt,
			notification.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
}

// MarkNotificationResolved stamps a notification resolved. The row is never
// deleted.
func (m *Manager) MarkNotificationResolved(ctx context.Context, id string, at time.Time) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE notifications
			SET resolved = 1, resolved_at = ?
			WHERE id = ?
		`
		_, err := db.ExecContext(ctx, query, at, id)
		if err != nil {
			return fmt.Errorf("failed to resolve notification: %w", err)
		}
		return nil
	})
}

// ListNotifications returns all notifications for a session in creation
// order.
func (m *Manager) ListNotifications(ctx context.Context, sessionCode string) ([]*types.Notification, error) {
	query := `
		SELECT id, session_code, participant_id, username, message, screenshot_url, subtask_id, resolved, created_at, resolved_at
		FROM notifications
		WHERE session_code = ?
		ORDER BY created_at ASC
	`

	rows, err := m.db.QueryContext(ctx, query, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notifications []*types.Notification

	for rows.Next() {
		var n types.Notification
		var subtaskID sql.NullInt64
		var resolvedAt sql.NullTime

		err := rows.Scan(
			&n.ID,
			&n.SessionCode,
			&n.ParticipantID,
			&n.Username,
			&n.Message,
			&n.ScreenshotURL,
			&subtaskID,
			&n.Resolved,
			&n.CreatedAt,
			&resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}

		if subtaskID.Valid {
			n.SubtaskID = &subtaskID.Int64
		}
		if resolvedAt.Valid {
			n.ResolvedAt = &resolvedAt.Time
		}

		notifications = append(notifications, &n)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return notifications, nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close drains the write loop and closes the connection pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

var _ interfaces.ArchiveStore = (*Manager)(nil)

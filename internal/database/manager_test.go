package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dbconfig "lockstep/pkg/database"
	"lockstep/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func testSession(code string) *types.Session {
	return &types.Session{
		Code:      code,
		Title:     "Intro",
		CreatedBy: "teacher1",
		Status:    types.StatusCreated,
		Units: []*types.CurriculumUnit{
			{ID: 1, Title: "Lecture 1", Steps: []types.Step{{ID: 10, Title: "Open app"}}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSaveAndListSessions(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	id, err := manager.SaveSession(ctx, testSession("ABC234"))
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("Expected a positive row id, got %d", id)
	}

	sessions, err := manager.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Code != "ABC234" || got.Status != types.StatusCreated {
		t.Errorf("Unexpected session: %+v", got)
	}
	if len(got.Units) != 1 || got.Units[0].Title != "Lecture 1" {
		t.Errorf("Units did not round-trip: %+v", got.Units)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Errorf("Expected nil timestamps, got %v / %v", got.StartedAt, got.EndedAt)
	}
}

func TestUpdateSession(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	session := testSession("ABC234")
	if _, err := manager.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	started := time.Now().UTC()
	session.Status = types.StatusActive
	session.StartedAt = &started
	session.Units[0].IsActive = true
	if err := manager.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	sessions, err := manager.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	got := sessions[0]
	if got.Status != types.StatusActive {
		t.Errorf("Expected ACTIVE, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("Expected started_at to be set")
	}
	if !got.Units[0].IsActive {
		t.Error("Expected unit activation to persist")
	}
}

func TestSaveParticipantUpsert(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	participant := &types.Participant{
		SessionCode:      "ABC234",
		UserID:           "student1",
		DeviceID:         "device-1",
		Username:         "Alice",
		Status:           types.ParticipantActive,
		CurrentStepIndex: 0,
		JoinedAt:         time.Now().UTC(),
	}
	if err := manager.SaveParticipant(ctx, participant); err != nil {
		t.Fatalf("SaveParticipant failed: %v", err)
	}

	// Same key again: the row is updated, not duplicated.
	participant.CurrentStepIndex = 2
	participant.CompletedSteps = []int64{10, 11}
	if err := manager.SaveParticipant(ctx, participant); err != nil {
		t.Fatalf("SaveParticipant upsert failed: %v", err)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	subtask := int64(10)
	notification := &types.Notification{
		ID:            "notif-1",
		SessionCode:   "ABC234",
		ParticipantID: "student1",
		Username:      "Alice",
		Message:       "stuck",
		SubtaskID:     &subtask,
		CreatedAt:     time.Now().UTC(),
	}
	if err := manager.SaveNotification(ctx, notification); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}

	resolvedAt := time.Now().UTC()
	if err := manager.MarkNotificationResolved(ctx, "notif-1", resolvedAt); err != nil {
		t.Fatalf("MarkNotificationResolved failed: %v", err)
	}

	notifications, err := manager.ListNotifications(ctx, "ABC234")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(notifications))
	}
	got := notifications[0]
	if !got.Resolved || got.ResolvedAt == nil {
		t.Errorf("Expected resolved record, got %+v", got)
	}
	if got.SubtaskID == nil || *got.SubtaskID != 10 {
		t.Errorf("Expected subtask 10, got %v", got.SubtaskID)
	}

	// Other sessions see nothing.
	others, err := manager.ListNotifications(ctx, "ZZZZZZ")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(others) != 0 {
		t.Errorf("Expected no notifications for other session, got %d", len(others))
	}
}

func TestHealthCheck(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestCloseRejectsWrites(t *testing.T) {
	manager := newTestManager(t)

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op.
	if err := manager.Close(); err != nil {
		t.Errorf("Expected idempotent close, got %v", err)
	}

	if _, err := manager.SaveSession(context.Background(), testSession("ABC234")); err == nil {
		t.Error("Expected write after close to fail")
	}
}

func TestConcurrentWrites(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	codes := []string{"AAA222", "BBB333", "CCC444", "DDD555", "EEE666"}
	done := make(chan error, len(codes))
	for _, code := range codes {
		go func(code string) {
			_, err := manager.SaveSession(ctx, testSession(code))
			done <- err
		}(code)
	}
	for range codes {
		if err := <-done; err != nil {
			t.Fatalf("Concurrent SaveSession failed: %v", err)
		}
	}

	sessions, err := manager.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != len(codes) {
		t.Errorf("Expected %d sessions, got %d", len(codes), len(sessions))
	}
}

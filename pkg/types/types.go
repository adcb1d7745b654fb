package types

import (
	"encoding/json"
	"time"
)

// Inbound message types (client -> hub).
const (
	MessageTypeJoin          = "join"
	MessageTypeHeartbeat     = "heartbeat"
	MessageTypeNextStep      = "next_step"
	MessageTypePauseSession  = "pause_session"
	MessageTypeResumeSession = "resume_session"
	MessageTypeEndSession    = "end_session"
	MessageTypeSwitchLecture = "switch_lecture"
	MessageTypeStepComplete  = "step_complete"
	MessageTypeRequestHelp   = "request_help"
)

// Outbound message types (hub -> clients).
const (
	MessageTypeStepChanged          = "step_changed"
	MessageTypeSessionStatusChanged = "session_status_changed"
	MessageTypeParticipantJoined    = "participant_joined"
	MessageTypeParticipantLeft      = "participant_left"
	MessageTypeProgressUpdated      = "progress_updated"
	MessageTypeHelpRequested        = "help_requested"
	MessageTypeScreenshotUpdated    = "screenshot_updated"
	MessageTypeStudentCompletion    = "student_completion"
	MessageTypeError                = "error"
)

// SessionStatus is the server-authoritative lifecycle status of a session.
type SessionStatus string

const (
	StatusCreated    SessionStatus = "CREATED"
	StatusActive     SessionStatus = "ACTIVE"
	StatusPaused     SessionStatus = "PAUSED"
	StatusEnded      SessionStatus = "ENDED"
	StatusReviewMode SessionStatus = "REVIEW_MODE"
)

// Display returns the instructor-facing label for a status. IN_PROGRESS is a
// display alias of ACTIVE kept for compatibility with existing dashboards.
func (s SessionStatus) Display() string {
	if s == StatusActive {
		return "IN_PROGRESS"
	}
	return string(s)
}

// ParticipantStatus tracks a student's standing within a session.
type ParticipantStatus string

const (
	ParticipantActive     ParticipantStatus = "active"
	ParticipantInactive   ParticipantStatus = "inactive"
	ParticipantHelpNeeded ParticipantStatus = "help_needed"
)

// Envelope is the wire format for every WebSocket message: a type tag plus an
// opaque payload decoded by the handler for that type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope of the given type.
func NewEnvelope(msgType string, data interface{}) (Envelope, error) {
	if data == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

// TargetAction describes the UI element a student must interact with to
// complete a step. Fields are hints; empty fields are ignored during matching.
type TargetAction struct {
	Package            string `json:"package,omitempty"`
	ViewID             string `json:"view_id,omitempty"`
	Text               string `json:"text,omitempty"`
	ContentDescription string `json:"content_description,omitempty"`
	Bounds             string `json:"bounds,omitempty"`
	Action             string `json:"action,omitempty"`
}

// Step is one atomic instructed action within a curriculum unit. Steps are
// immutable once the owning unit becomes active; only progress against a step
// is ever mutated.
type Step struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	GuideText string       `json:"guide_text,omitempty"`
	Target    TargetAction `json:"target_action"`
}

// CurriculumUnit is an ordered sequence of steps. A session may chain several
// units, switching the active one over time; at most one unit is active while
// the session is ACTIVE or PAUSED.
type CurriculumUnit struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Steps       []Step     `json:"steps"`
	IsActive    bool       `json:"is_active"`
	StepIndex   int        `json:"step_index"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Session is one live teaching event identified by a human-readable code.
type Session struct {
	ID        int64             `json:"id"`
	Code      string            `json:"session_code"`
	Title     string            `json:"title"`
	CreatedBy string            `json:"created_by"`
	Status    SessionStatus     `json:"status"`
	Units     []*CurriculumUnit `json:"units"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ActiveUnit returns the currently active curriculum unit, or nil.
func (s *Session) ActiveUnit() *CurriculumUnit {
	for _, u := range s.Units {
		if u.IsActive {
			return u
		}
	}
	return nil
}

// Participant is one connected student device within a session.
// CompletedSteps grows monotonically and never shrinks within a session.
type Participant struct {
	UserID           string            `json:"user_id"`
	DeviceID         string            `json:"device_id"`
	Username         string            `json:"username"`
	SessionCode      string            `json:"session_code"`
	Status           ParticipantStatus `json:"status"`
	CurrentStepIndex int               `json:"current_step_index"`
	CompletedSteps   []int64           `json:"completed_steps"`
	LastHeartbeatAt  time.Time         `json:"last_heartbeat_at"`
	JoinedAt         time.Time         `json:"joined_at"`
}

// Notification is an append-only help-request record. Notifications are never
// deleted, only marked resolved, exactly once, by the instructor.
type Notification struct {
	ID            string     `json:"id"`
	SessionCode   string     `json:"session_code"`
	ParticipantID string     `json:"participant_id"`
	Username      string     `json:"username"`
	Message       string     `json:"message"`
	ScreenshotURL string     `json:"screenshot_url,omitempty"`
	SubtaskID     *int64     `json:"subtask_id,omitempty"`
	Resolved      bool       `json:"is_resolved"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Inbound payload shapes.

type JoinData struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

type StepCompleteData struct {
	SubtaskID int64 `json:"subtask_id"`
}

type RequestHelpData struct {
	Message   string `json:"message"`
	SubtaskID *int64 `json:"subtask_id,omitempty"`
}

type SwitchLectureData struct {
	LectureID int64 `json:"lecture_id"`
}

// Outbound payload shapes.

type StepChangedData struct {
	CurrentStep int `json:"current_step"`
	TotalSteps  int `json:"total_steps"`
}

type SessionStatusChangedData struct {
	Status string `json:"status"`
}

type ParticipantJoinedData struct {
	Username string `json:"username"`
}

type ParticipantLeftData struct {
	Username string `json:"username"`
}

type ProgressUpdatedData struct {
	UserID             string  `json:"user_id"`
	Username           string  `json:"username"`
	CurrentSubtask     int     `json:"current_subtask"`
	ProgressPercentage float64 `json:"progress_percentage"`
	CompletedSubtasks  []int64 `json:"completed_subtasks"`
}

type HelpRequestedData struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	ScreenshotURL string    `json:"screenshot_url,omitempty"`
}

type ScreenshotUpdatedData struct {
	ParticipantID   string    `json:"participant_id"`
	ParticipantName string    `json:"participant_name"`
	ImageURL        string    `json:"image_url"`
	CapturedAt      time.Time `json:"captured_at"`
	DeviceID        string    `json:"device_id"`
}

type StudentCompletionData struct {
	ParticipantID     string    `json:"participant_id"`
	DeviceID          string    `json:"device_id"`
	StudentName       string    `json:"student_name"`
	CompletedSubtasks []int64   `json:"completed_subtasks"`
	TotalCompleted    int       `json:"total_completed"`
	Timestamp         time.Time `json:"timestamp"`
}

type ErrorData struct {
	Message string `json:"message"`
}

package types

import "strings"

// SessionCodeAlphabet is the character set for session codes. Look-alike
// characters (0/O, 1/I) are excluded so codes survive being read aloud.
const SessionCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// SessionCodeLength is the fixed length of a session code.
const SessionCodeLength = 6

// Connection roles.
const (
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)

// IsValidSessionCode reports whether code is a well-formed session code.
func IsValidSessionCode(code string) bool {
	if len(code) != SessionCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(SessionCodeAlphabet, r) {
			return false
		}
	}
	return true
}

// IsValidUserID reports whether id is acceptable as a user or device
// identifier: 1-64 characters, alphanumeric plus '-' and '_'.
func IsValidUserID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// IsValidRole reports whether role is one of the two connection roles.
func IsValidRole(role string) bool {
	return role == RoleInstructor || role == RoleStudent
}

// IsInboundMessageType reports whether t is a message type clients may send.
func IsInboundMessageType(t string) bool {
	switch t {
	case MessageTypeJoin, MessageTypeHeartbeat, MessageTypeNextStep,
		MessageTypePauseSession, MessageTypeResumeSession, MessageTypeEndSession,
		MessageTypeSwitchLecture, MessageTypeStepComplete, MessageTypeRequestHelp:
		return true
	}
	return false
}

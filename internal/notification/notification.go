package notification

import "time"

// Type classifies a notification. The set is closed: the backend only emits
// these values and unknown types are preserved but rendered generically.
type Type string

const (
	TypeLogin              Type = "login"
	TypeSignup             Type = "signup"
	TypePasswordUpdated    Type = "password_updated"
	TypeCourseCreated      Type = "course_created"
	TypeCourseUpdated      Type = "course_updated"
	TypeAssignmentCreated  Type = "assignment_created"
	TypeAssignmentDue      Type = "assignment_due"
	TypeSubmissionReceived Type = "submission_received"
	TypeSubmissionGraded   Type = "submission_graded"
)

// Valid reports whether t belongs to the closed type set.
func (t Type) Valid() bool {
	switch t {
	case TypeLogin, TypeSignup, TypePasswordUpdated,
		TypeCourseCreated, TypeCourseUpdated,
		TypeAssignmentCreated, TypeAssignmentDue,
		TypeSubmissionReceived, TypeSubmissionGraded:
		return true
	}
	return false
}

// Ref points at the entity a notification originated from, when applicable.
type Ref struct {
	Kind string `json:"kind"` // course, assignment or submission
	ID   string `json:"id"`
}

// Notification is a single feed entry. Identity is the ID field: the feed
// never holds two entries with the same identifier.
type Notification struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	Ref       *Ref      `json:"ref,omitempty"`
}

// PageInfo is the pagination bookkeeping returned with every fetch.
type PageInfo struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// Page is one fetched slice of the server-side notification list.
type Page struct {
	Items      []Notification `json:"items"`
	Pagination PageInfo       `json:"pagination"`
}

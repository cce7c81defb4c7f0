// Package types holds the shared domain records persisted by the metadata
// store and passed between edge components. Persistence shape is the source
// of truth; these structs mirror the table rows.
package types

import "time"

// Role classifies a user account.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// User is an identity created at first login. Users are never deleted
// while chat entries or sessions reference them.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	Role         Role
	PasswordSalt []byte
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session is an opaque bearer token with a fixed TTL. A valid session has
// now < ExpiresAt and a live owning user.
type Session struct {
	Token     string
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Subject is a curriculum subject, populated when a VKP declaring it is
// installed. Grade range is 10-12.
type Subject struct {
	ID          int64
	Code        string
	DisplayName string
	Grade       int
}

// Book belongs to a subject and tracks which VKP version installed it.
type Book struct {
	ID             int64
	SubjectID      int64
	Title          string
	SourceFilename string
	VKPVersion     string
	ChunkCount     int
}

// VKPRecord is one installed Versioned Knowledge Package. Exactly one
// version per (subject code, grade) is active at a time.
type VKPRecord struct {
	ID          int64
	SubjectCode string
	Grade       int
	Version     string
	Hash        string
	ChunkCount  int
	Active      bool
	InstalledAt time.Time
}

// ChatEntry is an append-only record of one answered question.
type ChatEntry struct {
	ID         int64
	UserID     int64
	SubjectID  *int64
	Question   string
	Response   string
	Confidence float64
	Partial    bool
	CreatedAt  time.Time
}

// Chunk is the retrieval unit stored in the vector store.
type Chunk struct {
	ID         string
	VKPID      int64
	BookID     int64
	Ordinal    int
	Text       string
	Embedding  []float32
	TokenCount int
}

// RequestState tracks an inference request through the dispatcher.
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateActive    RequestState = "active"
	StateStreaming RequestState = "streaming"
	StateDone      RequestState = "done"
	StateFailed    RequestState = "failed"
	StateCancelled RequestState = "cancelled"
)

// Terminal reports whether the state is final.
func (s RequestState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

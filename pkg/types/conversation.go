// Package types defines core data structures for parley
package types

import "time"

// Role represents the role of a message sender
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the role name
func (r Role) String() string {
	return string(r)
}

// IsValid reports whether r is one of the known roles
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one exchanged message in a conversation
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time in UTC
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// IsSystem reports whether the turn carries the system role
func (t Turn) IsSystem() bool {
	return t.Role == RoleSystem
}

// SessionInfo summarizes a conversation for listings
type SessionInfo struct {
	ID           string    `json:"id"`
	TurnCount    int       `json:"turn_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// CountNonSystem returns the number of non-system turns in turns
func CountNonSystem(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if !t.IsSystem() {
			n++
		}
	}
	return n
}

// Passage is a retrieved knowledge snippet with its relevance score
type Passage struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

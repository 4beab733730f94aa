package models

import (
	"slices"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatSession represents a persisted conversation thread owned by the backend.
type ChatSession struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	PersonaID      *string    `json:"persona_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// Message represents a single chat message within a session.
// Assistant content grows while the message is the active stream target.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Citations []Citation `json:"citations,omitempty"`

	// Client-side state, never sent to or read from the backend.
	Local  bool   `json:"-"`
	Failed bool   `json:"-"`
	Error  string `json:"-"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.Citations = slices.Clone(m.Citations)
	return m
}

// Citation references a journal entry backing part of an assistant response.
type Citation struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title"`
	Date    string `json:"date"`
	Snippet string `json:"snippet,omitempty"`
}

// SessionStats holds sidebar enrichment data for one session.
type SessionStats struct {
	SessionID     string     `json:"session_id"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// SessionPage is one page of a session listing.
type SessionPage struct {
	Sessions []ChatSession `json:"sessions"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

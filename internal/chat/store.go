// Package chat holds the client-side state of one open chat session and
// drives the token stream that feeds it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/journalchat/internal/models"
)

var (
	// ErrUnknownMessage indicates a message id that is not in the store.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrNotStreaming indicates a message that is not the active stream target.
	ErrNotStreaming = errors.New("message is not the active stream target")
)

// Failure texts used for stream targets closed by the client itself.
const (
	ReasonSuperseded = "superseded by a newer message"
	ReasonCancelled  = "cancelled"
)

// SessionLoader fetches a session and its history.
type SessionLoader interface {
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

// State is a point-in-time copy of everything a view displays.
type State struct {
	Session  *models.ChatSession
	Messages []models.Message
	Loading  bool
	Error    string
	// ActiveID is the id of the message currently receiving tokens, or "".
	ActiveID string
}

// Streaming reports whether a stream target is active.
func (s State) Streaming() bool {
	return s.ActiveID != ""
}

// Store is the single source of truth for one displayed session.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	session  *models.ChatSession
	messages []models.Message
	loading  bool
	err      string
	activeID string

	listeners []func()
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates an empty store. A nil logger uses slog.Default().
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		now:    time.Now,
	}
}

// OnChange registers fn to run after every state change. fn runs on the
// goroutine that made the change, after the store lock is released; it
// must not block.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// update runs mutate under the lock and notifies listeners if it reports a change.
func (s *Store) update(mutate func() bool) bool {
	s.mu.Lock()
	changed := mutate()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn()
		}
	}
	return changed
}

// State returns a deep copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Loading:  s.loading,
		Error:    s.err,
		ActiveID: s.activeID,
		Messages: make([]models.Message, len(s.messages)),
	}
	if s.session != nil {
		sess := *s.session
		st.Session = &sess
	}
	for i, m := range s.messages {
		st.Messages[i] = m.Clone()
	}
	return st
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return models.Message{}, false
}

// LastUserMessage returns the most recent user message.
func (s *Store) LastUserMessage() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleUser {
			return s.messages[i].Clone(), true
		}
	}
	return models.Message{}, false
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

// LoadSession fetches session metadata and history. On failure the error is
// recorded and previously loaded content is left in place.
func (s *Store) LoadSession(ctx context.Context, loader SessionLoader, sessionID string) error {
	s.update(func() bool {
		s.loading = true
		return true
	})

	session, err := loader.GetSession(ctx, sessionID)
	var messages []models.Message
	if err == nil {
		messages, err = loader.ListMessages(ctx, sessionID)
	}

	if err != nil {
		s.logger.Warn("load session failed", "session_id", sessionID, "error", err)
		s.update(func() bool {
			s.loading = false
			s.err = err.Error()
			return true
		})
		return fmt.Errorf("load session: %w", err)
	}

	s.update(func() bool {
		s.session = session
		s.messages = messages
		s.activeID = ""
		s.loading = false
		s.err = ""
		return true
	})
	return nil
}

// SetSession replaces the session metadata. When the id changes the
// message history is cleared.
func (s *Store) SetSession(session models.ChatSession) {
	s.update(func() bool {
		if s.session == nil || s.session.ID != session.ID {
			s.messages = nil
			s.activeID = ""
		}
		s.session = &session
		return true
	})
}

// SetError records a user-visible error; an empty string clears it.
func (s *Store) SetError(text string) {
	s.update(func() bool {
		if s.err == text {
			return false
		}
		s.err = text
		return true
	})
}

// AppendUserMessage optimistically appends a user message with a
// client-generated id. The id is never reconciled with the backend's.
func (s *Store) AppendUserMessage(content string) models.Message {
	msg := models.Message{
		ID:        "local-" + uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
		Local:     true,
	}
	s.update(func() bool {
		if s.session != nil {
			msg.SessionID = s.session.ID
		}
		s.messages = append(s.messages, msg)
		return true
	})
	return msg
}

// BeginAssistantStream appends an empty assistant message, makes it the
// active stream target and returns its id. A target that is still active
// is failed as superseded first.
func (s *Store) BeginAssistantStream() string {
	msg := models.Message{
		ID:        "local-" + uuid.NewString(),
		Role:      models.RoleAssistant,
		CreatedAt: s.now(),
		Local:     true,
	}
	s.update(func() bool {
		if s.activeID != "" {
			s.logger.Warn("superseding active stream target", "message_id", s.activeID)
			s.failLocked(s.activeID, ReasonSuperseded)
		}
		if s.session != nil {
			msg.SessionID = s.session.ID
		}
		s.messages = append(s.messages, msg)
		s.activeID = msg.ID
		return true
	})
	return msg.ID
}

// AppendToken appends token to the active stream target. It is a no-op
// (reported as false) for any other id.
func (s *Store) AppendToken(messageID, token string) bool {
	return s.update(func() bool {
		if messageID == "" || messageID != s.activeID {
			s.logger.Debug("ignoring token for inactive message", "message_id", messageID, "active_id", s.activeID)
			return false
		}
		i := s.indexLocked(messageID)
		if i < 0 {
			return false
		}
		s.messages[i].Content += token
		return true
	})
}

// AttachCitations sets the citations of the active stream target,
// replacing any earlier set.
func (s *Store) AttachCitations(messageID string, citations []models.Citation) error {
	var err error
	s.update(func() bool {
		i := s.indexLocked(messageID)
		switch {
		case i < 0:
			err = fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
			return false
		case messageID != s.activeID:
			err = fmt.Errorf("%w: %s", ErrNotStreaming, messageID)
			return false
		}
		s.messages[i].Citations = slices.Clone(citations)
		return true
	})
	if err != nil {
		s.logger.Debug("ignoring citations", "message_id", messageID, "error", err)
	}
	return err
}

// CompleteStream clears the active target marker. The message is immutable afterwards.
func (s *Store) CompleteStream(messageID string) bool {
	return s.update(func() bool {
		if messageID == "" || messageID != s.activeID {
			s.logger.Debug("ignoring completion for inactive message", "message_id", messageID)
			return false
		}
		s.activeID = ""
		return true
	})
}

// FailStream marks the active target as failed, keeping any partial
// content, and clears the active target marker.
func (s *Store) FailStream(messageID, errText string) bool {
	return s.update(func() bool {
		if messageID == "" || messageID != s.activeID {
			s.logger.Debug("ignoring failure for inactive message", "message_id", messageID)
			return false
		}
		s.failLocked(messageID, errText)
		return true
	})
}

func (s *Store) failLocked(messageID, errText string) {
	if i := s.indexLocked(messageID); i >= 0 {
		s.messages[i].Failed = true
		s.messages[i].Error = errText
	}
	if s.activeID == messageID {
		s.activeID = ""
	}
}

// RemoveFailed drops a failed assistant message, e.g. before a retry.
func (s *Store) RemoveFailed(messageID string) bool {
	return s.update(func() bool {
		i := s.indexLocked(messageID)
		if i < 0 || !s.messages[i].Failed || s.messages[i].Role != models.RoleAssistant {
			return false
		}
		s.messages = slices.Delete(s.messages, i, i+1)
		return true
	})
}

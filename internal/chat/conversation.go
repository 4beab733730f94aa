package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/metrics"
	"github.com/raphaelgruber/journalchat/internal/models"
)

var (
	// ErrConversationClosed is returned by mutating calls after Close.
	ErrConversationClosed = errors.New("conversation closed")

	// ErrNoSession is returned when an operation needs a loaded session.
	ErrNoSession = errors.New("no session loaded")

	// ErrNothingToRetry is returned by Retry unless the last message is a
	// failed reply to a user message.
	ErrNothingToRetry = errors.New("nothing to retry")
)

// maxIgnored bounds how many superseded server message ids are remembered.
const maxIgnored = 16

// Transport is the subset of the backend client a Conversation needs.
type Transport interface {
	SessionLoader
	StreamOpener
	CreateSession(ctx context.Context, input client.CreateSessionInput) (*models.ChatSession, error)
	UpdateSession(ctx context.Context, id string, input client.UpdateSessionInput) (*models.ChatSession, error)
	PostMessage(ctx context.Context, sessionID, content string) error
}

// Options configures a Conversation.
type Options struct {
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Conversation owns the store and the active stream of one open session.
// It guarantees that at most one stream consumer is live at a time.
type Conversation struct {
	transport Transport
	store     *Store
	opts      Options
	logger    *slog.Logger

	// base outlives individual calls; streams run under it so a
	// short-lived caller context does not end them.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	consumer *Consumer
	closed   bool

	// seq changes whenever a pending post must no longer open a stream.
	seq uint64

	// ignored holds server message ids of replies that were superseded or
	// cancelled in this session. Their late frames share the session stream.
	ignored []string
}

// NewConversation creates a conversation with an empty store.
func NewConversation(transport Transport, opts Options) *Conversation {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	base, cancel := context.WithCancel(context.Background())
	return &Conversation{
		transport:  transport,
		store:      NewStore(logger),
		opts:       opts,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
	}
}

// Store returns the conversation's state store.
func (c *Conversation) Store() *Store {
	return c.store
}

// Done returns a channel closed when the current stream ends, or nil when
// no stream has been started.
func (c *Conversation) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Done()
}

// StreamErr returns the terminal error of the most recent stream.
func (c *Conversation) StreamErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Err()
}

// Load replaces the store contents with sessionID, closing any active stream.
func (c *Conversation) Load(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.stopLocked(ReasonCancelled)
	c.seq++
	c.ignored = nil
	c.mu.Unlock()

	return c.store.LoadSession(ctx, c.transport, sessionID)
}

// Start creates a session and, when firstMessage is set, streams the reply
// to it. An empty title is derived from firstMessage.
func (c *Conversation) Start(ctx context.Context, title, personaID, firstMessage string) (*models.ChatSession, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConversationClosed
	}

	firstMessage = strings.TrimSpace(firstMessage)
	if strings.TrimSpace(title) == "" {
		title = models.TitleFromContent(firstMessage)
	}
	input := client.CreateSessionInput{Title: title}
	if personaID != "" {
		input.PersonaID = &personaID
	}
	if firstMessage != "" {
		input.FirstMessage = &firstMessage
	}

	session, err := c.transport.CreateSession(ctx, input)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConversationClosed
	}
	if err != nil {
		c.store.SetError(err.Error())
		return nil, err
	}

	c.stopLocked(ReasonCancelled)
	c.seq++
	c.ignored = nil
	c.store.SetSession(*session)
	c.store.SetError("")
	c.logger.Info("session created", "session_id", session.ID, "title", session.Title)

	if firstMessage != "" {
		c.store.AppendUserMessage(firstMessage)
		c.streamLocked(session.ID)
	}
	return session, nil
}

// Send appends content optimistically, posts it and streams the reply.
// An active stream is superseded.
func (c *Conversation) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("send message: %w: content must not be empty", client.ErrValidation)
	}

	c.mu.Lock()
	sessionID, err := c.readyLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.stopLocked(ReasonSuperseded)
	c.store.AppendUserMessage(content)
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	return c.post(ctx, seq, sessionID, content)
}

// Retry re-sends the last user message after a failed response. The failed
// assistant message is removed first; the user message is not duplicated.
func (c *Conversation) Retry(ctx context.Context) error {
	c.mu.Lock()
	sessionID, err := c.readyLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	st := c.store.State()
	n := len(st.Messages)
	if n == 0 || st.Messages[n-1].Role != models.RoleAssistant || !st.Messages[n-1].Failed {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	last, ok := c.store.LastUserMessage()
	if !ok {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	c.stopLocked(ReasonSuperseded)
	c.store.RemoveFailed(st.Messages[n-1].ID)
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.logger.Info("retrying message", "session_id", sessionID)
	return c.post(ctx, seq, sessionID, last.Content)
}

// Cancel stops the active stream, keeping its partial content marked as cancelled.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ReasonCancelled)
	c.seq++
}

// Rename changes the session title.
func (c *Conversation) Rename(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("rename session: %w: title must not be empty", client.ErrValidation)
	}
	return c.updateSession(ctx, client.UpdateSessionInput{Title: &title})
}

// SetPersona switches the persona used for subsequent replies.
func (c *Conversation) SetPersona(ctx context.Context, personaID string) error {
	if personaID == "" {
		return fmt.Errorf("set persona: %w: persona id must not be empty", client.ErrValidation)
	}
	return c.updateSession(ctx, client.UpdateSessionInput{PersonaID: &personaID})
}

func (c *Conversation) updateSession(ctx context.Context, input client.UpdateSessionInput) error {
	c.mu.Lock()
	sessionID, err := c.readyLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	session, err := c.transport.UpdateSession(ctx, sessionID, input)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConversationClosed
	}
	if err != nil {
		c.store.SetError(err.Error())
		return err
	}
	if current := c.store.State().Session; current == nil || current.ID != sessionID {
		c.logger.Debug("dropping update for a session no longer open", "session_id", sessionID)
		return nil
	}
	c.store.SetSession(*session)
	return nil
}

// Close stops any active stream and rejects further calls. It is idempotent.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.seq++
	if c.consumer != nil {
		c.consumer.Close()
	}
	c.cancelBase()
}

func (c *Conversation) readyLocked() (string, error) {
	if c.closed {
		return "", ErrConversationClosed
	}
	st := c.store.State()
	if st.Session == nil {
		return "", ErrNoSession
	}
	return st.Session.ID, nil
}

// stopLocked closes the live consumer and fails its target with reason.
// The reply id it was bound to is ignored by later consumers.
func (c *Conversation) stopLocked(reason string) {
	if c.consumer == nil {
		return
	}
	c.consumer.Close()
	if id := c.consumer.ServerID(); id != "" && !slices.Contains(c.ignored, id) {
		c.ignored = append(c.ignored, id)
		if len(c.ignored) > maxIgnored {
			c.ignored = slices.Delete(c.ignored, 0, len(c.ignored)-maxIgnored)
		}
	}
	if id := c.store.State().ActiveID; id != "" {
		c.store.FailStream(id, reason)
	}
}

// post sends content without holding the lock and starts the reply stream,
// unless the conversation moved on while the request was in flight.
func (c *Conversation) post(ctx context.Context, seq uint64, sessionID, content string) error {
	err := c.transport.PostMessage(ctx, sessionID, content)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConversationClosed
	}
	current := seq == c.seq
	if err != nil {
		c.logger.Warn("post message failed", "session_id", sessionID, "error", err)
		if current {
			target := c.store.BeginAssistantStream()
			c.store.FailStream(target, err.Error())
			c.consumer = nil
		}
		return err
	}
	if !current {
		c.logger.Debug("not streaming reply to a message that was superseded while posting", "session_id", sessionID)
		return nil
	}
	c.streamLocked(sessionID)
	return nil
}

func (c *Conversation) streamLocked(sessionID string) {
	consumer := NewConsumer(c.transport, c.store, sessionID, ConsumerOptions{
		IdleTimeout: c.opts.IdleTimeout,
		Ignore:      slices.Clone(c.ignored),
		Logger:      c.logger,
		Metrics:     c.opts.Metrics,
	})
	c.consumer = consumer
	go func() {
		_ = consumer.Run(c.base)
	}()
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/metrics"
)

var (
	// ErrStreamTimeout indicates no frame arrived within the idle timeout.
	ErrStreamTimeout = errors.New("timeout")

	// ErrStreamDropped indicates the connection ended without a done or error event.
	ErrStreamDropped = errors.New("connection closed before the response completed")
)

// StreamOpener opens the token stream for a session.
type StreamOpener interface {
	OpenStream(ctx context.Context, sessionID string) (client.StreamHandle, error)
}

// StreamState is the lifecycle state of a Consumer.
type StreamState int

const (
	StateIdle StreamState = iota
	StateConnecting
	StateStreaming
	StateClosedNormally
	StateClosedOnError
	StateClosedByCaller
)

var stateNames = map[StreamState]string{
	StateIdle:           "idle",
	StateConnecting:     "connecting",
	StateStreaming:      "streaming",
	StateClosedNormally: "closed-normally",
	StateClosedOnError:  "closed-on-error",
	StateClosedByCaller: "closed-by-caller",
}

func (s StreamState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

// Terminal reports whether no further store mutations can follow.
func (s StreamState) Terminal() bool {
	return s >= StateClosedNormally
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// IdleTimeout fails the stream when no frame arrives for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// Ignore lists server message ids of superseded responses. Frames
	// carrying them are dropped and never bind the consumer.
	Ignore  []string
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Consumer reads one stream and translates its events into Store mutations.
// It never reconnects; each Consumer handles exactly one response.
type Consumer struct {
	opener    StreamOpener
	store     *Store
	sessionID string
	opts      ConsumerOptions
	logger    *slog.Logger

	// mu is held while events are applied to the store, so once Close
	// returns no further mutation from this consumer can happen.
	mu       sync.Mutex
	state    StreamState
	handle   client.StreamHandle
	cancel   context.CancelFunc
	timedOut bool
	err      error

	targetID   string
	serverID   string
	started    time.Time
	firstToken time.Duration
	tokens     int64

	done chan struct{}
}

// NewConsumer creates an idle consumer for sessionID.
func NewConsumer(opener StreamOpener, store *Store, sessionID string, opts ConsumerOptions) *Consumer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		opener:    opener,
		store:     store,
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With("session_id", sessionID),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TargetID returns the store id of the message this consumer writes to.
func (c *Consumer) TargetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetID
}

// ServerID returns the backend message id this consumer bound to, or ""
// before the first token.
func (c *Consumer) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

// Done is closed when Run returns.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error once Done is closed. It is nil for a
// normal completion and for a caller close.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the consumer. Events read after Close are discarded. Safe to
// call repeatedly and from any goroutine.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	c.logger.Debug("stream closed by caller", "state", c.state)
	c.state = StateClosedByCaller
	if c.cancel != nil {
		c.cancel()
	}
	if c.handle != nil {
		_ = c.handle.Close()
	}
}

// Run opens the stream and applies events until a terminal event, an error,
// or Close. It returns nil for normal completion and caller close.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.cancel = cancel
	c.started = time.Now()
	c.mu.Unlock()
	defer c.record()

	var idle *time.Timer
	if c.opts.IdleTimeout > 0 {
		idle = time.AfterFunc(c.opts.IdleTimeout, c.expire)
		defer idle.Stop()
	}

	handle, err := c.opener.OpenStream(ctx, c.sessionID)
	if err != nil {
		return c.finish(c.classify(ctx, fmt.Errorf("open stream: %w", err)))
	}
	defer handle.Close()

	c.mu.Lock()
	if c.state.Terminal() || c.timedOut {
		c.mu.Unlock()
		_ = handle.Close()
		return c.finish(c.classify(ctx, client.ErrStreamClosed))
	}
	c.handle = handle
	c.state = StateStreaming
	c.mu.Unlock()

	for {
		ev, err := handle.Next()
		if idle != nil {
			idle.Reset(c.opts.IdleTimeout)
		}

		if err != nil {
			var frameErr *client.FrameError
			if errors.As(err, &frameErr) {
				c.logger.Warn("skipping malformed stream frame", "error", err)
				continue
			}
			return c.finish(c.classify(ctx, err))
		}

		if terminal, err := c.apply(ev); terminal {
			return err
		}
	}
}

// expire fires when the idle timeout elapses.
func (c *Consumer) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	c.timedOut = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.handle != nil {
		_ = c.handle.Close()
	}
}

// classify maps a transport error onto the reason the stream ended.
func (c *Consumer) classify(ctx context.Context, err error) error {
	c.mu.Lock()
	timedOut := c.timedOut
	c.mu.Unlock()

	switch {
	case timedOut:
		return ErrStreamTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		return ErrStreamDropped
	default:
		return err
	}
}

// apply dispatches one event to the store. It reports whether the event
// ended the stream and, if so, the error Run should return.
func (c *Consumer) apply(ev client.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return true, nil
	}

	switch ev := ev.(type) {
	case *client.TokenEvent:
		if slices.Contains(c.opts.Ignore, ev.MessageID) {
			c.logger.Debug("ignoring token for superseded message", "message_id", ev.MessageID)
			return false, nil
		}
		if c.serverID == "" {
			c.serverID = ev.MessageID
		} else if ev.MessageID != c.serverID {
			c.logger.Debug("ignoring token for another message", "message_id", ev.MessageID, "expected", c.serverID)
			return false, nil
		}
		c.ensureTargetLocked()
		if c.tokens == 0 {
			c.firstToken = time.Since(c.started)
		}
		c.tokens++
		c.store.AppendToken(c.targetID, ev.Token)
		return false, nil

	case *client.DoneEvent:
		if ev.MessageID != "" && (slices.Contains(c.opts.Ignore, ev.MessageID) ||
			c.serverID != "" && ev.MessageID != c.serverID) {
			c.logger.Debug("ignoring done for another message", "message_id", ev.MessageID, "expected", c.serverID)
			return false, nil
		}
		c.ensureTargetLocked()
		if len(ev.Citations) > 0 {
			_ = c.store.AttachCitations(c.targetID, ev.Citations)
		}
		c.store.CompleteStream(c.targetID)
		c.state = StateClosedNormally
		c.logger.Debug("stream completed", "tokens", c.tokens, "citations", len(ev.Citations))
		return true, nil

	case *client.ErrorEvent:
		return true, c.failLocked(errors.New(ev.Message))

	default:
		c.logger.Warn("ignoring unexpected stream event", "event", ev.Name())
		return false, nil
	}
}

// finish ends the stream with err unless the caller closed it first.
func (c *Consumer) finish(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return nil
	}
	return c.failLocked(err)
}

func (c *Consumer) failLocked(cause error) error {
	c.ensureTargetLocked()

	msg, _ := c.store.Message(c.targetID)
	c.store.FailStream(c.targetID, cause.Error())
	c.state = StateClosedOnError
	c.err = &client.StreamError{Partial: msg.Content, Err: cause}
	c.logger.Warn("stream failed", "error", cause, "tokens", c.tokens)
	return c.err
}

// ensureTargetLocked creates the assistant message on the first event
// that needs one, so a failure before any token still shows up.
func (c *Consumer) ensureTargetLocked() {
	if c.targetID == "" {
		c.targetID = c.store.BeginAssistantStream()
	}
}

// record reports the finished stream once, whichever way it ended.
func (c *Consumer) record() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Metrics.RecordStream(metrics.StreamResult{
		Duration:   time.Since(c.started),
		FirstToken: c.firstToken,
		Tokens:     c.tokens,
		Failed:     c.state == StateClosedOnError,
	})
}

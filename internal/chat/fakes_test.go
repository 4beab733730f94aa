package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type frame struct {
	ev  client.Event
	err error
}

// fakeStream is a StreamHandle fed by the test.
type fakeStream struct {
	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan frame, 32),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next() (client.Event, error) {
	select {
	case <-s.closed:
		return nil, client.ErrStreamClosed
	default:
	}
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f.ev, f.err
	case <-s.closed:
		return nil, client.ErrStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) token(messageID, token string) {
	s.frames <- frame{ev: &client.TokenEvent{MessageID: messageID, Token: token}}
}

func (s *fakeStream) done(messageID string, citations ...models.Citation) {
	s.frames <- frame{ev: &client.DoneEvent{MessageID: messageID, Citations: citations}}
}

func (s *fakeStream) fail(msg string) {
	s.frames <- frame{ev: &client.ErrorEvent{Message: msg}}
}

// fakeTransport records calls and hands out a fresh fakeStream per OpenStream.
type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	messages map[string][]models.Message
	posted   []string
	creates  []client.CreateSessionInput

	postErr error
	openErr error
	getErr  error

	// postGate, when set, holds PostMessage until it is closed.
	postGate chan struct{}
	posting  chan struct{}

	opened chan *fakeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sessions: map[string]*models.ChatSession{},
		messages: map[string][]models.Message{},
		opened:   make(chan *fakeStream, 8),
	}
}

func (t *fakeTransport) addSession(id, title string, messages ...models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = &models.ChatSession{ID: id, Title: title, CreatedAt: time.Now()}
	t.messages[id] = messages
}

func (t *fakeTransport) GetSession(_ context.Context, id string) (*models.ChatSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.getErr != nil {
		return nil, t.getErr
	}
	s, ok := t.sessions[id]
	if !ok {
		return nil, &client.APIError{StatusCode: 404, Method: "GET", Path: "/chat/sessions/" + id}
	}
	cp := *s
	return &cp, nil
}

func (t *fakeTransport) ListMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.messages[sessionID]...), nil
}

func (t *fakeTransport) CreateSession(_ context.Context, input client.CreateSessionInput) (*models.ChatSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creates = append(t.creates, input)
	s := &models.ChatSession{ID: "s-new", Title: input.Title, PersonaID: input.PersonaID, CreatedAt: time.Now()}
	t.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (t *fakeTransport) UpdateSession(_ context.Context, id string, input client.UpdateSessionInput) (*models.ChatSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, &client.APIError{StatusCode: 404, Method: "PATCH", Path: "/chat/sessions/" + id}
	}
	if input.Title != nil {
		s.Title = *input.Title
	}
	if input.PersonaID != nil {
		s.PersonaID = input.PersonaID
	}
	cp := *s
	return &cp, nil
}

func (t *fakeTransport) PostMessage(_ context.Context, _ string, content string) error {
	t.mu.Lock()
	gate := t.postGate
	t.mu.Unlock()
	if gate != nil {
		t.posting <- struct{}{}
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.postErr != nil {
		return t.postErr
	}
	t.posted = append(t.posted, content)
	return nil
}

func (t *fakeTransport) OpenStream(_ context.Context, _ string) (client.StreamHandle, error) {
	t.mu.Lock()
	err := t.openErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeStream()
	t.opened <- s
	return s, nil
}

func (t *fakeTransport) postedMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.posted...)
}

// holdPosts makes PostMessage block until the returned func is called.
func (t *fakeTransport) holdPosts() (release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate := make(chan struct{})
	t.postGate = gate
	t.posting = make(chan struct{}, 8)
	return func() { close(gate) }
}

func (t *fakeTransport) setPostErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postErr = err
}

// staticOpener returns a prepared stream.
type staticOpener struct {
	stream *fakeStream
	err    error
}

func (o staticOpener) OpenStream(context.Context, string) (client.StreamHandle, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.stream, nil
}

// blockingOpener blocks until ctx is done.
type blockingOpener struct{}

func (blockingOpener) OpenStream(ctx context.Context, _ string) (client.StreamHandle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

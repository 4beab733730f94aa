package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrame is one event on the WebSocket stream endpoint.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wsStream is a StreamHandle reading JSON frames from a WebSocket.
type wsStream struct {
	conn *websocket.Conn

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// toWebSocketURL converts an http(s) URL to its ws(s) counterpart.
func toWebSocketURL(u string) string {
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u
}

// dialStream connects to the WebSocket stream endpoint. The connection is
// closed when ctx is cancelled.
func (c *Client) dialStream(ctx context.Context, path string) (*wsStream, error) {
	endpoint := toWebSocketURL(c.baseURL + path)

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeAPIError(resp, http.MethodGet, path)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: websocket connect %s: %v", ErrNetwork, path, err)
	}

	s := &wsStream{
		conn: conn,
		done: make(chan struct{}),
	}

	// Handle context cancellation in a separate goroutine
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// Next returns the next event. A normal close from the server is io.EOF.
func (s *wsStream) Next() (Event, error) {
	for {
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}

		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return nil, ErrStreamClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}

		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, &FrameError{Err: errors.Join(ErrValidation, err)}
		}

		// Keep-alive frames carry no event.
		if frame.Event == "ping" || frame.Event == "ka" {
			continue
		}

		return ParseEvent(frame.Event, frame.Data)
	}
}

// Close sends a close frame (best effort) and releases the connection.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// maxFrameSize caps a single SSE line.
const maxFrameSize = 64 * 1024

// doneSentinel is the OpenAI-style end-of-stream payload some proxies emit.
var doneSentinel = []byte("[DONE]")

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReaderSize(r, 4096),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event name (empty when the frame had no "event:" line), the
// data lines joined with "\n", and any error. Returns io.EOF when the
// stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	var seenField bool

	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && seenField {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		// Empty line signals end of event
		if len(line) == 0 {
			if seenField {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		// Comment lines (":keep-alive") carry nothing.
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			eventType = string(value)
			seenField = true
		case "data":
			dataLines = append(dataLines, value)
			seenField = true
		}
		// Ignore other fields (id:, retry:)
	}
}

// readLine returns one line without its terminator, rejecting lines longer
// than maxFrameSize.
func (s *SSEReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxFrameSize {
			return nil, errors.New("sse line exceeds maximum frame size")
		}
		if !isPrefix {
			return bytes.TrimRight(buf, "\r"), nil
		}
	}
}

// sseStream is a StreamHandle reading text/event-stream frames from an
// HTTP response body.
type sseStream struct {
	body   io.ReadCloser
	reader *SSEReader
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc) *sseStream {
	return &sseStream{
		body:   body,
		reader: NewSSEReader(body),
		cancel: cancel,
	}
}

// Next returns the next event. Malformed or unknown frames are returned as
// *FrameError and do not end the stream.
func (s *sseStream) Next() (Event, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}

	name, data, err := s.reader.ReadEvent()
	if err != nil {
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}
		return nil, err
	}

	if name == "" && bytes.Equal(bytes.TrimSpace(data), doneSentinel) {
		return nil, io.EOF
	}

	return ParseEvent(name, data)
}

// Close releases the connection. Safe to call more than once and from a
// goroutine other than the one blocked in Next.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

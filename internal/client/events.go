package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raphaelgruber/journalchat/internal/models"
)

// Stream event names.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// Event is one decoded stream frame: a *TokenEvent, *DoneEvent or *ErrorEvent.
type Event interface {
	// Name returns the wire event name.
	Name() string
	isEvent()
}

// TokenEvent carries one incremental piece of assistant output.
type TokenEvent struct {
	MessageID string `json:"message_id"`
	Token     string `json:"token"`
}

// DoneEvent ends a stream successfully.
type DoneEvent struct {
	MessageID string            `json:"message_id"`
	Citations []models.Citation `json:"citations,omitempty"`
}

// ErrorEvent ends a stream with a backend-reported failure.
type ErrorEvent struct {
	Message string `json:"error"`
}

func (*TokenEvent) Name() string { return EventToken }
func (*DoneEvent) Name() string  { return EventDone }
func (*ErrorEvent) Name() string { return EventError }

func (*TokenEvent) isEvent() {}
func (*DoneEvent) isEvent()  {}
func (*ErrorEvent) isEvent() {}

// ParseEvent validates a raw frame and returns the typed event.
//
// When name is empty or the SSE default "message", the event name is taken
// from a "type" field inside the payload. Failures are *FrameError values
// wrapping ErrUnknownEvent or ErrValidation.
func ParseEvent(name string, data []byte) (Event, error) {
	if name == "" || name == "message" {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
			return nil, &FrameError{Event: name, Err: ErrUnknownEvent}
		}
		name = probe.Type
	}

	switch name {
	case EventToken:
		var ev TokenEvent
		if err := decodeFrame(name, data, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" {
			return nil, &FrameError{Event: name, Err: fmt.Errorf("%w: missing message_id", ErrValidation)}
		}
		return &ev, nil

	case EventDone:
		var ev DoneEvent
		if len(data) > 0 {
			if err := decodeFrame(name, data, &ev); err != nil {
				return nil, err
			}
		}
		return &ev, nil

	case EventError:
		var raw struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			var text string
			if json.Unmarshal(data, &text) != nil {
				// Plain-text error payloads are passed through verbatim.
				text = string(data)
			}
			if text == "" {
				text = "unknown error"
			}
			return &ErrorEvent{Message: text}, nil
		}
		msg := firstNonEmpty(raw.Error, raw.Message, raw.Detail)
		if msg == "" {
			msg = "unknown error"
		}
		return &ErrorEvent{Message: msg}, nil

	default:
		return nil, &FrameError{Event: name, Err: ErrUnknownEvent}
	}
}

func decodeFrame(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &FrameError{Event: name, Err: errors.Join(ErrValidation, err)}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

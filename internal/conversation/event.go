// Package conversation runs field-schema driven chat dialogues: prompt, wait for the
// next message, extract and validate, ask for what is missing, confirm.
package conversation

import (
	"context"
	"errors"
	"time"
)

// EventKind classifies an inbound chat message
type EventKind string

const (
	KindText      EventKind = "text"
	KindVoice     EventKind = "voice"
	KindImage     EventKind = "image"
	KindSelection EventKind = "selection" // a pressed button; Text carries the choice id
	KindCancel    EventKind = "cancel"
)

// Event is one inbound message, normalized by the chat transport
type Event struct {
	SessionKey string    `json:"session_key"`
	Kind       EventKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Data       []byte    `json:"data,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks the transport supplied the minimum an event needs
func (e Event) Validate() error {
	if e.SessionKey == "" {
		return errors.New("session_key is required")
	}
	switch e.Kind {
	case KindText, KindSelection:
		if e.Text == "" {
			return errors.New("text is required for text and selection events")
		}
	case KindVoice, KindImage:
		if len(e.Data) == 0 {
			return errors.New("data is required for voice and image events")
		}
	case KindCancel:
	default:
		return errors.New("unknown event kind")
	}
	return nil
}

// Choice is one selectable option attached to a prompt
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Prompt is one outbound message
type Prompt struct {
	SessionKey string   `json:"session_key"`
	Text       string   `json:"text"`
	Choices    []Choice `json:"choices,omitempty"`
}

// Sender delivers prompts to a chat identity
type Sender interface {
	Send(ctx context.Context, p Prompt) error
}

// Channel is the engine's view of one session: it can talk and it can wait.
// Await returns ErrSuspended when the session idles out.
type Channel interface {
	Send(ctx context.Context, p Prompt) error
	Await(ctx context.Context) (Event, error)
}

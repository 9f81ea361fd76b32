package conversation

import (
	"context"
	"errors"
	"strings"
)

// ErrCancelled is the outcome of a flow the user stopped. Nothing was committed.
var ErrCancelled = errors.New("cancelled by user")

// ErrSuspended is returned when a wait ends because the session went idle. The last
// checkpoint is the resumption point.
var ErrSuspended = errors.New("conversation suspended")

// CancelChoice is the callback id of every cancel button
const CancelChoice = "cancel"

// CancelledText acknowledges a cancellation
const CancelledText = "Cancelled. Nothing was saved."

var cancelWords = map[string]bool{
	"/cancel": true,
	"cancel":  true,
	"/bekor":  true,
	"bekor":   true,
	"/otmena": true,
	"otmena":  true,
}

// IsCancel reports whether ev is the reserved cancel signal
func IsCancel(ev Event) bool {
	switch ev.Kind {
	case KindCancel:
		return true
	case KindText, KindSelection:
		return cancelWords[strings.ToLower(strings.TrimSpace(ev.Text))]
	}
	return false
}

// AwaitInput is the single wait point used by every multi-step dialogue. A cancel
// signal is acknowledged here and turned into ErrCancelled, which callers must return
// unchanged.
func AwaitInput(ctx context.Context, ch Channel) (Event, error) {
	ev, err := ch.Await(ctx)
	if err != nil {
		return Event{}, err
	}
	if IsCancel(ev) {
		_ = ch.Send(ctx, Prompt{Text: CancelledText})
		return Event{}, ErrCancelled
	}
	return ev, nil
}

// Package extractor talks to the optional structured extraction service that turns
// free text, voice notes and photos into field values.
package extractor

import (
	"context"
	"errors"

	"procurebot/internal/form"
)

// ErrUnavailable means no structured result could be produced: the service is not
// configured, failed, timed out or returned nothing usable. Callers fall back.
var ErrUnavailable = errors.New("structured extractor unavailable")

// Input kinds
const (
	KindText  = "text"
	KindVoice = "voice"
	KindImage = "image"
)

// Input is one user message handed to the extractor
type Input struct {
	Kind     string
	Text     string
	Data     []byte
	MimeType string
}

// Extractor produces a (possibly partial) field map for a schema.
type Extractor interface {
	Extract(ctx context.Context, in Input, schema form.Schema) (map[string]interface{}, error)
}

// Disabled is the extractor used when no service is configured
type Disabled struct{}

func (Disabled) Extract(context.Context, Input, form.Schema) (map[string]interface{}, error) {
	return nil, ErrUnavailable
}

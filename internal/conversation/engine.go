package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"procurebot/internal/extractor"
	"procurebot/internal/form"
	"procurebot/internal/metrics"
)

// Step is the position of a flow inside the engine's dialogue
type Step string

const (
	StepIntro     Step = "intro"
	StepField     Step = "field"
	StepConfirm   Step = "confirm"
	StepEditPick  Step = "edit_pick"
	StepEditField Step = "edit_field"
)

// Choice ids used by the engine's own buttons
const (
	ChoiceConfirm = "confirm"
	ChoiceEdit    = "edit"
	ChoiceSkip    = "skip"
	ChoiceBack    = "back"
)

// Checkpoint is everything the engine needs to continue a suspended dialogue.
// It only changes in response to an event, so replaying the remaining events from a
// checkpoint reaches the same result as an uninterrupted run.
type Checkpoint struct {
	Step  Step
	Field string
	Data  map[string]interface{}
}

// SaveFunc persists a checkpoint. It is called before every wait.
type SaveFunc func(ctx context.Context, cp Checkpoint) error

// MediaStore keeps uploaded photos and returns a reference to store on the record
type MediaStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

// Result is a confirmed data map. The engine never mutates business state; the caller
// commits after a confirmed result.
type Result struct {
	Confirmed bool
	Data      map[string]interface{}
}

// Engine drives one schema to completion for one session
type Engine struct {
	structured extractor.Extractor
	fallback   *form.Fallback
	media      MediaStore
	timeout    time.Duration
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExtractor sets the structured extractor tried before the fallback parser.
func WithExtractor(x extractor.Extractor) EngineOption {
	return func(e *Engine) {
		e.structured = x
	}
}

// WithMediaStore sets where photo fields are uploaded.
func WithMediaStore(m MediaStore) EngineOption {
	return func(e *Engine) {
		e.media = m
	}
}

// WithExtractTimeout bounds a single structured extraction call.
func WithExtractTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine. The fallback parser is mandatory; everything else is optional.
func NewEngine(fallback *form.Fallback, opts ...EngineOption) *Engine {
	e := &Engine{
		structured: extractor.Disabled{},
		fallback:   fallback,
		timeout:    10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run collects schema for one session. A zero checkpoint starts a new dialogue; a
// checkpoint saved by an earlier run resumes it without repeating the pending prompt,
// and the next event is taken as the answer to it.
//
// Outcomes: a confirmed Result, ErrCancelled, ErrSuspended, or a transport/context error.
func (e *Engine) Run(ctx context.Context, schema form.Schema, cp Checkpoint, ch Channel, save SaveFunc) (Result, error) {
	resumed := cp.Step != ""
	cp.Data = cloneData(cp.Data)
	if !resumed {
		cp.Step = StepIntro
	}

	quiet := resumed
	for {
		if !quiet {
			if err := ch.Send(ctx, e.prompt(schema, cp)); err != nil {
				return Result{}, fmt.Errorf("send prompt: %w", err)
			}
		}
		quiet = false

		if err := save(ctx, Checkpoint{Step: cp.Step, Field: cp.Field, Data: cloneData(cp.Data)}); err != nil {
			return Result{}, fmt.Errorf("save checkpoint: %w", err)
		}

		ev, err := AwaitInput(ctx, ch)
		if err != nil {
			return Result{}, err
		}

		done, notice := e.handle(ctx, schema, &cp, ev)
		if done {
			return Result{Confirmed: true, Data: cp.Data}, nil
		}
		if notice != "" {
			if err := ch.Send(ctx, Prompt{Text: notice}); err != nil {
				return Result{}, fmt.Errorf("send notice: %w", err)
			}
		}
	}
}

// handle applies one event to the checkpoint. It reports completion, or a notice to
// show before the (possibly unchanged) step is prompted again.
func (e *Engine) handle(ctx context.Context, schema form.Schema, cp *Checkpoint, ev Event) (bool, string) {
	switch cp.Step {
	case StepIntro:
		for k, v := range e.extract(ctx, schema, ev) {
			cp.Data[k] = v
		}
		if ev.Kind == KindImage {
			if f, ok := firstPhotoField(schema); ok {
				if ref, err := e.storePhoto(ctx, schema, ev); err == nil {
					cp.Data[f.Key] = ref
				}
			}
		}
		applyDefaults(schema, cp.Data)
		advance(schema, cp)
		return false, ""

	case StepField, StepEditField:
		f, ok := schema.Field(cp.Field)
		if !ok {
			advance(schema, cp)
			return false, ""
		}
		v, skip, notice := e.readField(ctx, schema, f, ev)
		if notice != "" {
			return false, notice
		}
		if skip {
			delete(cp.Data, f.Key)
		} else {
			cp.Data[f.Key] = v
		}
		advance(schema, cp)
		return false, ""

	case StepConfirm:
		switch choiceOf(ev) {
		case ChoiceConfirm, "ok", "yes", "ha", "da":
			if missing(schema, cp.Data) != "" {
				advance(schema, cp)
				return false, ""
			}
			return true, ""
		case ChoiceEdit:
			cp.Step, cp.Field = StepEditPick, ""
			return false, ""
		}
		return false, "Please confirm, edit or cancel."

	case StepEditPick:
		c := choiceOf(ev)
		if c == ChoiceBack {
			cp.Step = StepConfirm
			return false, ""
		}
		for _, f := range schema.Fields {
			if strings.EqualFold(f.Key, c) || strings.EqualFold(f.Label, strings.TrimSpace(ev.Text)) {
				cp.Step, cp.Field = StepEditField, f.Key
				return false, ""
			}
		}
		return false, "Pick one of the fields."
	}

	// unknown step, e.g. a checkpoint written by an older release
	advance(schema, cp)
	return false, ""
}

// extract runs structured extraction with the fallback parser as the safety net and
// normalizes the values to the schema's types.
func (e *Engine) extract(ctx context.Context, schema form.Schema, ev Event) map[string]interface{} {
	in := extractor.Input{Kind: string(ev.Kind), Text: ev.Text, Data: ev.Data, MimeType: ev.MimeType}
	if ev.Kind == KindSelection {
		in.Kind = extractor.KindText
	}

	raw, err := e.callExtractor(ctx, in, schema)
	if err != nil || len(raw) == 0 {
		if err != nil && !errors.Is(err, extractor.ErrUnavailable) {
			e.logger.Warn("Structured extraction failed", "schema", schema.Name, "error", err)
		}
		metrics.ExtractorFallbacks.WithLabelValues(schema.Name).Inc()
		raw = nil
		if strings.TrimSpace(ev.Text) != "" {
			raw = e.fallback.Extract(ev.Text, schema)
		}
	}
	return normalize(schema, raw, e.fallback.Synonyms())
}

func (e *Engine) callExtractor(ctx context.Context, in extractor.Input, schema form.Schema) (map[string]interface{}, error) {
	if e.structured == nil {
		return nil, extractor.ErrUnavailable
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.structured.Extract(ctx, in, schema)
}

// readField reads the answer to a single-field prompt.
func (e *Engine) readField(ctx context.Context, schema form.Schema, f form.Field, ev Event) (interface{}, bool, string) {
	if !f.Required && choiceOf(ev) == ChoiceSkip {
		return nil, true, ""
	}

	switch f.Type {
	case form.TypePhoto:
		if ev.Kind != KindImage || len(ev.Data) == 0 {
			return nil, false, "Please send a photo."
		}
		ref, err := e.storePhoto(ctx, schema, ev)
		if err != nil {
			return nil, false, "Could not save the photo, please send it again."
		}
		return ref, false, ""

	case form.TypeEnum:
		if v, ok := form.MatchEnum(f, ev.Text, e.fallback.Synonyms()); ok {
			return v, false, ""
		}
		return nil, false, "Please pick one of the options."

	case form.TypeNumber:
		if ev.Kind == KindVoice || ev.Kind == KindImage {
			if v, ok := e.extractOne(ctx, schema, f, ev); ok && form.Valid(f, v) {
				return v, false, ""
			}
			return nil, false, "Please send a positive number."
		}
		n, ok := form.ParseNumber(ev.Text)
		if !ok || !n.IsPositive() {
			return nil, false, "Please send a positive number."
		}
		return form.NumberValue(n), false, ""

	default:
		if ev.Kind == KindVoice || ev.Kind == KindImage {
			if v, ok := e.extractOne(ctx, schema, f, ev); ok && form.Valid(f, v) {
				return v, false, ""
			}
			return nil, false, fmt.Sprintf("Please type the %s.", strings.ToLower(f.Title()))
		}
		s := strings.TrimSpace(ev.Text)
		if s == "" {
			return nil, false, fmt.Sprintf("Please type the %s.", strings.ToLower(f.Title()))
		}
		return s, false, ""
	}
}

// extractOne asks the structured extractor for a single field of a voice or image answer.
func (e *Engine) extractOne(ctx context.Context, schema form.Schema, f form.Field, ev Event) (interface{}, bool) {
	single := form.Schema{Name: schema.Name, Title: schema.Title, Fields: []form.Field{f}}
	raw, err := e.callExtractor(ctx, extractor.Input{Kind: string(ev.Kind), Text: ev.Text, Data: ev.Data, MimeType: ev.MimeType}, single)
	if err != nil {
		metrics.ExtractorFallbacks.WithLabelValues(schema.Name).Inc()
		return nil, false
	}
	v, ok := normalize(single, raw, e.fallback.Synonyms())[f.Key]
	return v, ok
}

func (e *Engine) storePhoto(ctx context.Context, schema form.Schema, ev Event) (string, error) {
	if e.media == nil {
		return "", errors.New("no media store configured")
	}
	key := fmt.Sprintf("%s/%s/%d", schema.Name, ev.SessionKey, time.Now().UnixNano())
	ref, err := e.media.Put(ctx, key, ev.Data, ev.MimeType)
	if err != nil {
		e.logger.Warn("Photo upload failed", "schema", schema.Name, "session", ev.SessionKey, "error", err)
		return "", err
	}
	return ref, nil
}

// prompt renders the message for the current step
func (e *Engine) prompt(schema form.Schema, cp Checkpoint) Prompt {
	cancel := Choice{ID: CancelChoice, Label: "Cancel"}

	switch cp.Step {
	case StepIntro:
		var b strings.Builder
		b.WriteString(schema.Title)
		b.WriteString("\n\nSend the details in one message, separated by commas:\n")
		labels := make([]string, 0, len(schema.Fields))
		for _, f := range schema.TextFields() {
			l := f.Title()
			if f.Required {
				l += "*"
			}
			labels = append(labels, l)
		}
		b.WriteString(strings.Join(labels, ", "))
		b.WriteString("\nExample: ")
		b.WriteString(schema.Example())
		b.WriteString("\n\nVoice notes and photos work too. Send /cancel to stop.")
		return Prompt{Text: b.String(), Choices: []Choice{cancel}}

	case StepField, StepEditField:
		f, _ := schema.Field(cp.Field)
		p := Prompt{Text: f.Title() + "?"}
		switch f.Type {
		case form.TypeEnum:
			for _, v := range f.EnumValues {
				p.Choices = append(p.Choices, Choice{ID: v, Label: f.ChoiceLabel(v)})
			}
		case form.TypeNumber:
			p.Text = f.Title() + "? Send a number."
		case form.TypePhoto:
			p.Text = f.Title() + "? Send a photo."
		}
		if cur, ok := cp.Data[f.Key]; ok && cp.Step == StepEditField {
			p.Text += "\nCurrent: " + form.Display(f, cur)
		}
		if !f.Required {
			p.Choices = append(p.Choices, Choice{ID: ChoiceSkip, Label: "Skip"})
		}
		p.Choices = append(p.Choices, cancel)
		return p

	case StepConfirm:
		return Prompt{
			Text: Summary(schema, cp.Data) + "\n\nIs everything correct?",
			Choices: []Choice{
				{ID: ChoiceConfirm, Label: "Confirm"},
				{ID: ChoiceEdit, Label: "Edit"},
				cancel,
			},
		}

	case StepEditPick:
		p := Prompt{Text: "Which field do you want to change?"}
		for _, f := range schema.Fields {
			p.Choices = append(p.Choices, Choice{ID: f.Key, Label: f.Title()})
		}
		p.Choices = append(p.Choices, Choice{ID: ChoiceBack, Label: "Back"}, cancel)
		return p
	}
	return Prompt{Text: schema.Title}
}

// Summary renders collected values in schema order
func Summary(schema form.Schema, data map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(schema.Title)
	b.WriteString("\n")
	for _, f := range schema.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Title(), form.Display(f, data[f.Key]))
	}
	return b.String()
}

// advance moves to the first field that still needs input, or to confirmation.
func advance(schema form.Schema, cp *Checkpoint) {
	if key := missing(schema, cp.Data); key != "" {
		cp.Step, cp.Field = StepField, key
		return
	}
	cp.Step, cp.Field = StepConfirm, ""
}

// missing returns the first field that is required and absent, or present but invalid.
func missing(schema form.Schema, data map[string]interface{}) string {
	for _, f := range schema.Fields {
		v, present := data[f.Key]
		if present && !form.Valid(f, v) {
			return f.Key
		}
		if !present && f.Required {
			return f.Key
		}
	}
	return ""
}

func applyDefaults(schema form.Schema, data map[string]interface{}) {
	for _, f := range schema.Fields {
		if _, ok := data[f.Key]; !ok && !f.Required && f.Default != nil {
			data[f.Key] = f.Default
		}
	}
}

// normalize coerces extractor output to the schema's types and drops unknown keys.
// Unreadable numbers are dropped; unknown enum tokens are kept for re-prompting.
func normalize(schema form.Schema, raw map[string]interface{}, synonyms map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		f, ok := schema.Field(k)
		if !ok || v == nil {
			continue
		}
		switch f.Type {
		case form.TypePhoto:
			continue
		case form.TypeNumber:
			if n, ok := form.AsNumber(v); ok {
				out[k] = form.NumberValue(n)
			}
		case form.TypeEnum:
			s := form.AsString(v)
			if m, ok := form.MatchEnum(f, s, synonyms); ok {
				out[k] = m
			} else if s != "" {
				out[k] = s
			}
		default:
			if s := strings.TrimSpace(form.AsString(v)); s != "" {
				out[k] = s
			}
		}
	}
	return out
}

func firstPhotoField(schema form.Schema) (form.Field, bool) {
	for _, f := range schema.Fields {
		if f.Type == form.TypePhoto {
			return f, true
		}
	}
	return form.Field{}, false
}

func choiceOf(ev Event) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ev.Text)), "/")
}

func cloneData(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

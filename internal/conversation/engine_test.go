package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procurebot/internal/extractor"
	"procurebot/internal/form"
)

// scriptChannel replays a fixed list of events and suspends when it runs out.
type scriptChannel struct {
	events []Event
	sent   []Prompt
}

func (c *scriptChannel) Send(_ context.Context, p Prompt) error {
	c.sent = append(c.sent, p)
	return nil
}

func (c *scriptChannel) Await(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if len(c.events) == 0 {
		return Event{}, ErrSuspended
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

type checkpoints struct {
	all []Checkpoint
}

func (s *checkpoints) save(_ context.Context, cp Checkpoint) error {
	s.all = append(s.all, cp)
	return nil
}

func (s *checkpoints) last() Checkpoint {
	return s.all[len(s.all)-1]
}

type stubExtractor struct {
	fields map[string]interface{}
	err    error
	calls  int
}

func (s *stubExtractor) Extract(_ context.Context, _ extractor.Input, _ form.Schema) (map[string]interface{}, error) {
	s.calls++
	return s.fields, s.err
}

type memMedia struct {
	keys []string
	err  error
}

func (m *memMedia) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "mem://" + key, nil
}

func text(s string) Event   { return Event{SessionKey: "chat-1", Kind: KindText, Text: s} }
func choice(s string) Event { return Event{SessionKey: "chat-1", Kind: KindSelection, Text: s} }

func catalog(t *testing.T) *form.Catalog {
	t.Helper()
	c, err := form.DefaultCatalog()
	require.NoError(t, err)
	return c
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *form.Catalog) {
	c := catalog(t)
	return NewEngine(c.Fallback(), opts...), c
}

func TestEngine_FallbackThenConfirm(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("request")
	ch := &scriptChannel{events: []Event{
		text("Cement M400, 500, qop, 2 000 000, urgent"),
		choice(ChoiceConfirm),
	}}
	cps := &checkpoints{}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, cps.save)

	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, map[string]interface{}{
		"item":   "Cement M400",
		"qty":    "500",
		"unit":   "BAG",
		"amount": "2000000",
		"note":   "urgent",
	}, res.Data)
	require.Len(t, ch.sent, 2, "intro and confirmation")
	assert.Contains(t, ch.sent[1].Text, "Cement M400")
	assert.Equal(t, StepConfirm, cps.last().Step)
}

func TestEngine_AsksForMissingAndInvalidFields(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("request")
	ch := &scriptChannel{events: []Event{
		text("Rebar, lots, sacks"),
		text("-3"),
		text("120"),
		text("xyz"),
		choice("KG"),
		choice(ChoiceConfirm),
	}}
	cps := &checkpoints{}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, cps.save)

	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"item": "Rebar",
		"qty":  "120",
		"unit": "KG",
	}, res.Data)

	var notices []string
	for _, p := range ch.sent {
		if len(p.Choices) == 0 {
			notices = append(notices, p.Text)
		}
	}
	assert.Contains(t, notices, "Please send a positive number.")
	assert.Contains(t, notices, "Please pick one of the options.")
}

func TestEngine_NumberPromptAcceptsGroupedThousands(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("finalize")
	ch := &scriptChannel{events: []Event{
		text("final price agreed"),
		text("2,000,000"),
		choice(ChoiceConfirm),
	}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "2000000", res.Data["amount"])
	for _, p := range ch.sent {
		assert.NotEqual(t, "Please send a positive number.", p.Text)
	}
}

func TestEngine_LargeAmountKeepsEveryDigit(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("finalize")
	ch := &scriptChannel{events: []Event{
		text("1234567890123456.78"),
		choice(ChoiceConfirm),
	}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.Equal(t, "1234567890123456.78", res.Data["amount"])
}

func TestEngine_DefaultAppliedToAbsentOptionalEnum(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("request")
	ch := &scriptChannel{events: []Event{text("Nails, 40"), choice(ChoiceConfirm)}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.Equal(t, "PCS", res.Data["unit"])
}

func TestEngine_StructuredExtractorPreferred(t *testing.T) {
	x := &stubExtractor{fields: map[string]interface{}{"item": "Sand", "qty": "12", "unit": "tonna", "bogus": 1}}
	eng, cat := newTestEngine(t, WithExtractor(x))
	schema, _ := cat.Schema("request")
	ch := &scriptChannel{events: []Event{
		{SessionKey: "chat-1", Kind: KindVoice, Data: []byte("ogg")},
		choice(ChoiceConfirm),
	}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.Equal(t, 1, x.calls)
	assert.Equal(t, "Sand", res.Data["item"])
	assert.Equal(t, "12", res.Data["qty"])
	assert.Equal(t, "TON", res.Data["unit"])
	assert.NotContains(t, res.Data, "bogus")
}

func TestEngine_ExtractorFailureFallsBack(t *testing.T) {
	x := &stubExtractor{err: fmt.Errorf("%w: boom", extractor.ErrUnavailable)}
	eng, cat := newTestEngine(t, WithExtractor(x))
	schema, _ := cat.Schema("reject")
	ch := &scriptChannel{events: []Event{text("not in budget"), choice(ChoiceConfirm)}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.Equal(t, "not in budget", res.Data["reason"])
}

func TestEngine_EditLoop(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("receive")
	ch := &scriptChannel{events: []Event{
		text("465, 5 bags damp"),
		choice(ChoiceEdit),
		choice(ChoiceBack),
		choice(ChoiceEdit),
		choice("qty"),
		text("460"),
		choice(ChoiceConfirm),
	}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.Equal(t, "460", res.Data["qty"])
	assert.Equal(t, "5 bags damp", res.Data["note"])
}

func TestEngine_PhotoField(t *testing.T) {
	media := &memMedia{}
	eng, cat := newTestEngine(t, WithMediaStore(media))
	schema, _ := cat.Schema("collect")
	ch := &scriptChannel{events: []Event{
		text("470"),
		choice(ChoiceEdit),
		choice("photo"),
		text("here it is"),
		{SessionKey: "chat-1", Kind: KindImage, Data: []byte{0xff, 0xd8}, MimeType: "image/jpeg"},
		choice(ChoiceConfirm),
	}}

	res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	require.Len(t, media.keys, 1)
	assert.Equal(t, "mem://"+media.keys[0], res.Data["photo"])
	assert.Equal(t, "470", res.Data["qty"])
}

func TestEngine_CancelAtEveryStep(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("request")
	script := []Event{
		text("Cement"),
		text("500"),
		choice(ChoiceEdit),
		choice("unit"),
		choice("BAG"),
	}
	cancels := []Event{
		{SessionKey: "chat-1", Kind: KindCancel},
		text("/cancel"),
		choice(CancelChoice),
		text("Bekor"),
	}

	for i := 0; i <= len(script); i++ {
		for _, c := range cancels {
			events := append(append([]Event{}, script[:i]...), c, choice(ChoiceConfirm))
			ch := &scriptChannel{events: events}

			res, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, (&checkpoints{}).save)

			require.ErrorIs(t, err, ErrCancelled, "cancel after %d events", i)
			assert.False(t, res.Confirmed)
			assert.Equal(t, CancelledText, ch.sent[len(ch.sent)-1].Text)
			assert.Len(t, ch.events, 1, "nothing is read after the cancel")
		}
	}
}

func TestEngine_SuspendsWhenIdle(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("request")
	ch := &scriptChannel{events: []Event{text("Cement")}}
	cps := &checkpoints{}

	_, err := eng.Run(context.Background(), schema, Checkpoint{}, ch, cps.save)

	require.ErrorIs(t, err, ErrSuspended)
	cp := cps.last()
	assert.Equal(t, StepField, cp.Step)
	assert.Equal(t, "qty", cp.Field)
	assert.Equal(t, "Cement", cp.Data["item"])
}

func TestEngine_ResumeDoesNotRepeatPrompt(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("reject")
	cp := Checkpoint{Step: StepConfirm, Data: map[string]interface{}{"reason": "late"}}
	ch := &scriptChannel{events: []Event{choice(ChoiceConfirm)}}

	res, err := eng.Run(context.Background(), schema, cp, ch, (&checkpoints{}).save)

	require.NoError(t, err)
	assert.Equal(t, "late", res.Data["reason"])
	assert.Empty(t, ch.sent)
}

// Splitting a script at any point, suspending, and resuming from the saved checkpoint
// must reach the same data as running it straight through.
func TestEngine_ResumptionIsIdempotent(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("request")
	script := []Event{
		text("Cement M400, abc, meshok"),
		text("500"),
		choice(ChoiceEdit),
		choice("amount"),
		text("2000000"),
		choice(ChoiceEdit),
		choice("note"),
		text("urgent"),
		choice(ChoiceConfirm),
	}

	straight, err := eng.Run(context.Background(), schema, Checkpoint{}, &scriptChannel{events: script}, (&checkpoints{}).save)
	require.NoError(t, err)

	for split := 0; split < len(script); split++ {
		cps := &checkpoints{}
		_, err := eng.Run(context.Background(), schema, Checkpoint{}, &scriptChannel{events: script[:split]}, cps.save)
		require.ErrorIs(t, err, ErrSuspended)

		resumed, err := eng.Run(context.Background(), schema, cps.last(), &scriptChannel{events: script[split:]}, cps.save)
		require.NoError(t, err, "split at %d", split)
		assert.Equal(t, straight.Data, resumed.Data, "split at %d", split)
	}
}

func TestEngine_SaveFailureStops(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("reject")
	boom := errors.New("db down")

	_, err := eng.Run(context.Background(), schema, Checkpoint{}, &scriptChannel{}, func(context.Context, Checkpoint) error { return boom })

	require.ErrorIs(t, err, boom)
}

func TestEngine_ContextCancelled(t *testing.T) {
	eng, cat := newTestEngine(t)
	schema, _ := cat.Schema("reject")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx, schema, Checkpoint{}, &scriptChannel{events: []Event{text("x")}}, (&checkpoints{}).save)

	require.ErrorIs(t, err, context.Canceled)
}

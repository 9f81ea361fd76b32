// Package pipeline routes chat events to per-session workers and runs the menu and
// role flows on top of the conversation engine.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procurebot/internal/conversation"
	"procurebot/internal/metrics"
)

var (
	// ErrBusy is returned when a session's inbox is full
	ErrBusy = errors.New("session inbox is full")
	// ErrClosed is returned after the dispatcher shut down
	ErrClosed = errors.New("dispatcher is closed")
)

// Handler processes one top-level event for a session. It may keep reading further
// events from ch while a flow runs.
type Handler interface {
	Handle(ctx context.Context, ch conversation.Channel, ev conversation.Event) error
}

// Dispatcher owns one worker goroutine per active session key. Events of one session are
// handled in arrival order; sessions run in parallel.
type Dispatcher struct {
	handler   Handler
	sender    conversation.Sender
	inboxSize int
	idle      time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type worker struct {
	key   string
	inbox chan conversation.Event
}

// NewDispatcher creates a dispatcher. Workers exit after `idle` without input.
func NewDispatcher(handler Handler, sender conversation.Sender, inboxSize int, idle time.Duration, logger *slog.Logger) *Dispatcher {
	if inboxSize <= 0 {
		inboxSize = 16
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:   handler,
		sender:    sender,
		inboxSize: inboxSize,
		idle:      idle,
		logger:    logger.With("component", "dispatcher"),
		workers:   make(map[string]*worker),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch queues ev for its session, starting a worker if none is live.
func (d *Dispatcher) Dispatch(ev conversation.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	w, ok := d.workers[ev.SessionKey]
	if !ok {
		w = &worker{key: ev.SessionKey, inbox: make(chan conversation.Event, d.inboxSize)}
		d.workers[ev.SessionKey] = w
		d.wg.Add(1)
		metrics.ActiveWorkers.Inc()
		go d.run(w)
	}

	select {
	case w.inbox <- ev:
		return nil
	default:
		metrics.DroppedEvents.Inc()
		return ErrBusy
	}
}

// Active returns the number of live workers
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops accepting events, cancels running flows and waits for the workers.
// Suspended checkpoints stay persisted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(w *worker) {
	defer func() {
		metrics.ActiveWorkers.Dec()
		d.wg.Done()
	}()

	ch := &sessionChannel{key: w.key, inbox: w.inbox, sender: d.sender, idle: d.idle}
	for {
		ev, err := ch.Await(d.ctx)
		if err != nil {
			if errors.Is(err, conversation.ErrSuspended) && !d.retire(w) {
				continue
			}
			d.forget(w)
			return
		}

		if err := d.handle(ch, ev); err != nil {
			switch {
			case errors.Is(err, conversation.ErrSuspended):
				if d.retire(w) {
					return
				}
			case d.ctx.Err() != nil:
				d.forget(w)
				return
			default:
				d.logger.Error("Handle event failed", "session", w.key, "error", err)
			}
		}
	}
}

func (d *Dispatcher) handle(ch *sessionChannel, ev conversation.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Session handler panicked", "session", ch.key, "panic", r)
			err = nil
		}
	}()
	return d.handler.Handle(d.ctx, ch, ev)
}

// retire removes an idle worker. It fails if an event slipped in meanwhile; Dispatch
// holds the same lock while queueing, so nothing can be queued after a successful retire.
func (d *Dispatcher) retire(w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(w.inbox) > 0 {
		return false
	}
	if d.workers[w.key] == w {
		delete(d.workers, w.key)
	}
	return true
}

func (d *Dispatcher) forget(w *worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workers[w.key] == w {
		delete(d.workers, w.key)
	}
}

// sessionChannel is the engine's view of one worker: prompts go to the transport,
// events come from the worker's inbox.
type sessionChannel struct {
	key    string
	inbox  <-chan conversation.Event
	sender conversation.Sender
	idle   time.Duration
}

func (c *sessionChannel) Send(ctx context.Context, p conversation.Prompt) error {
	if p.SessionKey == "" {
		p.SessionKey = c.key
	}
	return c.sender.Send(ctx, p)
}

func (c *sessionChannel) Await(ctx context.Context) (conversation.Event, error) {
	timer := time.NewTimer(c.idle)
	defer timer.Stop()
	select {
	case ev := <-c.inbox:
		return ev, nil
	case <-timer.C:
		return conversation.Event{}, conversation.ErrSuspended
	case <-ctx.Done():
		return conversation.Event{}, ctx.Err()
	}
}

// primedChannel answers the first Await with an event that was already read.
type primedChannel struct {
	conversation.Channel
	first *conversation.Event
}

func prime(ch conversation.Channel, ev conversation.Event) *primedChannel {
	return &primedChannel{Channel: ch, first: &ev}
}

func (c *primedChannel) Await(ctx context.Context) (conversation.Event, error) {
	if c.first != nil {
		ev := *c.first
		c.first = nil
		return ev, nil
	}
	return c.Channel.Await(ctx)
}

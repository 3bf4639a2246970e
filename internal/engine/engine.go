package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/cardsync/internal/canon"
	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/clock"
)

// Engine is the single-writer optimistic sync loop.
//
// All queue mutation and state transitions happen in the Run goroutine.
// Public methods post events to the loop and return immediately; save
// requests run on their own goroutines and post their results back.
//
// Thread-safety model:
//   - QueueChange, Seed, ForceSave, ResolveConflicts, SetPolicy, Stop:
//     safe from any goroutine, never block
//   - Status, Conflicts: safe from any goroutine, read a snapshot
//   - Run: must be called from exactly one goroutine
type Engine struct {
	saver    Saver
	clock    clock.Clock
	policy   Policy
	logger   *slog.Logger
	handlers Handlers
	observer Observer
	ids      RequestIDGenerator
	queue    *eventQueue

	started atomic.Bool
	stopped atomic.Bool

	// Loop-owned state.
	runCtx     context.Context
	mq         *mutationQueue
	sched      scheduler
	known      map[string]card.Base
	inflight   map[string]*flight
	flights    []*flight
	running    int
	conflicts  *conflictSet
	savedUntil time.Time
	errorUntil time.Time
	errReason  string
	timer      clock.Timer
	timerAt    time.Time
	timerGen   uint64
	settlers   []chan struct{}

	// Snapshot for other goroutines.
	mu               sync.Mutex
	status           card.Status
	conflictSnapshot []card.ConflictInfo
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the windows, cooldowns and retry parameters.
// Default: DefaultPolicy().
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock sets the time source. Default: clock.System().
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithHandlers sets the UI callbacks.
func WithHandlers(h Handlers) Option {
	return func(e *Engine) {
		e.handlers = h
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithRequestIDs sets the request id generator. Default: UUIDv7Generator.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// New creates an Engine that saves through saver.
func New(saver Saver, opts ...Option) (*Engine, error) {
	if saver == nil {
		return nil, errors.New("engine: saver is required")
	}

	e := &Engine{
		saver:     saver,
		clock:     clock.System(),
		policy:    DefaultPolicy(),
		logger:    slog.Default(),
		observer:  nopObserver{},
		ids:       UUIDv7Generator{},
		queue:     newEventQueue(),
		mq:        newMutationQueue(),
		known:     make(map[string]card.Base),
		inflight:  make(map[string]*flight),
		conflicts: newConflictSet(),
		status:    card.Status{State: card.StateIdle},
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid policy: %w", err)
	}
	return e, nil
}

// QueueChange merges patch into the card's pending change and (re)arms its
// flush timer. It never blocks.
//
// The patch is copied; nested values must not be modified afterwards.
// A card that was never seeded is saved against an empty base, so the
// server reports every field it already holds as a conflict. Seed cards
// the server knows before editing them.
//
// Returns an error if the patch is empty, holds a value with no JSON form,
// or the engine has stopped.
func (e *Engine) QueueChange(entityID string, patch card.Patch, priority card.Priority) error {
	if entityID == "" {
		return newInvalidPatchError(entityID, "card id is required", nil)
	}
	if len(patch) == 0 {
		return newInvalidPatchError(entityID, "patch is empty", nil)
	}
	if !priority.Valid() {
		return newInvalidPatchError(entityID, fmt.Sprintf("invalid priority %d", int(priority)), nil)
	}
	if _, err := canon.Marshal(map[string]any(patch)); err != nil {
		return newInvalidPatchError(entityID, "patch is not representable as JSON", err)
	}

	rec := &card.ChangeRecord{
		EntityID: entityID,
		Patch:    patch.Clone(),
		Priority: priority,
	}
	if !e.queue.Enqueue(event{typ: eventQueueChange, change: rec}) {
		return ErrEngineStopped
	}
	return nil
}

// Seed records the authoritative state of cards, which later edits use as
// their base. Call it with freshly fetched cards, including after OnRefresh.
func (e *Engine) Seed(cards ...card.Card) error {
	if !e.queue.Enqueue(event{typ: eventSeed, cards: cards}) {
		return ErrEngineStopped
	}
	return nil
}

// ForceSave sends every pending and failed change on the next tick,
// regardless of debounce windows, and retries waiting batches now.
func (e *Engine) ForceSave() error {
	if !e.queue.Enqueue(event{typ: eventForceSave}) {
		return ErrEngineStopped
	}
	return nil
}

// ResolveConflicts applies per-card resolutions. See Resolution for
// per-field choices.
func (e *Engine) ResolveConflicts(resolutions map[string]card.Resolution) error {
	for id, res := range resolutions {
		if res.Choice != "" && !res.Choice.Valid() {
			return newInvalidPatchError(id, fmt.Sprintf("invalid choice %q", res.Choice), nil)
		}
		if res.Choice == "" && len(res.Fields) == 0 {
			return newInvalidPatchError(id, "resolution has no choice", nil)
		}
		for field, c := range res.Fields {
			if !c.Valid() {
				return newInvalidPatchError(id, fmt.Sprintf("invalid choice %q for field %s", c, field), nil)
			}
		}
	}
	if !e.queue.Enqueue(event{typ: eventResolve, resolutions: resolutions}) {
		return ErrEngineStopped
	}
	return nil
}

// SetPolicy replaces the policy. Deadlines already armed keep their time;
// new changes and new batches use the new policy.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("engine: invalid policy: %w", err)
	}
	if !e.queue.Enqueue(event{typ: eventSetPolicy, policy: p}) {
		return ErrEngineStopped
	}
	return nil
}

// Settle blocks until every call made before it has been processed and no
// save request is outstanding. Batches waiting for a retry delay do not
// count as outstanding.
func (e *Engine) Settle(ctx context.Context) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(event{typ: eventSettle, done: done}) {
		return ErrEngineStopped
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if e.stopped.Load() {
			return ErrEngineStopped
		}
		return nil
	}
}

// Run starts the event loop. Blocks until ctx is cancelled or Stop is
// called. Save requests are made under ctx.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: Run called twice")
	}
	e.runCtx = ctx
	defer e.shutdown()

	e.logger.Info("sync engine starting")
	e.publish()

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			e.process(ev)
			e.afterEvent()
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("sync engine stopping: stopped")
				return nil
			}
		}
	}
}

// Stop shuts the engine down. Run returns once queued calls are processed.
// Changes not yet saved are dropped.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) shutdown() {
	e.stopped.Store(true)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	for _, done := range e.settlers {
		close(done)
	}
	e.settlers = nil

	unsent := e.mq.len()
	for _, f := range e.flights {
		unsent += len(f.records)
	}
	if unsent > 0 {
		e.logger.Warn("sync engine stopped with unsaved changes", "cards", unsent)
	}
}

// process routes an event to its handler.
// Called only from the Run goroutine.
func (e *Engine) process(ev event) {
	switch ev.typ {
	case eventQueueChange:
		e.queueChange(ev.change)
	case eventSeed:
		for _, c := range ev.cards {
			e.learn(c.ID, c.Base())
		}
	case eventForceSave:
		e.forceSave()
	case eventResolve:
		e.resolve(ev.resolutions)
	case eventSetPolicy:
		e.policy = ev.policy
		e.logger.Info("sync policy updated")
	case eventWake:
		e.wake(ev.gen)
	case eventResult:
		e.handleResult(ev.result)
	case eventSettle:
		e.settlers = append(e.settlers, ev.done)
	default:
		e.logger.Error("unknown event type", "type", ev.typ)
	}
}

// afterEvent re-arms the wake timer, publishes the status, and releases
// Settle callers once nothing is outstanding.
func (e *Engine) afterEvent() {
	e.rearm()
	e.publish()
	if e.running == 0 && len(e.settlers) > 0 {
		for _, done := range e.settlers {
			close(done)
		}
		e.settlers = nil
	}
}

func (e *Engine) queueChange(change *card.ChangeRecord) {
	now := e.clock.Now()
	change.EnqueuedAt = now
	change.Base = e.known[change.EntityID]

	en, prev := e.mq.merge(change)
	if n := e.conflicts.supersede(change.EntityID, change.Patch); n > 0 {
		e.logger.Info("local edit superseded conflicts",
			"card", change.EntityID,
			"fields", n,
		)
	}
	deadline := deadlineFor(e.policy, now, en, prev, change.Priority)
	e.sched.arm(en, deadline)

	e.logger.Debug("change queued",
		"card", change.EntityID,
		"priority", en.rec.Priority,
		"fields", len(en.rec.Patch),
		"flush_in", deadline.Sub(now),
	)
}

func (e *Engine) forceSave() {
	now := e.clock.Now()
	n := 0
	for _, en := range e.mq.ordered() {
		e.sched.arm(en, now)
		n++
	}
	for _, f := range e.flights {
		if !f.running {
			f.retryAt = now
			n++
		}
	}
	e.logger.Info("force save requested", "items", n)
}

// rearm points the single wake timer at the earliest thing the loop waits
// for: a flush deadline, a retry, or the end of a cooldown.
func (e *Engine) rearm() {
	now := e.clock.Now()
	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	if t, ok := e.sched.next(); ok {
		consider(t)
	}
	for _, f := range e.flights {
		if !f.running {
			consider(f.retryAt)
		}
	}
	if e.savedUntil.After(now) {
		consider(e.savedUntil)
	}
	if e.errorUntil.After(now) {
		consider(e.errorUntil)
	}

	if next.Equal(e.timerAt) && (e.timer != nil || next.IsZero()) {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerAt = next
	if next.IsZero() {
		return
	}

	e.timerGen++
	gen := e.timerGen
	e.timer = e.clock.AfterFunc(max(next.Sub(now), 0), func() {
		e.queue.Enqueue(event{typ: eventWake, gen: gen})
	})
}

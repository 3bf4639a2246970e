package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/clock"
	"github.com/roach88/cardsync/internal/engine"
	"github.com/roach88/cardsync/internal/store"
	"github.com/roach88/cardsync/internal/testutil"
)

// DefaultStart is the fake clock reading when a scenario begins.
var DefaultStart = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// settleTimeout bounds how long one step may wait for the engine.
const settleTimeout = 10 * time.Second

// DefaultPolicy is the engine policy scenarios run with: the standard
// windows without retry jitter.
func DefaultPolicy() engine.Policy {
	p := engine.DefaultPolicy()
	p.Jitter = 0
	return p
}

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	policy engine.Policy
	logger *slog.Logger
	start  time.Time
}

// WithPolicy runs scenarios under p instead of DefaultPolicy.
func WithPolicy(p engine.Policy) Option {
	return func(c *runConfig) { c.policy = p }
}

// WithLogger sets the engine's logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithStart sets the initial fake clock reading.
func WithStart(t time.Time) Option {
	return func(c *runConfig) { c.start = t }
}

// Harness drives one scenario run. Handler callbacks arrive on the engine
// loop goroutine and save calls on attempt goroutines; both are buffered
// under mu until the current step settles.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *clock.Fake
	saver  *testutil.ScriptedSaver
	actor  string
	start  time.Time

	mu        sync.Mutex
	events    []TraceEvent
	exchanges []exchange
	callsSeen int
}

// exchange is a save call that reached the store.
type exchange struct {
	requestID string
	resp      *card.SaveResponse
	err       error
	used      bool
}

// Run executes a scenario and returns its result.
//
// Each run gets a fresh in-memory store and engine. A failed expectation
// marks the result as failed; an error means a step could not be executed
// at all (unknown card, engine timeout).
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		policy: DefaultPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		start:  DefaultStart,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clk := clock.NewFake(cfg.start)
	st, err := store.Open(":memory:", store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	actor := scenario.Actor
	if actor == "" {
		actor = DefaultActor
	}
	h := &Harness{store: st, clock: clk, actor: actor, start: cfg.start}
	h.saver = testutil.NewScriptedSaver(clk.Now, h.respond)

	eng, err := engine.New(h.saver,
		engine.WithClock(clk),
		engine.WithPolicy(cfg.policy),
		engine.WithLogger(cfg.logger),
		engine.WithHandlers(h.handlers()),
		engine.WithRequestIDs(testutil.NewSequenceGenerator("req")),
	)
	if err != nil {
		return nil, err
	}
	h.engine = eng

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	result := NewResult(scenario.Name)
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Kind(), err)
		}
	}
	return result, nil
}

// respond forwards a save call to the store and remembers the answer for
// the trace.
func (h *Harness) respond(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
	resp, err := h.store.AsSaver(h.actor).SaveCards(ctx, req)
	h.mu.Lock()
	h.exchanges = append(h.exchanges, exchange{requestID: req.RequestID, resp: resp, err: err})
	h.mu.Unlock()
	return resp, err
}

func (h *Harness) handlers() engine.Handlers {
	return engine.Handlers{
		OnStatus: func(s card.Status) { h.note(EventStatus, s.String()) },
		OnConflict: func(cs []card.ConflictInfo) {
			for _, c := range cs {
				h.note(EventConflict, formatConflict(c))
			}
		},
		OnError:   func(msg string) { h.note(EventError, msg) },
		OnSuccess: func() { h.note(EventSuccess, "") },
		OnRefresh: func(id string) { h.note(EventRefresh, id) },
	}
}

func (h *Harness) note(kind, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, TraceEvent{Kind: kind, Detail: detail})
}

// execute runs one step, lets the engine settle, and appends the step and
// everything it caused to the trace.
func (h *Harness) execute(ctx context.Context, n int, step Step, result *Result) error {
	detail, err := h.act(ctx, step)
	if err != nil {
		return err
	}
	if err := h.settle(ctx); err != nil {
		return err
	}

	result.add(n, EventStep, detail)
	h.collect(n, result)
	return h.check(ctx, n, step, result)
}

// act performs the step's action and describes it for the trace.
func (h *Harness) act(ctx context.Context, step Step) (string, error) {
	switch step.Kind() {
	case StepSeed:
		names := make([]string, 0, len(step.Seed))
		stored := make([]card.Card, 0, len(step.Seed))
		for _, c := range step.Seed {
			got, err := h.store.PutCard(ctx, c)
			if err != nil {
				return "", err
			}
			stored = append(stored, got)
			names = append(names, fmt.Sprintf("%s@v%d", got.ID, got.Version))
		}
		return "seed " + strings.Join(names, " "), h.engine.Seed(stored...)

	case StepQueue:
		q := step.Queue
		detail := fmt.Sprintf("queue %s %s %s", q.Card, q.Priority, formatValue(map[string]any(q.Patch)))
		return detail, h.engine.QueueChange(q.Card, q.Patch, q.Priority)

	case StepAdvance:
		return "advance " + step.Advance.String(), h.advance(ctx, *step.Advance)

	case StepRemoteEdit:
		e := step.RemoteEdit
		actor := e.Actor
		if actor == "" {
			actor = DefaultRemoteActor
		}
		if _, err := h.store.UpdateFields(ctx, actor, e.Card, e.Patch); err != nil {
			return "", err
		}
		return fmt.Sprintf("remote_edit %s by %s %s", e.Card, actor, formatValue(map[string]any(e.Patch))), nil

	case StepFailNetwork:
		h.saver.FailNext(*step.FailNetwork)
		return fmt.Sprintf("fail_network %d", *step.FailNetwork), nil

	case StepForceSave:
		return "force_save", h.engine.ForceSave()

	case StepResolve:
		return "resolve " + formatResolutions(step.Resolve), h.engine.ResolveConflicts(step.Resolve)

	case StepExpectStatus:
		return "expect_status " + string(step.ExpectStatus.State), nil
	case StepExpectConflicts:
		return "expect_conflicts " + formatNames(*step.ExpectConflicts), nil
	case StepExpectRequests:
		return fmt.Sprintf("expect_requests %d", *step.ExpectRequests), nil
	case StepExpectCard:
		return "expect_card " + step.ExpectCard.Card, nil
	}
	return "", errors.New("step must hold exactly one action")
}

// check evaluates expect_* steps. Other steps pass trivially.
func (h *Harness) check(ctx context.Context, n int, step Step, result *Result) error {
	var err error
	switch {
	case step.ExpectStatus != nil:
		err = assertStatus(n, h.engine, *step.ExpectStatus)
	case step.ExpectConflicts != nil:
		err = assertConflicts(n, h.engine, *step.ExpectConflicts)
	case step.ExpectRequests != nil:
		err = assertRequests(n, h.saver.Count(), *step.ExpectRequests)
	case step.ExpectCard != nil:
		err = assertCard(ctx, n, h.store, *step.ExpectCard)
	}

	var ae *AssertionError
	if errors.As(err, &ae) {
		result.AddError(ae.Error())
		return nil
	}
	return err
}

// settle processes everything due at the current instant: posted calls,
// due timers, and the requests they trigger.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	for {
		if err := h.engine.Settle(ctx); err != nil {
			return fmt.Errorf("engine did not settle: %w", err)
		}
		if h.clock.Tick() == 0 {
			return nil
		}
	}
}

// advance moves the clock forward by d, stopping at every timer deadline on
// the way so retries and cooldowns fire as they would in real time.
func (h *Harness) advance(ctx context.Context, d time.Duration) error {
	target := h.clock.Now().Add(d)
	if err := h.settle(ctx); err != nil {
		return err
	}
	for {
		next, ok := h.clock.Next()
		if !ok || next.After(target) {
			break
		}
		h.clock.Advance(next.Sub(h.clock.Now()))
		if err := h.settle(ctx); err != nil {
			return err
		}
	}
	h.clock.Advance(target.Sub(h.clock.Now()))
	return nil
}

// collect appends the save calls and handler callbacks since the last step.
// Requests come first, ordered by request id, then callbacks in the order
// the engine made them.
func (h *Harness) collect(n int, result *Result) {
	calls := h.saver.Calls()

	h.mu.Lock()
	defer h.mu.Unlock()

	fresh := calls[h.callsSeen:]
	h.callsSeen = len(calls)
	slices.SortStableFunc(fresh, func(a, b testutil.Call) int {
		return strings.Compare(a.Request.RequestID, b.Request.RequestID)
	})

	for _, c := range fresh {
		line := fmt.Sprintf("%s +%s %s", c.Request.RequestID, c.At.Sub(h.start), formatItems(c.Request.Items))
		switch {
		case c.Failed:
			line += " -> network error"
		default:
			line += " -> " + h.takeExchange(c.Request.RequestID)
		}
		result.add(n, EventRequest, line)
	}

	for _, ev := range h.events {
		result.add(n, ev.Kind, ev.Detail)
	}
	h.events = nil
}

// takeExchange returns the answer to the oldest unreported call with the
// given request id. Called with mu held.
func (h *Harness) takeExchange(requestID string) string {
	for i := range h.exchanges {
		ex := &h.exchanges[i]
		if ex.used || ex.requestID != requestID {
			continue
		}
		ex.used = true
		if ex.err != nil {
			return "error: " + ex.err.Error()
		}
		return formatOutcomes(ex.resp.Outcomes)
	}
	return "no answer"
}

func formatItems(items []card.SaveItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		var b strings.Builder
		fmt.Fprintf(&b, "%s@v%d", it.EntityID, it.Base.Version)
		if len(it.Seen) > 0 {
			seen := make([]string, 0, len(it.Seen))
			for _, f := range slices.Sorted(maps.Keys(it.Seen)) {
				seen = append(seen, fmt.Sprintf("%s:%d", f, it.Seen[f]))
			}
			b.WriteString(" seen=" + strings.Join(seen, ","))
		}
		b.WriteString(" " + formatValue(map[string]any(it.Patch)))
		parts[i] = b.String()
	}
	return strings.Join(parts, ", ")
}

func formatOutcomes(outs []card.Outcome) string {
	parts := make([]string, len(outs))
	for i, o := range outs {
		if o.Kind == card.OutcomeRejected {
			parts[i] = fmt.Sprintf("%s rejected (%s)", o.EntityID, o.Reason)
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s v%d", o.EntityID, o.Kind, o.Version)
		for _, f := range slices.Sorted(maps.Keys(o.Remote)) {
			r := o.Remote[f]
			fmt.Fprintf(&b, " %s=%s", f, formatValue(r.Value))
			if r.UpdatedBy != "" {
				b.WriteString(" by " + r.UpdatedBy)
			}
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ", ")
}

func formatConflict(c card.ConflictInfo) string {
	s := fmt.Sprintf("%s.%s mine=%s theirs=%s", c.EntityID, c.Field, formatValue(c.YourValue), formatValue(c.TheirValue))
	if c.TheirUser != "" {
		s += " by " + c.TheirUser
	}
	return s
}

func formatResolutions(res map[string]card.Resolution) string {
	var parts []string
	for _, id := range slices.Sorted(maps.Keys(res)) {
		r := res[id]
		if r.Choice != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", id, r.Choice))
		}
		for _, f := range slices.Sorted(maps.Keys(r.Fields)) {
			parts = append(parts, fmt.Sprintf("%s.%s=%s", id, f, r.Fields[f]))
		}
	}
	return strings.Join(parts, " ")
}

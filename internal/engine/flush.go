package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/cardsync/internal/canon"
	"github.com/roach88/cardsync/internal/card"
)

// Saver is the persistence endpoint: it applies a batch of patches and
// reports a per-card outcome.
//
// An error means no usable response. Errors wrapped with backoff.Permanent
// are not retried; any other error is treated as a network failure and the
// same request is retried. Implementations must be idempotent per item key.
//
// ctx carries the request timeout. An attempt still running when it expires
// is abandoned and counts as a network failure.
type Saver interface {
	SaveCards(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error)
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error)

// SaveCards calls f.
func (f SaverFunc) SaveCards(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
	return f(ctx, req)
}

// flight is one request and its retries. Its records are immutable: they are
// retried or restored whole, never edited.
type flight struct {
	req     card.SaveRequest
	records map[string]*card.ChangeRecord

	backoff backoff.BackOff
	attempt int
	running bool
	retryAt time.Time
}

// itemKey derives the idempotency key of a record from its content: the
// same record always gets the same key, so a resend after a lost response
// is recognized by the server.
func itemKey(rec *card.ChangeRecord) (string, error) {
	return canon.Hash(canon.DomainSaveItem, map[string]any{
		"entity_id":       rec.EntityID,
		"base_version":    rec.Base.Version,
		"base_updated_at": rec.Base.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"seen":            rec.Seen,
		"patch":           map[string]any(rec.Patch),
	})
}

// wake handles a timer expiry: it restarts retries that are due and sends
// every queued card that is due, or due within the coalescing interval,
// as one request.
func (e *Engine) wake(gen uint64) {
	if gen == e.timerGen {
		e.timer = nil
		e.timerAt = time.Time{}
	}
	now := e.clock.Now()

	for _, f := range e.flightsInOrder() {
		if !f.running && !f.retryAt.IsZero() && !f.retryAt.After(now) {
			e.startAttempt(f)
		}
	}

	var batch []*entry
	for _, en := range e.sched.popDue(now.Add(e.policy.Coalesce)) {
		if _, busy := e.inflight[en.rec.EntityID]; busy {
			en.held = true
			e.logger.Debug("holding change until in-flight save resolves",
				"card", en.rec.EntityID,
			)
			continue
		}
		batch = append(batch, en)
	}
	if len(batch) > 0 {
		e.dispatch(batch)
	}
}

// dispatch takes the batch's records out of the mutation queue and sends
// them in one request.
func (e *Engine) dispatch(batch []*entry) {
	f := &flight{
		records: make(map[string]*card.ChangeRecord, len(batch)),
		backoff: e.policy.newBackOff(e.clock),
	}
	f.req.RequestID = e.ids.Generate()

	for _, en := range batch {
		id := en.rec.EntityID
		rec := e.mq.take(id)
		key, err := itemKey(rec)
		if err != nil {
			e.logger.Error("cannot derive item key",
				"card", id,
				"error", err,
			)
			key = f.req.RequestID + "/" + id
		}
		f.records[id] = rec
		f.req.Items = append(f.req.Items, card.SaveItem{
			EntityID: id,
			Key:      key,
			Base:     rec.Base,
			Seen:     rec.Seen,
			Patch:    rec.Patch,
		})
		e.inflight[id] = f
	}

	e.flights = append(e.flights, f)
	e.logger.Info("flushing changes",
		"request_id", f.req.RequestID,
		"cards", len(f.req.Items),
	)
	e.startAttempt(f)
}

// startAttempt sends the flight's request on its own goroutine. The result
// comes back to the loop as an event.
func (e *Engine) startAttempt(f *flight) {
	f.attempt++
	f.running = true
	f.retryAt = time.Time{}
	e.running++
	e.observer.BatchStarted(len(f.req.Items), f.attempt)

	ctx, saver, timeout, req := e.runCtx, e.saver, e.policy.RequestTimeout, f.req
	go func() {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		resp, err := callSaver(actx, saver, req)
		if err == nil && resp == nil {
			err = errors.New("empty response")
		}
		e.queue.Enqueue(event{typ: eventResult, result: &attemptResult{
			flight:   f,
			resp:     resp,
			err:      err,
			duration: time.Since(started),
		}})
	}()
}

type saveReply struct {
	resp *card.SaveResponse
	err  error
}

// callSaver returns once the saver answers or ctx ends, whichever comes
// first. A saver that ignores ctx is abandoned; its late answer is dropped.
func callSaver(ctx context.Context, saver Saver, req card.SaveRequest) (*card.SaveResponse, error) {
	done := make(chan saveReply, 1)
	go func() {
		resp, err := saver.SaveCards(ctx, req)
		done <- saveReply{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
	}
	select {
	case r := <-done:
		return r.resp, r.err
	default:
		return nil, fmt.Errorf("request abandoned: %w", ctx.Err())
	}
}

// handleResult processes the end of one attempt.
func (e *Engine) handleResult(r *attemptResult) {
	f := r.flight
	f.running = false
	e.running--

	if r.err != nil {
		e.handleFailure(f, r.err, r.duration)
		return
	}

	e.observer.BatchFinished(BatchOK, r.duration)
	if r.resp.RequestID != "" && r.resp.RequestID != f.req.RequestID {
		e.logger.Warn("response request id mismatch",
			"request_id", f.req.RequestID,
			"response_id", r.resp.RequestID,
		)
	}
	e.land(f)
	e.applyResponse(f, r.resp)
}

// handleFailure schedules a retry, or gives up when the error is permanent
// or the attempts are spent.
func (e *Engine) handleFailure(f *flight, err error, elapsed time.Duration) {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		e.observer.BatchFinished(BatchPermanent, elapsed)
		e.giveUp(f, perm.Err)
		return
	}

	err = newNetworkError(err)
	next := f.backoff.NextBackOff()
	if next == backoff.Stop {
		e.observer.BatchFinished(BatchExhausted, elapsed)
		e.giveUp(f, newExhaustedError(f.attempt, err))
		return
	}

	e.observer.BatchFinished(BatchRetry, elapsed)
	f.retryAt = e.clock.Now().Add(next)
	e.logger.Warn("save attempt failed, retrying",
		"request_id", f.req.RequestID,
		"attempt", f.attempt,
		"retry_in", next,
		"error", err,
	)
}

// giveUp restores the flight's records to the mutation queue as dormant
// entries so ForceSave can resend them unchanged.
func (e *Engine) giveUp(f *flight, err error) {
	e.land(f)
	reason := err.Error()
	for _, item := range f.req.Items {
		rec := f.records[item.EntityID]
		en, prev := e.mq.underlay(rec)
		if prev == 0 {
			en.reason = reason
		} else {
			en.rec.Base = rec.Base
		}
		e.release(item.EntityID)
	}

	e.logger.Error("save failed, changes kept for manual retry",
		"request_id", f.req.RequestID,
		"attempts", f.attempt,
		"cards", len(f.req.Items),
		"network", IsNetworkError(err),
		"error", err,
	)
	e.handlers.emitError(reason)
}

// land removes a finished flight from the in-flight bookkeeping.
func (e *Engine) land(f *flight) {
	for i, other := range e.flights {
		if other == f {
			e.flights = append(e.flights[:i], e.flights[i+1:]...)
			break
		}
	}
	for id := range f.records {
		if e.inflight[id] == f {
			delete(e.inflight, id)
		}
	}
}

// release puts a held entry back on the schedule. Its deadline has usually
// passed, so it goes out on the next wake.
func (e *Engine) release(id string) {
	en, ok := e.mq.get(id)
	if !ok || !en.held {
		return
	}
	en.held = false
	if en.armed {
		e.sched.arm(en, en.deadline)
	}
}

// applyResponse interprets each card's outcome. Outcomes are independent:
// an applied card stays applied whatever happened to the others.
func (e *Engine) applyResponse(f *flight, resp *card.SaveResponse) {
	now := e.clock.Now()
	var applied, conflicted, failed int
	var raised []card.ConflictInfo

	for _, item := range f.req.Items {
		id := item.EntityID
		rec := f.records[id]
		out, ok := resp.Outcome(id)
		if !ok {
			failed++
			e.restoreDormant(rec, "no outcome in response")
			e.release(id)
			continue
		}
		e.observer.OutcomeReceived(out.Kind)

		switch out.Kind {
		case card.OutcomeApplied:
			applied++
			e.learn(id, out.Base())
			e.rebase(rec, out)

		case card.OutcomeConflict:
			e.learn(id, out.Base())
			e.rebase(rec, out)
			d := detect(rec, out)
			for _, c := range d.conflicts {
				if en, ok := e.mq.get(id); ok {
					if _, superseded := en.rec.Patch[c.Field]; superseded {
						continue
					}
				}
				e.conflicts.add(c)
				raised = append(raised, c)
			}
			if len(d.resend) > 0 {
				e.resend(rec, out, d.resend, now)
			}
			if len(d.conflicts) > 0 {
				conflicted++
			} else {
				applied++
			}

		case card.OutcomeRejected:
			failed++
			msg := newRejectedError(id, out.Reason).Error()
			e.errReason = msg
			e.errorUntil = now.Add(e.policy.ErrorCooldown)
			e.logger.Warn("change rejected",
				"card", id,
				"reason", out.Reason,
			)
			e.handlers.emitError(msg)

		default:
			failed++
			e.restoreDormant(rec, fmt.Sprintf("unknown outcome %q", out.Kind))
		}
		e.release(id)
	}

	e.logger.Info("save completed",
		"request_id", f.req.RequestID,
		"applied", applied,
		"conflicts", len(raised),
		"failed", failed,
	)

	if len(raised) > 0 {
		e.observer.ConflictsRaised(len(raised))
		e.handlers.emitConflict(e.conflicts.list())
	}
	if conflicted == 0 && failed == 0 && applied > 0 {
		e.savedUntil = now.Add(e.policy.SavedCooldown)
		e.handlers.emitSuccess()
	}
}

// learn records the authoritative state of a card.
func (e *Engine) learn(id string, b card.Base) {
	if b.IsZero() {
		return
	}
	if cur, ok := e.known[id]; !ok || !cur.After(b) {
		e.known[id] = b
	}
}

// rebase marks the versions the just-resolved request observed on the
// card's queued entry, so edits made while it was in flight are compared
// against the just-applied state rather than their original base.
func (e *Engine) rebase(sent *card.ChangeRecord, out card.Outcome) {
	en, ok := e.mq.get(sent.EntityID)
	if !ok {
		return
	}
	for field := range sent.Patch {
		if _, queued := en.rec.Patch[field]; !queued {
			continue
		}
		if remote, contended := out.Remote[field]; contended {
			en.rec.See(field, remote.Version)
			continue
		}
		en.rec.See(field, out.Version)
	}
}

// resend queues fields the server held back without real contention.
func (e *Engine) resend(sent *card.ChangeRecord, out card.Outcome, patch card.Patch, now time.Time) {
	rec := &card.ChangeRecord{
		EntityID:   sent.EntityID,
		Patch:      patch,
		Priority:   card.PriorityCritical,
		Base:       out.Base(),
		EnqueuedAt: now,
	}
	for field := range patch {
		rec.See(field, out.Remote[field].Version)
	}
	en, prev := e.mq.underlay(rec)
	e.sched.arm(en, deadlineFor(e.policy, now, en, prev, card.PriorityCritical))
}

// restoreDormant puts a record back without scheduling it.
func (e *Engine) restoreDormant(rec *card.ChangeRecord, reason string) {
	en, prev := e.mq.underlay(rec)
	if prev == 0 {
		en.reason = reason
	}
	e.logger.Warn("change kept for manual retry",
		"card", rec.EntityID,
		"reason", reason,
	)
}

func (e *Engine) flightsInOrder() []*flight {
	return append([]*flight(nil), e.flights...)
}

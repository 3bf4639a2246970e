package engine

import (
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// deriveStatus computes the sync status from the loop state. Precedence:
// conflict, saving, error, pending, saved, idle.
func (e *Engine) deriveStatus(now time.Time) card.Status {
	if e.conflicts.len() > 0 {
		return card.Status{State: card.StateConflict}
	}
	if len(e.flights) > 0 {
		return card.Status{State: card.StateSaving}
	}
	waiting, dormant := e.mq.counts()
	if dormant > 0 {
		return card.Status{State: card.StateError, Reason: e.mq.dormantReason()}
	}
	if now.Before(e.errorUntil) {
		return card.Status{State: card.StateError, Reason: e.errReason}
	}
	if waiting > 0 {
		return card.Status{State: card.StatePending}
	}
	if now.Before(e.savedUntil) {
		return card.Status{State: card.StateSaved}
	}
	return card.Status{State: card.StateIdle}
}

// publish refreshes the snapshot read by Status and Conflicts, and reports
// a status change to the handlers and observer.
func (e *Engine) publish() {
	status := e.deriveStatus(e.clock.Now())
	conflicts := e.conflicts.list()

	e.mu.Lock()
	changed := status != e.status
	e.status = status
	e.conflictSnapshot = conflicts
	e.mu.Unlock()

	if changed {
		e.logger.Debug("sync status changed",
			"state", status.State,
			"reason", status.Reason,
		)
		e.observer.StatusChanged(status)
		e.handlers.emitStatus(status)
	}
}

// Status returns the current sync status.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Status() card.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Conflicts returns the unresolved conflicts ordered by card, then field.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Conflicts() []card.ConflictInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]card.ConflictInfo(nil), e.conflictSnapshot...)
}

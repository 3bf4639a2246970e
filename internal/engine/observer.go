package engine

import (
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// Handlers are the UI-facing lifecycle callbacks.
//
// All handlers are called from the Run loop goroutine and must not block.
// Nil handlers are skipped.
type Handlers struct {
	// OnConflict receives every unresolved conflict whenever new ones appear.
	OnConflict func(conflicts []card.ConflictInfo)
	// OnError receives a human-readable message for exhausted retries and
	// rejected patches.
	OnError func(message string)
	// OnSuccess fires when a request's items were all applied.
	OnSuccess func()
	// OnRefresh asks the UI to refetch a card from the authoritative store
	// after its local change was discarded in favor of the remote one.
	OnRefresh func(entityID string)
	// OnStatus fires on every status change.
	OnStatus func(status card.Status)
}

func (h Handlers) emitConflict(cs []card.ConflictInfo) {
	if h.OnConflict != nil {
		h.OnConflict(cs)
	}
}

func (h Handlers) emitError(msg string) {
	if h.OnError != nil {
		h.OnError(msg)
	}
}

func (h Handlers) emitSuccess() {
	if h.OnSuccess != nil {
		h.OnSuccess()
	}
}

func (h Handlers) emitRefresh(id string) {
	if h.OnRefresh != nil {
		h.OnRefresh(id)
	}
}

func (h Handlers) emitStatus(s card.Status) {
	if h.OnStatus != nil {
		h.OnStatus(s)
	}
}

// Combine returns handlers that call each of hs in order.
func Combine(hs ...Handlers) Handlers {
	return Handlers{
		OnConflict: func(cs []card.ConflictInfo) {
			for _, h := range hs {
				h.emitConflict(cs)
			}
		},
		OnError: func(msg string) {
			for _, h := range hs {
				h.emitError(msg)
			}
		},
		OnSuccess: func() {
			for _, h := range hs {
				h.emitSuccess()
			}
		},
		OnRefresh: func(id string) {
			for _, h := range hs {
				h.emitRefresh(id)
			}
		},
		OnStatus: func(s card.Status) {
			for _, h := range hs {
				h.emitStatus(s)
			}
		},
	}
}

// BatchResult classifies how a save attempt ended.
type BatchResult string

const (
	BatchOK        BatchResult = "ok"
	BatchRetry     BatchResult = "retry"
	BatchExhausted BatchResult = "exhausted"
	BatchPermanent BatchResult = "permanent"
)

// Observer receives engine measurements. Calls come from the Run loop
// goroutine.
type Observer interface {
	BatchStarted(items, attempt int)
	BatchFinished(result BatchResult, elapsed time.Duration)
	OutcomeReceived(kind card.OutcomeKind)
	ConflictsRaised(n int)
	StatusChanged(status card.Status)
}

type nopObserver struct{}

func (nopObserver) BatchStarted(int, int) {}
func (nopObserver) BatchFinished(BatchResult, time.Duration) {}
func (nopObserver) OutcomeReceived(card.OutcomeKind) {}
func (nopObserver) ConflictsRaised(int) {}
func (nopObserver) StatusChanged(card.Status) {}

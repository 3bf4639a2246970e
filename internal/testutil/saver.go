package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// ErrNetwork is the failure ScriptedSaver injects.
var ErrNetwork = errors.New("simulated network failure")

// Responder produces the server's answer to one request.
type Responder func(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error)

// Call is one request received by a ScriptedSaver.
type Call struct {
	At      time.Time
	Request card.SaveRequest
	Failed  bool
}

// ScriptedSaver is a save endpoint for tests. It records every request,
// can fail the next N calls with ErrNetwork, and can hold calls until the
// test releases them.
//
// It implements engine.Saver.
type ScriptedSaver struct {
	mu       sync.Mutex
	now      func() time.Time
	respond  Responder
	failures int
	calls    []Call
	gate     chan struct{}
}

// NewScriptedSaver returns a saver that answers with respond. A nil respond
// applies every item (see ApplyAll). now stamps recorded calls.
func NewScriptedSaver(now func() time.Time, respond Responder) *ScriptedSaver {
	if respond == nil {
		respond = ApplyAll()
	}
	if now == nil {
		now = time.Now
	}
	return &ScriptedSaver{now: now, respond: respond}
}

// SaveCards implements engine.Saver.
func (s *ScriptedSaver) SaveCards(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.calls = append(s.calls, Call{At: s.now(), Request: req, Failed: fail})
	gate := s.gate
	respond := s.respond
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, ErrNetwork
	}
	return respond(ctx, req)
}

// FailNext makes the next n calls fail with ErrNetwork.
func (s *ScriptedSaver) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// SetResponder replaces the responder for later calls.
func (s *ScriptedSaver) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = r
}

// Hold makes later calls block until the returned release func is called.
func (s *ScriptedSaver) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns every recorded call.
func (s *ScriptedSaver) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns the number of calls received.
func (s *ScriptedSaver) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Last returns the most recent request.
func (s *ScriptedSaver) Last() (card.SaveRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return card.SaveRequest{}, false
	}
	return s.calls[len(s.calls)-1].Request, true
}

// ApplyAll answers every item with applied, bumping a per-card version
// that starts at 1 for unknown cards. Resent keys get the recorded outcome.
func ApplyAll() Responder {
	var mu sync.Mutex
	versions := make(map[string]int64)
	seen := make(map[string]card.Outcome)
	return func(_ context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		resp := &card.SaveResponse{RequestID: req.RequestID}
		for _, item := range req.Items {
			if out, ok := seen[item.Key]; ok {
				resp.Outcomes = append(resp.Outcomes, out)
				continue
			}
			v := max(versions[item.EntityID], item.Base.Version) + 1
			versions[item.EntityID] = v
			out := card.Outcome{EntityID: item.EntityID, Key: item.Key, Kind: card.OutcomeApplied, Version: v}
			seen[item.Key] = out
			resp.Outcomes = append(resp.Outcomes, out)
		}
		return resp, nil
	}
}

// Respond answers every request with a fixed set of outcomes, matched to
// the request's items by card id. Items without a scripted outcome are
// applied at version 1.
func Respond(outcomes ...card.Outcome) Responder {
	return func(_ context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
		resp := &card.SaveResponse{RequestID: req.RequestID}
		for _, item := range req.Items {
			out := card.Outcome{EntityID: item.EntityID, Kind: card.OutcomeApplied, Version: 1}
			for _, o := range outcomes {
				if o.EntityID == item.EntityID {
					out = o
				}
			}
			out.Key = item.Key
			resp.Outcomes = append(resp.Outcomes, out)
		}
		return resp, nil
	}
}

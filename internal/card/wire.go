package card

import "time"

// SaveItem is one card's patch inside a save request.
//
// Key identifies the item for idempotency: resending an item with a key the
// server has already applied returns the recorded outcome without writing.
type SaveItem struct {
	EntityID string           `json:"entity_id"`
	Key      string           `json:"key"`
	Base     Base             `json:"base"`
	Seen     map[string]int64 `json:"seen,omitempty"`
	Patch    Patch            `json:"patch"`
}

// SaveRequest is a batch of items sent in one call to the save endpoint.
type SaveRequest struct {
	RequestID string     `json:"request_id"`
	Items     []SaveItem `json:"items"`
}

// OutcomeKind classifies the server's handling of one item.
type OutcomeKind string

const (
	OutcomeApplied  OutcomeKind = "applied"
	OutcomeConflict OutcomeKind = "conflict"
	OutcomeRejected OutcomeKind = "rejected"
)

// RemoteField is the authoritative state of one field on the server.
type RemoteField struct {
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Outcome is the server's verdict for one item.
//
// Version and UpdatedAt are the card's authoritative state after the item was
// processed. For conflicts, Remote lists the fields the server did not write
// because they were changed remotely after the item's base.
type Outcome struct {
	EntityID  string                 `json:"entity_id"`
	Key       string                 `json:"key,omitempty"`
	Kind      OutcomeKind            `json:"kind"`
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
	Reason    string                 `json:"reason,omitempty"`
	Remote    map[string]RemoteField `json:"remote,omitempty"`
}

// Base returns the authoritative state reported by the outcome.
func (o Outcome) Base() Base {
	return Base{Version: o.Version, UpdatedAt: o.UpdatedAt}
}

// SaveResponse carries one outcome per request item.
type SaveResponse struct {
	RequestID string    `json:"request_id"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Outcome returns the outcome for entityID, if present.
func (r *SaveResponse) Outcome(entityID string) (Outcome, bool) {
	if r == nil {
		return Outcome{}, false
	}
	for _, o := range r.Outcomes {
		if o.EntityID == entityID {
			return o, true
		}
	}
	return Outcome{}, false
}

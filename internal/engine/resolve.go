package engine

import (
	"slices"

	"github.com/roach88/cardsync/internal/card"
)

// resolve applies the user's choices card by card.
//
// Fields resolved "mine" are queued again as one critical change based on
// the latest known remote state, so the retry cannot re-conflict on the old
// base. Newer local edits to those fields win over the conflicted values.
// Fields resolved "theirs" are dropped and the UI is asked to refetch the
// card. Fields the resolution leaves open stay in conflict.
func (e *Engine) resolve(resolutions map[string]card.Resolution) {
	now := e.clock.Now()
	ids := make([]string, 0, len(resolutions))
	for id := range resolutions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		res := resolutions[id]
		conflicts := e.conflicts.forEntity(id)
		if len(conflicts) == 0 {
			e.logger.Debug("no conflicts to resolve", "card", id)
			continue
		}

		mine := card.Patch{}
		theirs := 0
		for _, c := range conflicts {
			choice, ok := res.For(c.Field)
			if !ok {
				continue
			}
			e.conflicts.remove(id, c.Field)
			if choice == card.ChoiceMine {
				mine[c.Field] = c.YourValue
			} else {
				theirs++
			}
		}

		if len(mine) > 0 {
			base := e.known[id]
			rec := &card.ChangeRecord{
				EntityID:   id,
				Patch:      mine,
				Priority:   card.PriorityCritical,
				Base:       base,
				EnqueuedAt: now,
			}
			for field := range mine {
				rec.See(field, base.Version)
			}
			en, prev := e.mq.underlay(rec)
			e.sched.arm(en, deadlineFor(e.policy, now, en, prev, card.PriorityCritical))
		}

		e.logger.Info("conflicts resolved",
			"card", id,
			"mine", len(mine),
			"theirs", theirs,
		)
		if theirs > 0 {
			e.handlers.emitRefresh(id)
		}
	}
}

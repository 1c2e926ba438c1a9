package turn

import (
	"sort"

	"github.com/harunnryd/parla/pkg/events"
)

// Transcript is the ordered list of finalized turns.
type Transcript struct {
	turns []Turn
}

// Append adds turns and restores ordering by number. The sort is stable, so
// equal numbers keep finalization order.
func (t *Transcript) Append(turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	t.turns = append(t.turns, turns...)
	sort.SliceStable(t.turns, func(i, j int) bool {
		return t.turns[i].Number < t.turns[j].Number
	})
}

// Merge adds the turns reported by the relay after a resume whose numbers
// are not already present. Finalized turns are never replaced. It returns
// the turns that were added.
func (t *Transcript) Merge(turns []Turn) []Turn {
	have := make(map[int]struct{}, len(t.turns))
	for _, existing := range t.turns {
		have[existing.Number] = struct{}{}
	}
	var added []Turn
	for _, in := range turns {
		if _, ok := have[in.Number]; ok || in.Number <= 0 {
			continue
		}
		have[in.Number] = struct{}{}
		added = append(added, in)
	}
	t.Append(added...)
	return added
}

// Turns returns a copy in conversational order.
func (t *Transcript) Turns() []Turn {
	return append([]Turn(nil), t.turns...)
}

// Len returns the number of finalized turns.
func (t *Transcript) Len() int { return len(t.turns) }

// LastNumber returns the highest turn number, or 0 when empty.
func (t *Transcript) LastNumber() int {
	if len(t.turns) == 0 {
		return 0
	}
	return t.turns[len(t.turns)-1].Number
}

// Records returns the transcript in wire form.
func (t *Transcript) Records() []events.TurnRecord {
	out := make([]events.TurnRecord, len(t.turns))
	for i, turn := range t.turns {
		out[i] = turn.Record()
	}
	return out
}

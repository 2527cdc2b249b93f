package cluster

import (
	"github.com/ferrydb/ferry/internal/models"
)

// Elector picks a leader from the electable membership snapshot. The
// scheme is priority-based rather than consensus-based: two nodes running
// elections concurrently may briefly disagree, and converge on the next
// run because the choice is deterministic for a given snapshot.
type Elector interface {
	Elect(candidates []*models.Node) *models.Node
}

// PriorityElector chooses the candidate with the highest election
// priority. Ties break toward the lexicographically smallest node id so
// repeated elections over the same membership always return the same
// winner.
type PriorityElector struct{}

// Elect returns the winning candidate, or nil when the slice is empty.
func (PriorityElector) Elect(candidates []*models.Node) *models.Node {
	var best *models.Node
	for _, n := range candidates {
		if best == nil {
			best = n
			continue
		}
		if n.Capabilities.Priority > best.Capabilities.Priority {
			best = n
			continue
		}
		if n.Capabilities.Priority == best.Capabilities.Priority && n.ID < best.ID {
			best = n
		}
	}
	return best
}

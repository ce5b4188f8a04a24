package pbft

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// Roster is the ordered replica table for a configuration epoch. Primary
// selection is round-robin over the order given at construction.
type Roster struct {
	mu sync.RWMutex

	nodes []types.Node
	index map[string]int
	f     int

	suspected map[string]suspicion
}

// suspicion is a faulty flag. A zero ttl decays with the caller's decay.
type suspicion struct {
	at  time.Time
	ttl time.Duration
}

func (s suspicion) live(now time.Time, decay time.Duration) bool {
	age := now.Sub(s.at)
	if s.ttl > 0 && age >= s.ttl {
		return false
	}
	return decay <= 0 || age < decay
}

// NewRoster validates the node table against the fault tolerance f.
// Passing f == 0 derives f from the roster size.
func NewRoster(nodes []types.Node, f int) (*Roster, error) {
	r := &Roster{
		nodes:     make([]types.Node, len(nodes)),
		index:     make(map[string]int, len(nodes)),
		f:         f,
		suspected: make(map[string]suspicion),
	}
	copy(r.nodes, nodes)
	for i := range r.nodes {
		r.nodes[i].IsPrimary = false
		r.nodes[i].FaultySuspected = false
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	for i, n := range r.nodes {
		r.index[n.ID] = i
	}
	if r.f == 0 {
		r.f = FaultTolerance(len(r.nodes))
	}
	return r, nil
}

// Validate checks ids and the N >= 3f+1 bound.
func (r *Roster) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.f < 0 {
		return &ConfigurationError{Field: "f", Reason: "must not be negative"}
	}
	if len(r.nodes) == 0 {
		return &ConfigurationError{Field: "roster", Reason: "is empty"}
	}
	seen := make(map[string]struct{}, len(r.nodes))
	for _, n := range r.nodes {
		if n.ID == "" {
			return &ConfigurationError{Field: "roster", Reason: "node with empty id"}
		}
		if _, dup := seen[n.ID]; dup {
			return &ConfigurationError{Field: "roster", Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = struct{}{}
	}
	if need := 3*r.f + 1; len(r.nodes) < need {
		return &ConfigurationError{
			Field:  "roster",
			Reason: fmt.Sprintf("%d nodes cannot tolerate f=%d, need at least %d", len(r.nodes), r.f, need),
		}
	}
	return nil
}

// Size returns N.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// F returns the configured fault tolerance.
func (r *Roster) F() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f
}

// Ready reports whether the roster still satisfies N >= 3f+1.
func (r *Roster) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes) > 0 && len(r.nodes) >= 3*r.f+1
}

// Contains reports whether id is a roster member.
func (r *Roster) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// Node returns the member with the given id.
func (r *Roster) Node(id string) (types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return types.Node{}, false
	}
	return r.nodes[i], true
}

// PrimaryFor returns the primary of view.
func (r *Roster) PrimaryFor(view uint64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 {
		return ""
	}
	return r.nodes[view%uint64(len(r.nodes))].ID
}

// Nodes returns the ordered roster as seen in view, with roles filled in.
func (r *Roster) Nodes(view uint64, decay time.Duration) []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Node, len(r.nodes))
	copy(out, r.nodes)
	if len(out) == 0 {
		return out
	}
	primary := view % uint64(len(out))
	now := time.Now()
	for i := range out {
		out[i].IsPrimary = uint64(i) == primary
		if s, ok := r.suspected[out[i].ID]; ok {
			out[i].FaultySuspected = s.live(now, decay)
		}
	}
	return out
}

// MarkSuspected flags id as faulty-suspected. Unknown ids are ignored.
func (r *Roster) MarkSuspected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; !ok {
		return false
	}
	_, already := r.suspected[id]
	r.suspected[id] = suspicion{at: time.Now()}
	return !already
}

// MarkSuspectedFor flags id for at most ttl. It never shortens a flag set
// by MarkSuspected that is still live.
func (r *Roster) MarkSuspectedFor(id string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; !ok {
		return false
	}
	now := time.Now()
	cur, already := r.suspected[id]
	if already && cur.ttl == 0 {
		return false
	}
	r.suspected[id] = suspicion{at: now, ttl: ttl}
	return !already || !cur.live(now, 0)
}

// ClearSuspected removes the flag. It returns false for unknown ids.
func (r *Roster) ClearSuspected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; !ok {
		return false
	}
	delete(r.suspected, id)
	return true
}

// Suspected returns the flagged ids whose flag has not decayed, sorted.
// Decayed flags are dropped.
func (r *Roster) Suspected(decay time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(r.suspected))
	for id, s := range r.suspected {
		if !s.live(now, decay) {
			delete(r.suspected, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove isolates a member. The roster may stop being Ready as a result.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[id]
	if !ok {
		return false
	}
	r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
	delete(r.suspected, id)
	r.index = make(map[string]int, len(r.nodes))
	for j, n := range r.nodes {
		r.index[n.ID] = j
	}
	return true
}

// Snapshot returns a copy of the ordered node table for persistence.
func (r *Roster) Snapshot() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// IDs returns the member ids in roster order.
func (r *Roster) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		ids[i] = n.ID
	}
	return ids
}

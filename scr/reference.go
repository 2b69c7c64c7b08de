package scr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/dynsvc/filter"
	"github.com/c360/dynsvc/listener"
	"github.com/c360/dynsvc/registry"
)

// ReferenceManager tracks the set of registry references currently
// available for one ReferenceMetadata, keeping them ordered by the same
// ranking rule as registry.GetAll and reporting satisfaction changes to its
// owning ComponentConfiguration through onChange.
type ReferenceManager struct {
	metadata ReferenceMetadata
	reg      *registry.Registry
	expr     *filter.Expr
	token    int64
	onChange func()

	mu   sync.RWMutex
	refs []*registry.Reference // bound-candidate set, ranked
}

// NewReferenceManager builds a manager for metadata, seeding its initial
// candidate set from the registry and subscribing to future changes
// through set. onChange is invoked (from the listener's delivery goroutine)
// whenever the candidate set changes in a way that could flip satisfaction.
func NewReferenceManager(reg *registry.Registry, set *listener.Set, metadata ReferenceMetadata, onChange func()) (*ReferenceManager, error) {
	var expr *filter.Expr
	if metadata.Target != "" {
		parsed, err := filter.Parse(metadata.Target)
		if err != nil {
			return nil, fmt.Errorf("scr: reference %q: %w", metadata.Name, err)
		}
		expr = parsed
	}

	rm := &ReferenceManager{
		metadata: metadata,
		reg:      reg,
		expr:     expr,
		onChange: onChange,
	}
	rm.refs = reg.GetAll(metadata.Interface, expr)

	if set != nil {
		rm.token = set.AddListener(metadata.Interface, expr, rm.handleEvent)
	}
	return rm, nil
}

// Close unsubscribes the manager from further registry events.
func (rm *ReferenceManager) Close(set *listener.Set) {
	if set != nil {
		set.RemoveListener(rm.token)
	}
}

func (rm *ReferenceManager) handleEvent(event registry.EventType, ref *registry.Reference) {
	changed := false
	rm.mu.Lock()
	switch event {
	case registry.EventRegistered:
		rm.refs = insertRanked(rm.refs, ref)
		changed = true
	case registry.EventModified:
		// Ranking may have changed; re-sort in place.
		sortRanked(rm.refs)
		changed = true
	case registry.EventModifiedEndmatch, registry.EventUnregistering:
		rm.refs = removeRef(rm.refs, ref.ServiceID())
		changed = true
	}
	rm.mu.Unlock()

	if changed && rm.onChange != nil {
		rm.onChange()
	}
}

func insertRanked(refs []*registry.Reference, ref *registry.Reference) []*registry.Reference {
	out := append(refs, ref)
	sortRanked(out)
	return out
}

func sortRanked(refs []*registry.Reference) {
	sort.SliceStable(refs, func(i, j int) bool {
		pi, pj := refs[i].Properties(), refs[j].Properties()
		ri, rj := pi.Ranking(), pj.Ranking()
		if ri != rj {
			return ri > rj
		}
		return refs[i].ServiceID() < refs[j].ServiceID()
	})
}

func removeRef(refs []*registry.Reference, id int64) []*registry.Reference {
	out := refs[:0:0]
	for _, r := range refs {
		if r.ServiceID() != id {
			out = append(out, r)
		}
	}
	return out
}

// Satisfied reports whether the current candidate count meets the
// reference's cardinality requirement.
func (rm *ReferenceManager) Satisfied() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metadata.Cardinality.satisfiedBy(len(rm.refs))
}

// Candidates returns a snapshot of the ranked candidate references.
func (rm *ReferenceManager) Candidates() []*registry.Reference {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return append([]*registry.Reference(nil), rm.refs...)
}

// Bound resolves the references a component should be handed right now: for
// single-cardinality references, the single best-ranked candidate (or nil);
// for multiple-cardinality references, every candidate in ranked order.
func (rm *ReferenceManager) Bound() []*registry.Reference {
	candidates := rm.Candidates()
	if rm.metadata.Cardinality.Multiple() {
		return candidates
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[:1]
}

// desiredBind computes which candidates a reference should currently be
// bound to, given its binding policy/option and what is bound right now.
// It is a free function rather than a ReferenceManager method so the
// policy selection itself can be exercised without a live registry.
//
// Static references and dynamic-greedy references always track the
// top-ranked candidate (for static, a change here is the caller's signal
// to restart the component rather than rebind live). Dynamic-reluctant
// references keep their current binding as long as it is still a live
// candidate, and only fall through to the top-ranked candidate once it
// disappears.
func desiredBind(meta ReferenceMetadata, candidates, current []*registry.Reference) []*registry.Reference {
	if meta.Cardinality.Multiple() {
		return candidates
	}
	if len(candidates) == 0 {
		return nil
	}
	if meta.policy() == PolicyDynamic && meta.policyOption() == PolicyOptionReluctant && len(current) > 0 {
		for _, c := range candidates {
			if c.ServiceID() == current[0].ServiceID() {
				return current[:1]
			}
		}
	}
	return candidates[:1]
}

// diffRefs reports which references are present in to but not from (added)
// and present in from but not to (removed), compared by service id.
func diffRefs(from, to []*registry.Reference) (added, removed []*registry.Reference) {
	toIDs := make(map[int64]bool, len(to))
	for _, r := range to {
		toIDs[r.ServiceID()] = true
	}
	fromIDs := make(map[int64]bool, len(from))
	for _, r := range from {
		fromIDs[r.ServiceID()] = true
	}
	for _, r := range to {
		if !fromIDs[r.ServiceID()] {
			added = append(added, r)
		}
	}
	for _, r := range from {
		if !toIDs[r.ServiceID()] {
			removed = append(removed, r)
		}
	}
	return added, removed
}

// Contains reports whether id is currently one of the candidate references.
func (rm *ReferenceManager) Contains(id int64) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, r := range rm.refs {
		if r.ServiceID() == id {
			return true
		}
	}
	return false
}

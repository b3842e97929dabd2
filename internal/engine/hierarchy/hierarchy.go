// Package hierarchy derives orchestrator state from child SDs.
package hierarchy

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"leoline/internal/domain"
)

// Rollup summarizes the direct children of one orchestrator.
type Rollup struct {
	Progress     int                         `json:"progress"`
	Counted      int                         `json:"counted"`
	Cancelled    int                         `json:"cancelled"`
	AllCompleted bool                        `json:"all_completed"`
	Incomplete   []domain.StrategicDirective `json:"-"`
}

// HasChildren reports whether any child counts toward the parent.
func (r Rollup) HasChildren() bool { return r.Counted > 0 }

// Roll averages non-cancelled children equally. The mean is floored so a
// rounding artifact never reports a parent ahead of its children.
func Roll(children []domain.StrategicDirective) Rollup {
	var r Rollup
	values := stats.Float64Data{}
	r.AllCompleted = true
	for _, c := range children {
		if c.Status == domain.StatusCancelled {
			r.Cancelled++
			continue
		}
		values = append(values, float64(c.Progress))
		if c.Status != domain.StatusCompleted {
			r.AllCompleted = false
			r.Incomplete = append(r.Incomplete, c)
		}
	}
	r.Counted = len(values)
	if r.Counted == 0 {
		r.AllCompleted = false
		return r
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return r
	}
	r.Progress = int(math.Floor(mean + 1e-9))
	return r
}

// Index is an id-keyed arena over a set of SDs. Nodes refer to parents by id only.
type Index struct {
	byID     map[string]domain.StrategicDirective
	children map[string][]string
}

func NewIndex(sds []domain.StrategicDirective) Index {
	idx := Index{byID: map[string]domain.StrategicDirective{}, children: map[string][]string{}}
	for _, sd := range sds {
		idx.byID[sd.ID] = sd
	}
	for _, sd := range sds {
		if sd.ParentID != nil {
			idx.children[*sd.ParentID] = append(idx.children[*sd.ParentID], sd.ID)
		}
	}
	for _, ids := range idx.children {
		sort.Strings(ids)
	}
	return idx
}

func (idx Index) Get(id string) (domain.StrategicDirective, bool) {
	sd, ok := idx.byID[id]
	return sd, ok
}

// Roots returns SDs without a parent, sorted by id.
func (idx Index) Roots() []domain.StrategicDirective {
	var out []domain.StrategicDirective
	for _, sd := range idx.byID {
		if sd.ParentID == nil {
			out = append(out, sd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ancestors walks strictly upward from id, nearest first.
func (idx Index) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	cur, ok := idx.byID[id]
	for ok && cur.ParentID != nil {
		pid := *cur.ParentID
		if seen[pid] {
			break
		}
		seen[pid] = true
		out = append(out, pid)
		cur, ok = idx.byID[pid]
	}
	return out
}

// WouldCycle reports whether making parentID the parent of childID closes a loop.
func (idx Index) WouldCycle(childID, parentID string) bool {
	if childID == parentID {
		return true
	}
	for _, a := range idx.Ancestors(parentID) {
		if a == childID {
			return true
		}
	}
	return false
}

// Tree renders the subtree rooted at rootID.
func (idx Index) Tree(rootID string) (domain.HierarchyNode, bool) {
	sd, ok := idx.byID[rootID]
	if !ok {
		return domain.HierarchyNode{}, false
	}
	return idx.build(sd, map[string]bool{}), true
}

func (idx Index) build(sd domain.StrategicDirective, visiting map[string]bool) domain.HierarchyNode {
	node := domain.HierarchyNode{SDID: sd.ID, Title: sd.Title, Status: sd.Status, Progress: sd.Progress}
	visiting[sd.ID] = true
	for _, cid := range idx.children[sd.ID] {
		if visiting[cid] {
			continue
		}
		node.Children = append(node.Children, idx.build(idx.byID[cid], visiting))
	}
	return node
}

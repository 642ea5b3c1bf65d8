// Package loop implements the engine's loop manager: the component
// that decides, after each scheduling layer, whether a loop should
// reset its body for another iteration or let execution continue past
// its loop-end-source edges. Loop membership comes from the
// workflow's declared Loop.Nodes set rather than being inferred from
// edge topology.
package loop

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/workflow"
)

// Items is the ordered sequence a forEach loop iterates over. Index
// iteration (LoopTypeFor) synthesizes its own Items of plain ints.
type Items []interface{}

// ResolveItems converts a forEach source value into Items. Arrays,
// objects, and JSON strings are supported; iterating an object binds
// its keys, in sorted order for determinism.
func ResolveItems(source interface{}) (Items, error) {
	switch v := source.(type) {
	case []interface{}:
		items := make(Items, len(v))
		copy(items, v)
		return items, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make(Items, len(keys))
		for i, k := range keys {
			items[i] = k
		}
		return items, nil
	case string:
		var parsed interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, errs.Newf(errs.ForEachNotIterable, "", "forEach source string is not valid JSON: %v", err)
		}
		if _, isString := parsed.(string); isString {
			return nil, errs.New(errs.ForEachNotIterable, "", "forEach source string does not parse to a collection")
		}
		return ResolveItems(parsed)
	case nil:
		return nil, errs.New(errs.ForEachNotIterable, "", "forEach source is nil")
	default:
		rv := reflect.ValueOf(source)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			items := make(Items, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				items[i] = rv.Index(i).Interface()
			}
			return items, nil
		}
		return nil, errs.Newf(errs.ForEachNotIterable, "", "forEach source is not iterable, got %T", source)
	}
}

// State tracks one loop's progress across scheduling layers.
type State struct {
	Loop    workflow.Loop
	Items   Items // nil for LoopTypeFor
	Index   int   // next iteration to run, 0-based
	Total   int   // number of iterations; for LoopTypeFor this is Loop.Iterations
	Results []interface{}
	Done    bool
	Entered bool // forEach source has been resolved for the current entry
}

// Manager tracks every loop in a workflow across a run.
type Manager struct {
	states map[string]*State // loop id -> state

	// maxIterations is the last-resort runaway-loop cap (config's
	// DefaultMaxLoopIterations); 0 means unbounded.
	maxIterations int
}

// NewManager builds a Manager from the workflow's declared loops.
// `for` loops are immediately ready (their iteration count is static);
// `forEach` loops have no Items until Enter is called with the
// resolved source, since a nested loop's source may depend on the
// enclosing loop's current item and so can only be resolved when the
// loop block actually fires. maxIterations bounds both loop kinds; 0
// (or negative) disables the cap.
func NewManager(wf *workflow.Workflow, maxIterations int) (*Manager, error) {
	states := make(map[string]*State, len(wf.Loops))
	for id, l := range wf.Loops {
		state := &State{Loop: l}
		switch l.LoopType {
		case workflow.LoopTypeForEach:
			// Total stays 0 until Enter resolves the source.
		case workflow.LoopTypeFor:
			if maxIterations > 0 && l.Iterations > maxIterations {
				return nil, errs.Newf(errs.InvalidWorkflow, id, "loop %s: iterations %d exceeds configured maximum %d", id, l.Iterations, maxIterations)
			}
			state.Total = l.Iterations
		default:
			return nil, errs.Newf(errs.InvalidWorkflow, "", "loop %s: unknown loop type %q", id, l.LoopType)
		}
		states[id] = state
	}
	return &Manager{states: states, maxIterations: maxIterations}, nil
}

// Enter (re)binds a forEach loop's iteration source. It is called each
// time the loop block fires for iteration 0 -- on first entry, and
// again after an enclosing loop resets it for its next iteration.
// `for` loops don't need Enter; their Total is fixed at construction.
func (m *Manager) Enter(loopID string, source interface{}) error {
	s := m.states[loopID]
	if s == nil {
		return fmt.Errorf("loop %s has no tracked state", loopID)
	}
	if s.Loop.LoopType != workflow.LoopTypeForEach {
		return nil
	}
	items, err := ResolveItems(source)
	if err != nil {
		return fmt.Errorf("loop %s: %w", loopID, err)
	}
	if m.maxIterations > 0 && len(items) > m.maxIterations {
		return fmt.Errorf("loop %s: forEach item count %d exceeds configured maximum %d", loopID, len(items), m.maxIterations)
	}
	s.Items = items
	s.Total = len(items)
	s.Entered = true
	return nil
}

// NeedsEntry reports whether loopID is a forEach loop whose source has
// not yet been resolved for the current entry (first entry, or after
// an enclosing loop reset it).
func (m *Manager) NeedsEntry(loopID string) bool {
	s := m.states[loopID]
	return s != nil && s.Loop.LoopType == workflow.LoopTypeForEach && !s.Entered
}

// State returns the tracked state for a loop id.
func (m *Manager) State(loopID string) (*State, bool) {
	s, ok := m.states[loopID]
	return s, ok
}

// CurrentBinding returns the (index, currentItem) pair for the
// iteration currently in flight for loopID. hasItem is false for
// LoopTypeFor loops, which have no per-item value.
func (m *Manager) CurrentBinding(loopID string) (index int, currentItem interface{}, hasItem bool) {
	s := m.states[loopID]
	if s == nil {
		return 0, nil, false
	}
	index = s.Index
	if s.Loop.LoopType == workflow.LoopTypeForEach && index < len(s.Items) {
		return index, s.Items[index], true
	}
	return index, nil, false
}

// Advance is called once the loop's body has finished running for the
// current iteration, recording its result and deciding whether another
// iteration is needed. It returns true if the loop body should reset
// and run again.
func (m *Manager) Advance(loopID string, iterationResult interface{}) (hasMore bool, err error) {
	s := m.states[loopID]
	if s == nil {
		return false, fmt.Errorf("loop %s has no tracked state", loopID)
	}
	s.Results = append(s.Results, iterationResult)
	s.Index++

	if s.Total == 0 {
		// Zero-item forEach succeeds immediately with an empty result
		// set rather than failing or skipping the loop-end path.
		s.Done = true
		return false, nil
	}
	if s.Index >= s.Total {
		s.Done = true
		return false, nil
	}
	return true, nil
}

// IsEmpty reports whether loopID has zero iterations to run, so the
// executor can go straight to aggregating an empty result without
// entering the body at all.
func (m *Manager) IsEmpty(loopID string) bool {
	s := m.states[loopID]
	return s != nil && s.Total == 0
}

// Reset clears an inner loop's completion state when its owning outer
// loop begins a new iteration: a nested loop runs to completion once
// per outer iteration, then resets for the next.
func (m *Manager) Reset(loopID string) {
	s := m.states[loopID]
	if s == nil {
		return
	}
	s.Index = 0
	s.Done = false
	s.Entered = false
	s.Results = nil
}

// Results returns the accumulated per-iteration results for loopID, in
// iteration order.
func (m *Manager) Results(loopID string) []interface{} {
	s := m.states[loopID]
	if s == nil {
		return nil
	}
	return s.Results
}

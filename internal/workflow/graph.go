package workflow

import (
	"github.com/flowforge/engine/internal/errs"
)

// ValidateGraph checks the workflow's structural invariants: one
// starter with no inbound edges, loop node sets disjoint except via
// nesting, loop-start/loop-end edges originating at the right loop
// block, and a DAG once loop back-edges are set aside. It returns the
// first violation found.
func ValidateGraph(w *Workflow) error {
	if err := validateStarter(w); err != nil {
		return err
	}
	if err := validateLoopNesting(w); err != nil {
		return err
	}
	if err := validateLoopEdges(w); err != nil {
		return err
	}
	if err := validateAcyclic(w); err != nil {
		return err
	}
	return nil
}

func validateStarter(w *Workflow) error {
	var starters []Block
	for _, b := range w.Blocks {
		if b.Kind == KindStarter {
			starters = append(starters, b)
		}
	}
	if len(starters) == 0 {
		return errs.New(errs.InvalidWorkflow, "", "workflow has no starter block")
	}
	if len(starters) > 1 {
		return errs.New(errs.InvalidWorkflow, starters[1].ID, "workflow has more than one starter block")
	}
	if len(w.IncomingTo(starters[0].ID)) > 0 {
		return errs.New(errs.InvalidWorkflow, starters[0].ID, "starter block must have no inbound edges")
	}
	return nil
}

func validateLoopNesting(w *Workflow) error {
	for idA, a := range w.Loops {
		setA := a.NodeSet()
		for idB, b := range w.Loops {
			if idA == idB {
				continue
			}
			setB := b.NodeSet()
			overlap := intersects(setA, setB)
			if !overlap {
				continue
			}
			_, aContainsB := setA[idB]
			_, bContainsA := setB[idA]
			if aContainsB && isStrictSubset(setB, setA) {
				continue // B nests inside A: allowed
			}
			if bContainsA && isStrictSubset(setA, setB) {
				continue // A nests inside B: allowed
			}
			return errs.Newf(errs.InvalidWorkflow, idA, "loop %q and loop %q overlap without proper nesting", idA, idB)
		}
	}
	return nil
}

func validateLoopEdges(w *Workflow) error {
	for _, c := range w.Connections {
		switch c.Handle() {
		case HandleLoopStart:
			loop, ok := w.Loops[c.Source]
			if !ok {
				return errs.Newf(errs.InvalidWorkflow, c.Source, "loop-start-source edge originates at non-loop block %q", c.Source)
			}
			if _, ok := loop.NodeSet()[c.Target]; !ok {
				return errs.Newf(errs.InvalidWorkflow, c.Source, "loop-start-source edge target %q is not in loop %q's node set", c.Target, c.Source)
			}
		case HandleLoopEnd:
			loop, ok := w.Loops[c.Source]
			if !ok {
				return errs.Newf(errs.InvalidWorkflow, c.Source, "loop-end-source edge originates at non-loop block %q", c.Source)
			}
			if _, ok := loop.NodeSet()[c.Target]; ok {
				return errs.Newf(errs.InvalidWorkflow, c.Source, "loop-end-source edge target %q must not be in loop %q's node set", c.Target, c.Source)
			}
		}
	}
	return nil
}

// IsBackEdge reports whether c is the edge that closes a loop's
// cycle: its source is inside some loop L's body and its target is
// L's id. The scheduler never traverses this edge directly; only the
// loop manager's reset puts the loop block back in the active path.
func IsBackEdge(w *Workflow, c Connection) bool {
	return isBackEdge(w, c)
}

func isBackEdge(w *Workflow, c Connection) bool {
	loop, ok := w.Loops[c.Target]
	if !ok {
		return false
	}
	_, inBody := loop.NodeSet()[c.Source]
	return inBody
}

func validateAcyclic(w *Workflow) error {
	starter, ok := w.StarterBlock()
	if !ok {
		return nil // already reported by validateStarter
	}

	adjacency := map[string][]string{}
	for _, c := range w.Connections {
		if isBackEdge(w, c) {
			continue
		}
		adjacency[c.Source] = append(adjacency[c.Source], c.Target)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return errs.Newf(errs.InvalidWorkflow, id, "workflow graph contains a cycle outside any declared loop")
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range adjacency[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	return visit(starter.ID)
}

func intersects(a, b map[string]struct{}) bool {
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}

func isStrictSubset(sub, super map[string]struct{}) bool {
	if len(sub) >= len(super) {
		return false
	}
	for k := range sub {
		if _, ok := super[k]; !ok {
			return false
		}
	}
	return true
}

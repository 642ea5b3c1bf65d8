package executor

import (
	"context"
	"sort"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/tracing"
	"github.com/flowforge/engine/internal/workflow"
)

// advanceLoops runs after every layer commit and lets loop completion
// cascade: an inner loop finishing its last iteration can immediately
// satisfy its enclosing loop's own iteration-complete check within the
// same pass. It loops to a fixpoint rather than a single sweep so that
// cascade is never left half-done.
func (e *Executor) advanceLoops(ctx context.Context, rc *runContext, wf *workflow.Workflow) *errs.Error {
	ids := sortedLoopIDs(wf)
	for {
		advanced := false
		for _, id := range ids {
			if _, done := rc.completedLoops[id]; done {
				continue
			}
			l := wf.Loops[id]
			if !iterationComplete(rc, l) {
				continue
			}
			if err := e.completeIteration(ctx, rc, wf, l); err != nil {
				return err
			}
			advanced = true
		}
		if !advanced {
			return nil
		}
	}
}

// sortedLoopIDs orders loops by body size, smallest (innermost) first,
// so a single advanceLoops sweep tends to resolve a nested loop before
// its enclosing loop without needing extra fixpoint passes.
func sortedLoopIDs(wf *workflow.Workflow) []string {
	ids := make([]string, 0, len(wf.Loops))
	for id := range wf.Loops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return len(wf.Loops[ids[i]].Nodes) < len(wf.Loops[ids[j]].Nodes)
	})
	return ids
}

// iterationComplete reports whether loop l's body has finished running
// for the iteration currently in flight: l's own block has executed
// (entered this iteration) and every body block still in the active
// path has executed. A body block that was never activated -- the
// untaken branch of a condition inside the loop, say -- does not block
// completion; only blocks reachable under this iteration's decisions
// count.
func iterationComplete(rc *runContext, l workflow.Loop) bool {
	loopState, ok := rc.blockStates[l.ID]
	if !ok || !loopState.Executed {
		return false
	}
	for _, nodeID := range l.Nodes {
		if !rc.isActive(nodeID) {
			continue
		}
		s, ok := rc.blockStates[nodeID]
		if !ok || !s.Executed {
			return false
		}
	}
	return true
}

// completeIteration handles one iteration boundary: aggregate this
// iteration's per-block outputs, ask the loop manager whether another
// iteration is needed, and either reset the body for the next
// iteration or finalize the loop's aggregated output and open its
// loop-end-source edges. The boundary is wrapped in an operator span
// recording the loop id and iteration index, so a trace backend shows
// each iteration alongside the block-invocation spans it gathered.
func (e *Executor) completeIteration(ctx context.Context, rc *runContext, wf *workflow.Workflow, l workflow.Loop) *errs.Error {
	iterIndex := 0
	if s, ok := rc.loops.State(l.ID); ok {
		iterIndex = s.Index
	}

	var fatal *errs.Error
	_ = tracing.TraceLoopIteration(ctx, l.ID, iterIndex, func(context.Context) error {
		iterationOutputs := map[string]interface{}{}
		for _, nodeID := range l.Nodes {
			s, ok := rc.blockStates[nodeID]
			if !ok || !s.Executed {
				continue
			}
			iterationOutputs[rc.blockName(nodeID)] = s.Output
		}

		hasMore, err := rc.loops.Advance(l.ID, iterationOutputs)
		if err != nil {
			fatal = errs.Wrap(errs.InvalidWorkflow, l.ID, err)
			return fatal
		}

		if hasMore {
			rc.resetLoopRegion(l)
			return nil
		}

		results := rc.loops.Results(l.ID)
		rc.setState(l.ID, &blockState{Output: aggregatedLoopOutput(l, len(results), results), Executed: true})
		rc.completedLoops[l.ID] = struct{}{}
		activateEdges(rc, wf, outgoingByHandle(wf, l.ID, workflow.HandleLoopEnd))
		return nil
	})
	return fatal
}

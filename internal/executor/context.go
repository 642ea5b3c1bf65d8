package executor

import (
	"log/slog"
	"time"

	"github.com/flowforge/engine/internal/executor/loop"
	"github.com/flowforge/engine/internal/executor/trace"
	"github.com/flowforge/engine/internal/workflow"
)

// blockState is one block's recorded result for the current
// iteration. Resolver reads these through a read-only closure; only
// runContext ever writes one.
type blockState struct {
	Output   interface{}
	Executed bool
	Errored  bool
	Duration time.Duration
}

// runContext is the engine-private state for a single run, created
// empty and discarded when Run returns. It is single-writer: the
// executor's post-layer commit step is the only place block results
// are applied.
type runContext struct {
	wf *workflow.Workflow

	blockStates map[string]*blockState
	activePath  map[string]struct{}

	routerDecisions    map[string]string
	conditionDecisions map[string]string

	loops          *loop.Manager
	completedLoops map[string]struct{}

	trace *trace.Trace

	// loopEntrySpans tracks, per loop id, the span produced by that
	// loop block's most recent iteration entry -- the parent every
	// body-block span for the iteration currently in flight nests
	// under.
	loopEntrySpans map[string]*trace.Span

	// logger is this run's child logger, already bound with
	// execution_id, so every log line the dispatch loop and retry
	// decorator emit is correlated to this run without threading the
	// id through every call explicitly.
	logger *slog.Logger

	idToName map[string]string

	// lastBlockID/lastOutput track the most recently committed
	// block's output, so a successful run can return the last
	// executed block's output without re-deriving it from the trace
	// (whose spans carry redacted copies).
	lastBlockID string
	lastOutput  interface{}
}

func newRunContext(wf *workflow.Workflow, starterID string, maxLoopIterations int, logger *slog.Logger) (*runContext, error) {
	lm, err := loop.NewManager(wf, maxLoopIterations)
	if err != nil {
		return nil, err
	}

	idToName := make(map[string]string, len(wf.NameIndex))
	for name, id := range wf.NameIndex {
		idToName[id] = name
	}

	return &runContext{
		wf:                 wf,
		blockStates:        map[string]*blockState{},
		activePath:         map[string]struct{}{starterID: {}},
		routerDecisions:    map[string]string{},
		conditionDecisions: map[string]string{},
		loops:              lm,
		completedLoops:     map[string]struct{}{},
		trace:              &trace.Trace{},
		loopEntrySpans:     map[string]*trace.Span{},
		logger:             logger,
		idToName:           idToName,
	}, nil
}

// appendToLoopSpan nests span under loopID's current iteration entry
// span. If the loop hasn't recorded an entry span yet (shouldn't
// happen in practice, since a loop's own block always dispatches
// before its body), it falls back to a top-level append rather than
// dropping the span.
func (rc *runContext) appendToLoopSpan(loopID string, span *trace.Span) {
	if parent, ok := rc.loopEntrySpans[loopID]; ok && parent != nil {
		parent.Children = append(parent.Children, span)
		return
	}
	rc.trace.Append(span)
}

// recordSpan files block's span either at the top level or, when
// block is owned by a loop, as a child of that loop's current
// iteration entry span. A loop block's own span additionally becomes
// the new entry span its body nests under.
func (rc *runContext) recordSpan(block workflow.Block, span *trace.Span) {
	if block.Kind == workflow.KindLoop {
		if owner, ok := rc.wf.LoopOwning(block.ID); ok {
			rc.appendToLoopSpan(owner.ID, span)
		} else {
			rc.trace.Append(span)
		}
		rc.loopEntrySpans[block.ID] = span
		return
	}
	if owner, ok := rc.wf.LoopOwning(block.ID); ok {
		rc.appendToLoopSpan(owner.ID, span)
		return
	}
	rc.trace.Append(span)
}

func (rc *runContext) isActive(id string) bool {
	_, ok := rc.activePath[id]
	return ok
}

func (rc *runContext) activate(id string) {
	rc.activePath[id] = struct{}{}
}

func (rc *runContext) deactivate(id string) {
	delete(rc.activePath, id)
}

func (rc *runContext) output(id string) (interface{}, bool) {
	s, ok := rc.blockStates[id]
	if !ok || !s.Executed {
		return nil, false
	}
	return s.Output, true
}

// decisions snapshots the router/condition choices made so far, for
// the run's result.
func (rc *runContext) decisions() Decisions {
	router := make(map[string]string, len(rc.routerDecisions))
	for k, v := range rc.routerDecisions {
		router[k] = v
	}
	condition := make(map[string]string, len(rc.conditionDecisions))
	for k, v := range rc.conditionDecisions {
		condition[k] = v
	}
	return Decisions{Router: router, Condition: condition}
}

func (rc *runContext) blockName(id string) string {
	if name, ok := rc.idToName[id]; ok {
		return name
	}
	return id
}

// setState records id's result and, since this is always the most
// recent commit when called in trace order, updates the run's
// "last executed output" candidate.
func (rc *runContext) setState(id string, state *blockState) {
	rc.blockStates[id] = state
	if state.Executed {
		rc.lastBlockID = id
		rc.lastOutput = state.Output
	}
}

// resetBlock clears a block's state so a future iteration re-runs it.
func (rc *runContext) resetBlock(id string) {
	delete(rc.blockStates, id)
	rc.deactivate(id)
	delete(rc.routerDecisions, id)
	delete(rc.conditionDecisions, id)
}

// resetLoopRegion resets every block in loop L's body plus L's own
// block, and recursively clears any nested loop's completion so it
// can run again next outer iteration. Loop nesting guarantees a
// nested loop's body is already a subset of L.Nodes (see
// workflow.ValidateGraph), so walking L.Nodes alone reaches it.
//
// The loop block itself is reactivated rather than deactivated: the
// edge that closes the iteration cycle (the loop body's last block
// back to the loop id) is a back-edge the scheduler never traverses,
// so nothing else would put the loop block back in the active path
// for its next entry.
func (rc *runContext) resetLoopRegion(l workflow.Loop) {
	for _, nodeID := range l.Nodes {
		rc.resetBlock(nodeID)
		if _, isLoop := rc.wf.Loops[nodeID]; isLoop {
			delete(rc.completedLoops, nodeID)
			rc.loops.Reset(nodeID)
		}
	}
	delete(rc.blockStates, l.ID)
	delete(rc.routerDecisions, l.ID)
	delete(rc.conditionDecisions, l.ID)
	rc.activate(l.ID)
}

// Package executor drives a serialized workflow to completion: it
// schedules blocks into execution layers, resolves their inputs,
// invokes their handlers, applies control-flow decisions, and hands
// iteration-boundary judgment to the loop manager after every layer.
package executor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor/handlers"
	"github.com/flowforge/engine/internal/executor/resolver"
	"github.com/flowforge/engine/internal/executor/trace"
	"github.com/flowforge/engine/internal/tracing"
	"github.com/flowforge/engine/internal/workflow"
)

// MetricsSink is the ambient Prometheus observation surface the
// executor reports to, satisfied by *metrics.Metrics. It's an
// interface here (rather than importing internal/metrics directly) so
// the executor doesn't pull in Prometheus just to run a workflow with
// metrics disabled -- a run with no sink attached costs nothing extra.
type MetricsSink interface {
	RecordRun(status string, durationSeconds float64)
	RecordBlock(kind, status string, durationSeconds float64)
	RecordRetry(kind string)
	RunStarted()
	RunFinished()
	RecordExprCacheHit()
	RecordExprCacheMiss()
}

// Status is the terminal state of a Run call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Options configures one Run call. Cancellation is carried by the
// ctx passed to Run rather than a separate field.
type Options struct {
	Env      map[string]string
	Handlers *handlers.Registry
	Timeout  time.Duration
}

// Result is the single structured value every run produces: success
// carries Output, failure carries Error, and Trace plus Cost are
// always populated either way.
type Result struct {
	// RunID correlates this result with its ambient trace span, even
	// when tracing is disabled: a caller that only persists Result
	// values still gets a stable identifier to reference from logs.
	RunID  string
	Output interface{}
	Trace  *trace.Trace
	Cost   trace.Cost
	Tokens trace.TokenUsage
	Status Status
	Error  *errs.Error

	// Decisions records the branch or target each router/condition
	// block resolved to, keyed by block id.
	Decisions Decisions
}

// Decisions is the per-run record of every router/condition block's
// resolved choice.
type Decisions struct {
	Router    map[string]string
	Condition map[string]string
}

// Executor owns no per-run state; Run builds a fresh runContext every
// call so concurrent runs never share mutable state.
type Executor struct {
	cfg     *config.Config
	metrics MetricsSink
	logger  *slog.Logger
}

// New builds an Executor from cfg, falling back to config.Default
// when cfg is nil. The logger defaults to slog.Default(); use
// WithLogger to attach a specific one.
func New(cfg *config.Config) *Executor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Executor{cfg: cfg, logger: slog.Default()}
}

// WithMetrics attaches a MetricsSink that every subsequent Run reports
// run/block/retry observations to, and returns e for chaining.
func (e *Executor) WithMetrics(sink MetricsSink) *Executor {
	e.metrics = sink
	return e
}

// WithLogger attaches the *slog.Logger every subsequent Run derives
// its per-run child logger from, and returns e for chaining.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Validate delegates to workflow.Validate, the engine API's
// validate(workflow, {validateRequired}) operation.
func (e *Executor) Validate(wf *workflow.Workflow, validateRequired bool) []workflow.ValidationIssue {
	return workflow.Validate(wf, validateRequired)
}

// Run drives wf to completion. It returns a *Result rather than an
// error because every outcome -- success, a bubbled block failure, a
// timeout, a cancellation -- is reported as the single structured
// structured result; Result.Error is non-nil on any failure.
func (e *Executor) Run(ctx context.Context, wf *workflow.Workflow, input interface{}, opts Options) *Result {
	var result *Result
	_ = tracing.TraceRun(ctx, wf.Version, func(tracedCtx context.Context) error {
		result = e.run(tracedCtx, wf, input, opts)
		if result.Error != nil {
			return result.Error
		}
		return nil
	})
	return result
}

// run is Run's untraced body, split out so TraceRun can wrap it
// without tangling the dispatch loop's early returns with span
// bookkeeping.
func (e *Executor) run(ctx context.Context, wf *workflow.Workflow, input interface{}, opts Options) *Result {
	runID := uuid.New().String()
	log := e.logger.With("execution_id", runID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		log = log.With("trace_id", traceID)
	}
	tracing.AddWorkflowAttributes(ctx, map[string]interface{}{
		"workflow.execution_id": runID,
		"workflow.block_count":  len(wf.Blocks),
		"workflow.loop_count":   len(wf.Loops),
	})

	registry := opts.Handlers
	if registry == nil {
		registry = handlers.NewRegistry(e.cfg.ExpressionCacheSize)
	}
	if e.metrics != nil {
		registry.SetCacheMetrics(e.metrics.RecordExprCacheHit, e.metrics.RecordExprCacheMiss)
		e.metrics.RunStarted()
		defer e.metrics.RunFinished()
	}

	runStart := time.Now()
	log.Info("starting workflow execution", "workflow_version", wf.Version)

	starter, ok := wf.StarterBlock()
	if !ok {
		log.Error("workflow has no starter block")
		return e.recordAndReturn(runID, runStart, &Result{
			Status: StatusError,
			Trace:  &trace.Trace{},
			Error:  errs.New(errs.InvalidWorkflow, "", "workflow has no starter block"),
		})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultWorkflowTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rc, err := newRunContext(wf, starter.ID, e.cfg.DefaultMaxLoopIterations, log)
	if err != nil {
		wrapped, ok := errs.As(err)
		if !ok {
			wrapped = errs.Wrap(errs.InvalidWorkflow, "", err)
		}
		log.Error("failed to build run context", "error", wrapped)
		return e.recordAndReturn(runID, runStart, &Result{Status: StatusError, Trace: &trace.Trace{}, Error: wrapped})
	}

	layers := 0
	for {
		if runCtx.Err() != nil {
			log.Warn("workflow execution stopped", "reason", runCtx.Err())
			tracing.RecordWorkflowEvent(ctx, "workflow.stopped", map[string]interface{}{
				"reason": runCtx.Err().Error(),
			})
			e.recordSkippedSpans(wf, rc)
			return e.recordAndReturn(runID, runStart, e.terminalResult(rc, runCtx.Err()))
		}

		layer := e.runnableLayer(rc, wf)
		if len(layer) == 0 {
			break
		}

		layers++
		if layers > e.cfg.MaxExecutionLayers {
			log.Error("exceeded maximum execution layers", "max_layers", e.cfg.MaxExecutionLayers)
			e.recordSkippedSpans(wf, rc)
			return e.recordAndReturn(runID, runStart, e.errorResult(rc, errs.New(errs.InvalidWorkflow, "", "exceeded maximum execution layers; workflow likely has an unreachable cycle")))
		}

		log.Info("dispatching execution layer", "layer", layers, "block_count", len(layer))
		progressed, fatal := e.dispatchLayer(runCtx, rc, wf, layer, input, opts, registry)
		if fatal != nil {
			log.Error("block execution failed", "block_id", fatal.BlockID, "error", fatal.Message)
			e.recordSkippedSpans(wf, rc)
			return e.recordAndReturn(runID, runStart, e.errorResult(rc, fatal))
		}
		if !progressed {
			break
		}

		if fatal := e.advanceLoops(runCtx, rc, wf); fatal != nil {
			log.Error("loop advance failed", "block_id", fatal.BlockID, "error", fatal.Message)
			e.recordSkippedSpans(wf, rc)
			return e.recordAndReturn(runID, runStart, e.errorResult(rc, fatal))
		}
	}

	log.Info("workflow execution completed")
	tracing.RecordWorkflowEvent(ctx, "workflow.completed", map[string]interface{}{
		"layers": layers,
	})
	e.recordSkippedSpans(wf, rc)
	return e.recordAndReturn(runID, runStart, e.finalResult(rc))
}

// recordSkippedSpans appends a StatusSkipped span for every block
// that was activated but never executed -- a block a cancelled or
// timed-out run never reached, or one left blocked on an unresolvable
// reference -- so a partial trace shows what was pending rather than
// silently omitting it. Blocks on untaken condition/router branches
// were never activated and stay absent from the trace.
func (e *Executor) recordSkippedSpans(wf *workflow.Workflow, rc *runContext) {
	var skipped []workflow.Block
	for _, b := range wf.Blocks {
		if !b.Enabled {
			continue
		}
		if !rc.isActive(b.ID) {
			continue
		}
		if _, ok := rc.blockStates[b.ID]; ok {
			continue
		}
		skipped = append(skipped, b)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].ID < skipped[j].ID })

	now := time.Now()
	for _, b := range skipped {
		span := &trace.Span{BlockID: b.ID, BlockName: rc.blockName(b.ID), Kind: b.Kind, StartedAt: now}
		span.Finish(now, trace.StatusSkipped)
		rc.recordSpan(b, span)
	}
}

// recordAndReturn reports result's terminal status and the run's wall
// time to the attached MetricsSink, if any, stamps result with the
// run id its logger was already keyed on, and returns result unchanged
// -- a thin seam so every Run exit path stays one line.
func (e *Executor) recordAndReturn(runID string, runStart time.Time, result *Result) *Result {
	if e.metrics != nil {
		e.metrics.RecordRun(string(result.Status), time.Since(runStart).Seconds())
	}
	result.RunID = runID
	return result
}

// runnableLayer computes the set of blocks eligible to run this tick:
// enabled, in the active path, not yet executed, and every inbound
// edge whose source is also active points from an executed block.
// Sorted by id so layer dispatch and trace commit order are
// deterministic.
func (e *Executor) runnableLayer(rc *runContext, wf *workflow.Workflow) []workflow.Block {
	var layer []workflow.Block
	for _, b := range wf.Blocks {
		if !b.Enabled {
			continue
		}
		if !rc.isActive(b.ID) {
			continue
		}
		if s, ok := rc.blockStates[b.ID]; ok && s.Executed {
			continue
		}
		if !predecessorsSatisfied(rc, wf, b.ID) {
			continue
		}
		layer = append(layer, b)
	}
	sort.Slice(layer, func(i, j int) bool { return layer[i].ID < layer[j].ID })
	return layer
}

func predecessorsSatisfied(rc *runContext, wf *workflow.Workflow, blockID string) bool {
	for _, c := range wf.IncomingTo(blockID) {
		if !rc.isActive(c.Source) {
			continue // a sibling branch not taken never blocks runnability
		}
		s, ok := rc.blockStates[c.Source]
		if !ok || !s.Executed {
			return false
		}
	}
	return true
}

// blockOutcome is one block's result from a layer dispatch, gathered
// before any context state is mutated so the post-layer commit step
// stays single-writer.
type blockOutcome struct {
	block   workflow.Block
	blocked bool // resolver signaled UnresolvedReference; try again later
	fatal   *errs.Error
	errored bool
	routeTo string
	branch  string
	output  interface{}
	span    *trace.Span
}

// dispatchLayer invokes every block in layer concurrently and gathers
// results at the layer boundary before applying any of them. Spans
// commit in block-id order within the layer, so trace ordering stays
// stable regardless of goroutine completion order.
func (e *Executor) dispatchLayer(ctx context.Context, rc *runContext, wf *workflow.Workflow, layer []workflow.Block, input interface{}, opts Options, registry *handlers.Registry) (progressed bool, fatal *errs.Error) {
	outcomes := make([]*blockOutcome, len(layer))

	layerCtx, cancelLayer := context.WithCancel(ctx)
	defer cancelLayer()

	var wg sync.WaitGroup
	for i, b := range layer {
		wg.Add(1)
		go func(i int, b workflow.Block) {
			defer wg.Done()
			outcome := e.runBlock(layerCtx, rc, wf, b, input, opts, registry)
			outcomes[i] = outcome
			if outcome.fatal != nil {
				cancelLayer()
			}
		}(i, b)
	}
	wg.Wait()

	var firstFatal *errs.Error
	for _, outcome := range outcomes {
		if outcome.span != nil {
			rc.recordSpan(outcome.block, outcome.span)
		}
		if outcome.fatal != nil && firstFatal == nil {
			firstFatal = outcome.fatal
		}
	}
	if firstFatal != nil {
		return false, firstFatal
	}

	for _, outcome := range outcomes {
		if outcome.blocked {
			continue
		}
		progressed = true
		e.commitResult(rc, wf, outcome)
	}
	return progressed, nil
}

// runBlock resolves one block's inputs and invokes its handler. It
// never mutates rc; its blockOutcome is applied later by
// commitResult, keeping the context single-writer.
func (e *Executor) runBlock(ctx context.Context, rc *runContext, wf *workflow.Workflow, b workflow.Block, runInput interface{}, opts Options, registry *handlers.Registry) *blockOutcome {
	capability, ok := registry.Lookup(b.Kind)
	if !ok {
		return &blockOutcome{block: b, fatal: errs.Newf(errs.HandlerNotRegistered, b.ID, "no handler registered for kind %q", b.Kind)}
	}

	outerBinding := loopBindingFor(rc, wf, b.ID, false)

	if b.Kind == workflow.KindLoop && rc.loops.NeedsEntry(b.ID) {
		l := wf.Loops[b.ID]
		resolved, err := resolver.Resolve(map[string]interface{}{"items": l.ForEachItems}, bindingsFor(rc, wf, opts, outerBinding))
		if err != nil {
			if isUnresolved(err) {
				return &blockOutcome{block: b, blocked: true}
			}
			return &blockOutcome{block: b, fatal: errs.Wrap(errs.ForEachNotIterable, b.ID, err)}
		}
		if err := rc.loops.Enter(b.ID, resolved["items"]); err != nil {
			return &blockOutcome{block: b, fatal: errs.Wrap(errs.ForEachNotIterable, b.ID, err)}
		}
	}

	resolvedParams, err := resolver.Resolve(b.Params, bindingsFor(rc, wf, opts, outerBinding))
	if err != nil {
		if isUnresolved(err) {
			return &blockOutcome{block: b, blocked: true}
		}
		return &blockOutcome{block: b, fatal: errs.Wrap(errs.InvalidWorkflow, b.ID, err)}
	}

	invokeBinding := outerBinding
	if b.Kind == workflow.KindLoop {
		invokeBinding = loopBindingFor(rc, wf, b.ID, true)
	}

	var runInputForBlock interface{}
	if b.Kind == workflow.KindStarter {
		runInputForBlock = runInput
	}

	in := handlers.Input{
		BlockID:  b.ID,
		Kind:     b.Kind,
		Params:   resolvedParams,
		Env:      opts.Env,
		Loop:     invokeBinding,
		RunInput: runInputForBlock,
	}

	timeout := blockTimeout(b.Params, e.cfg.DefaultBlockTimeout)
	retryCfg := blockRetryConfig(b.Params, e.cfg.Retry)

	rc.logger.Info("executing block", "block_id", b.ID, "block_kind", b.Kind)

	span := &trace.Span{BlockID: b.ID, BlockName: rc.blockName(b.ID), Kind: b.Kind, StartedAt: time.Now()}
	onRetry := func() {
		if e.metrics != nil {
			e.metrics.RecordRetry(b.Kind)
		}
	}
	var out handlers.Output
	var invokeErr *errs.Error
	_, _ = tracing.TraceBlockExecution(ctx, b.ID, b.Kind, func(tracedCtx context.Context) (interface{}, error) {
		out, invokeErr = invokeWithRetry(tracedCtx, rc.logger, capability, in, retryCfg, timeout, onRetry)
		if invokeErr != nil {
			return nil, invokeErr
		}
		return out.Data, nil
	})

	if invokeErr != nil {
		span.Input = resolver.Redact(resolvedParams)
		span.Output = map[string]interface{}{"error": invokeErr.Message}
		span.Finish(time.Now(), trace.StatusError)
		if e.metrics != nil {
			e.metrics.RecordBlock(b.Kind, string(trace.StatusError), float64(span.DurationMs)/1000)
		}
		rc.logger.Error("block execution failed", "block_id", b.ID, "block_kind", b.Kind, "error", invokeErr.Message)

		hasErrorEdge := len(outgoingByHandle(wf, b.ID, workflow.HandleError)) > 0
		if invokeErr.Kind == errs.Cancelled || !hasErrorEdge {
			return &blockOutcome{block: b, fatal: invokeErr, span: span}
		}
		return &blockOutcome{
			block:   b,
			errored: true,
			output:  map[string]interface{}{"error": invokeErr.Message},
			span:    span,
		}
	}

	span.Input = resolver.Redact(resolvedParams)
	span.Output = resolver.Redact(out.Data)
	span.Cost = out.Cost
	span.Tokens = out.Tokens
	span.Finish(time.Now(), trace.StatusSuccess)
	if e.metrics != nil {
		e.metrics.RecordBlock(b.Kind, string(trace.StatusSuccess), float64(span.DurationMs)/1000)
	}

	return &blockOutcome{block: b, routeTo: out.RouteTo, branch: out.Branch, output: out.Data, span: span}
}

// commitResult applies one block's outcome to rc: recording its
// state and updating the active path per the block kind's
// control-flow rules. This is the run's single post-layer writer.
func (e *Executor) commitResult(rc *runContext, wf *workflow.Workflow, outcome *blockOutcome) {
	b := outcome.block
	rc.setState(b.ID, &blockState{
		Output:   outcome.output,
		Executed: true,
		Errored:  outcome.errored,
		Duration: time.Duration(outcome.span.DurationMs) * time.Millisecond,
	})

	switch {
	case outcome.errored:
		activateEdges(rc, wf, outgoingByHandle(wf, b.ID, workflow.HandleError))
	case b.Kind == workflow.KindRouter:
		target := resolveRouteTarget(wf, outcome.routeTo)
		rc.routerDecisions[b.ID] = target
		for _, c := range wf.OutgoingFrom(b.ID) {
			if c.Target == target && !workflow.IsBackEdge(wf, c) {
				rc.activate(c.Target)
			}
		}
	case b.Kind == workflow.KindCondition:
		rc.conditionDecisions[b.ID] = outcome.branch
		activateEdges(rc, wf, outgoingByHandle(wf, b.ID, outcome.branch))
	case b.Kind == workflow.KindLoop:
		e.commitLoopEntry(rc, wf, b)
	default:
		activateEdges(rc, wf, outgoingByHandle(wf, b.ID, workflow.HandleSource))
	}
}

// commitLoopEntry activates a loop's body for the iteration it just
// entered, unless the loop resolved to zero items: a zero-item
// forEach (and, by the same reasoning, a zero-iteration for loop)
// completes immediately with empty results rather than ever
// activating its body.
func (e *Executor) commitLoopEntry(rc *runContext, wf *workflow.Workflow, b workflow.Block) {
	l := wf.Loops[b.ID]
	if rc.loops.IsEmpty(b.ID) {
		rc.setState(b.ID, &blockState{Output: aggregatedLoopOutput(l, 0, nil), Executed: true})
		rc.completedLoops[b.ID] = struct{}{}
		activateEdges(rc, wf, outgoingByHandle(wf, b.ID, workflow.HandleLoopEnd))
		return
	}
	activateEdges(rc, wf, outgoingByHandle(wf, b.ID, workflow.HandleLoopStart))
}

func aggregatedLoopOutput(l workflow.Loop, maxIterations int, results []interface{}) map[string]interface{} {
	if results == nil {
		results = []interface{}{}
	}
	return map[string]interface{}{
		"loopId":        l.ID,
		"maxIterations": maxIterations,
		"loopType":      string(l.LoopType),
		"completed":     true,
		"results":       results,
	}
}

// resolveRouteTarget accepts a router's chosen target as either a
// literal block id or a block name. A raw id that matches a declared
// block wins outright; otherwise the value is looked up through the
// normalized name index.
func resolveRouteTarget(wf *workflow.Workflow, routeTo string) string {
	if _, ok := wf.BlockByID(routeTo); ok {
		return routeTo
	}
	if id, ok := wf.NameIndex[workflow.NormalizeName(routeTo)]; ok {
		return id
	}
	return routeTo
}

func outgoingByHandle(wf *workflow.Workflow, id, handle string) []workflow.Connection {
	var out []workflow.Connection
	for _, c := range wf.OutgoingFrom(id) {
		if c.Handle() == handle {
			out = append(out, c)
		}
	}
	return out
}

// activateEdges adds each edge's target to the active path, skipping
// back-edges: the scheduler never traverses the edge that closes a
// loop's cycle, only the loop manager's reset does.
func activateEdges(rc *runContext, wf *workflow.Workflow, edges []workflow.Connection) {
	for _, c := range edges {
		if workflow.IsBackEdge(wf, c) {
			continue
		}
		rc.activate(c.Target)
	}
}

// loopBindingFor returns the resolver binding for blockID's loop
// context. With ownLoop=false it's the binding of the innermost loop
// that owns blockID (used to resolve a block's own params, including
// a loop block's forEachItems before it has entered its own
// iteration). With ownLoop=true it's blockID's own current binding
// (used once a loop block has entered, to bind its handler's
// {{loop.index}}/{{loop.currentItem}}).
func loopBindingFor(rc *runContext, wf *workflow.Workflow, blockID string, ownLoop bool) resolver.LoopBinding {
	var loopID string
	if ownLoop {
		loopID = blockID
	} else if owner, ok := wf.LoopOwning(blockID); ok {
		loopID = owner.ID
	} else {
		return resolver.LoopBinding{}
	}
	idx, item, has := rc.loops.CurrentBinding(loopID)
	return resolver.LoopBinding{LoopID: loopID, Index: idx, CurrentItem: item, HasItem: has}
}

func bindingsFor(rc *runContext, wf *workflow.Workflow, opts Options, binding resolver.LoopBinding) resolver.Bindings {
	var stack []resolver.LoopBinding
	if binding.LoopID != "" {
		stack = []resolver.LoopBinding{binding}
	}
	return resolver.Bindings{
		Workflow:  wf,
		Output:    rc.output,
		Env:       opts.Env,
		LoopStack: stack,
	}
}

func isUnresolved(err error) bool {
	e, ok := errs.As(err)
	return ok && e.Kind == errs.UnresolvedReference
}

func (e *Executor) terminalResult(rc *runContext, ctxErr error) *Result {
	status := StatusCancelled
	kind := errs.Cancelled
	message := "run cancelled"
	if ctxErr == context.DeadlineExceeded {
		status = StatusTimeout
		kind = errs.WorkflowTimeout
		message = "workflow timeout exceeded"
	}
	return &Result{
		Status:    status,
		Trace:     rc.trace,
		Cost:      rc.trace.AggregateCost(),
		Tokens:    rc.trace.AggregateTokens(),
		Error:     errs.New(kind, "", message),
		Decisions: rc.decisions(),
	}
}

func (e *Executor) errorResult(rc *runContext, err *errs.Error) *Result {
	status := StatusError
	switch err.Kind {
	case errs.Cancelled:
		status = StatusCancelled
	case errs.WorkflowTimeout, errs.BlockTimeout:
		status = StatusTimeout
	}
	return &Result{
		Status:    status,
		Trace:     rc.trace,
		Cost:      rc.trace.AggregateCost(),
		Tokens:    rc.trace.AggregateTokens(),
		Error:     err,
		Decisions: rc.decisions(),
	}
}

func (e *Executor) finalResult(rc *runContext) *Result {
	return &Result{
		Output:    rc.lastOutput,
		Trace:     rc.trace,
		Cost:      rc.trace.AggregateCost(),
		Tokens:    rc.trace.AggregateTokens(),
		Status:    StatusSuccess,
		Decisions: rc.decisions(),
	}
}

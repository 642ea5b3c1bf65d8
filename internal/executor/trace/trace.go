// Package trace holds the engine's own domain-level execution trace --
// the {output, trace, cost} value returned from a run -- distinct from
// any ambient OpenTelemetry spans the process also emits for
// operators. Construction never takes a reference to live context
// state; every field is copied in.
package trace

import "time"

// Status is a span's terminal state.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// TokenUsage is a per-model token count triple.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

func (t TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: t.Input + o.Input, Output: t.Output + o.Output, Total: t.Total + o.Total}
}

// Cost is a per-model cost triple, summed along the trace.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

func (c Cost) Add(o Cost) Cost {
	return Cost{Input: c.Input + o.Input, Output: c.Output + o.Output, Total: c.Total + o.Total}
}

// Span is one handler invocation's record.
type Span struct {
	BlockID    string      `json:"blockId"`
	BlockName  string      `json:"blockName,omitempty"`
	Kind       string      `json:"kind"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    time.Time   `json:"endedAt"`
	DurationMs int64       `json:"durationMs"`
	Status     Status      `json:"status"`
	Input      interface{} `json:"input,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Cost       *Cost       `json:"cost,omitempty"`
	Tokens     *TokenUsage `json:"tokens,omitempty"`
	Children   []*Span     `json:"children,omitempty"`
}

// Finish stamps EndedAt and DurationMs from endedAt, returning the
// span for chaining. Callers build a Span with StartedAt set, invoke
// the handler, then call Finish once the result is known.
func (s *Span) Finish(endedAt time.Time, status Status) *Span {
	s.EndedAt = endedAt
	s.DurationMs = endedAt.Sub(s.StartedAt).Milliseconds()
	s.Status = status
	return s
}

// Trace is the ordered, append-only sequence of top-level spans
// returned with a run's result. Loop iterations nest under the loop
// block's own span rather than appearing as additional top-level
// entries.
type Trace struct {
	Spans []*Span `json:"spans"`
}

// Append adds span to the end of the trace. The executor commits spans
// once per layer, in block-id order within the layer, satisfying the
// "trace insertion is totally ordered on each layer boundary" rule.
func (t *Trace) Append(span *Span) {
	t.Spans = append(t.Spans, span)
}

// AggregateCost sums every span's cost, including nested children.
func (t *Trace) AggregateCost() Cost {
	var total Cost
	for _, s := range t.Spans {
		total = total.Add(aggregateSpanCost(s))
	}
	return total
}

func aggregateSpanCost(s *Span) Cost {
	var total Cost
	if s.Cost != nil {
		total = total.Add(*s.Cost)
	}
	for _, child := range s.Children {
		total = total.Add(aggregateSpanCost(child))
	}
	return total
}

// AggregateTokens sums every span's token usage, including nested
// children.
func (t *Trace) AggregateTokens() TokenUsage {
	var total TokenUsage
	for _, s := range t.Spans {
		total = total.Add(aggregateSpanTokens(s))
	}
	return total
}

func aggregateSpanTokens(s *Span) TokenUsage {
	var total TokenUsage
	if s.Tokens != nil {
		total = total.Add(*s.Tokens)
	}
	for _, child := range s.Children {
		total = total.Add(aggregateSpanTokens(child))
	}
	return total
}

package workflow

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/flowforge/engine/internal/errs"
)

// KindChecker reports whether kind is known to the handler registry
// that will eventually execute the workflow. The serializer takes
// this as a parameter rather than importing the handler registry
// package directly, to keep workflow ("what a graph is") independent
// of executor/handlers ("how a block kind is invoked").
type KindChecker func(kind string) bool

// FieldRequirement classifies how a block param participates in
// pre-run validation.
type FieldRequirement int

const (
	FieldOptional FieldRequirement = iota
	// FieldUserOnlyRequired must be present and non-empty in params at
	// serialize time; it can never be supplied by an upstream block.
	FieldUserOnlyRequired
	// FieldUserOrLLM may be empty at serialize time because an
	// upstream block can supply it at runtime via a template reference.
	FieldUserOrLLM
)

// FieldSpec names one param a kind recognizes for validation purposes.
type FieldSpec struct {
	Name        string
	Requirement FieldRequirement
}

// requiredFields is the per-kind field table validateRequired checks
// against. Kinds absent from this table (including every tool:<name>
// kind) have no required-field validation at this layer; a tool's own
// handler is responsible for rejecting bad inputs at invoke time.
var requiredFields = map[string][]FieldSpec{
	KindCondition: {{Name: "condition", Requirement: FieldUserOnlyRequired}},
	KindRouter:    {{Name: "expression", Requirement: FieldUserOnlyRequired}},
	KindAPI: {
		{Name: "url", Requirement: FieldUserOnlyRequired},
		{Name: "method", Requirement: FieldUserOrLLM},
	},
	KindFunction: {{Name: "script", Requirement: FieldUserOrLLM}},
}

// AuthoringBlock is one entry of the authoring-form blocks mapping,
// keyed by the block's user-assigned name.
type AuthoringBlock struct {
	ID       string                 `json:"id"`
	Kind     string                 `json:"kind"`
	Enabled  *bool                  `json:"enabled,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Position *Position              `json:"position,omitempty"`

	extra map[string]json.RawMessage
}

var authoringBlockKnownKeys = map[string]struct{}{
	"id": {}, "kind": {}, "enabled": {}, "params": {}, "position": {},
}

// UnmarshalJSON captures any field this engine doesn't recognize so
// Deserialize can hand it back unchanged.
func (b *AuthoringBlock) UnmarshalJSON(data []byte) error {
	type alias AuthoringBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = AuthoringBlock(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := authoringBlockKnownKeys[k]; known {
			continue
		}
		if b.extra == nil {
			b.extra = map[string]json.RawMessage{}
		}
		b.extra[k] = v
	}
	return nil
}

func (b AuthoringBlock) MarshalJSON() ([]byte, error) {
	type alias AuthoringBlock
	out := map[string]json.RawMessage{}
	for k, v := range b.extra {
		out[k] = v
	}
	known, err := json.Marshal(alias(b))
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// AuthoringWorkflow is the human-editable form: blocks keyed by name,
// edges, and loops, plus any top-level keys the engine doesn't know.
type AuthoringWorkflow struct {
	Version string                    `json:"version"`
	Blocks  map[string]AuthoringBlock `json:"blocks"`
	Edges   []Connection              `json:"edges"`
	Loops   map[string]Loop           `json:"loops,omitempty"`
	extra   map[string]json.RawMessage
}

var authoringWorkflowKnownKeys = map[string]struct{}{
	"version": {}, "blocks": {}, "edges": {}, "loops": {},
}

func (w *AuthoringWorkflow) UnmarshalJSON(data []byte) error {
	type alias AuthoringWorkflow
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*w = AuthoringWorkflow(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := authoringWorkflowKnownKeys[k]; known {
			continue
		}
		if w.extra == nil {
			w.extra = map[string]json.RawMessage{}
		}
		w.extra[k] = v
	}
	return nil
}

func (w AuthoringWorkflow) MarshalJSON() ([]byte, error) {
	type alias AuthoringWorkflow
	out := map[string]json.RawMessage{}
	for k, v := range w.extra {
		out[k] = v
	}
	known, err := json.Marshal(alias(w))
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// NormalizeName is the case-insensitive, whitespace-collapsed form of
// a block name used as the resolver's lookup key. Normalization
// happens exactly once, here, at serialize time; the resolver then
// does constant-time lookups.
func NormalizeName(name string) string {
	fields := strings.Fields(name)
	return strings.ToLower(strings.Join(fields, " "))
}

// SerializeOptions controls optional validation performed by Serialize.
type SerializeOptions struct {
	ValidateRequired bool
}

// Serialize converts an authoring-form workflow into the executable
// form, building the name index and validating graph invariants. It
// never performs I/O; every failure is returned synchronously.
func Serialize(aw AuthoringWorkflow, isKnownKind KindChecker, opts SerializeOptions) (*Workflow, error) {
	w := &Workflow{
		Version:     SchemaVersion,
		Connections: append([]Connection(nil), aw.Edges...),
		Loops:       map[string]Loop{},
		NameIndex:   map[string]string{},
	}
	if aw.Version != "" {
		w.Version = aw.Version
	}
	if aw.extra != nil {
		w.extras = aw.extra
	}

	blockExtras := map[string]map[string]json.RawMessage{}

	// Stable iteration order makes Serialize deterministic for tests
	// even though Go map iteration order is not.
	names := make([]string, 0, len(aw.Blocks))
	for name := range aw.Blocks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ab := aw.Blocks[name]

		if isKnownKind != nil && !isKnownKind(ab.Kind) {
			return nil, errs.Newf(errs.InvalidBlockKind, ab.ID, "block %q has unknown kind %q", name, ab.Kind)
		}

		enabled := true
		if ab.Enabled != nil {
			enabled = *ab.Enabled
		}

		if opts.ValidateRequired {
			for _, spec := range requiredFields[ab.Kind] {
				if spec.Requirement != FieldUserOnlyRequired {
					continue
				}
				if isEmptyParam(ab.Params[spec.Name]) {
					return nil, &errs.Error{
						Kind:    errs.MissingRequiredField,
						BlockID: ab.ID,
						Path:    "blocks." + name + ".params." + spec.Name,
						Message: "required field \"" + spec.Name + "\" is empty",
					}
				}
			}
		}

		normalized := NormalizeName(name)
		if existing, ok := w.NameIndex[normalized]; ok && existing != ab.ID {
			return nil, errs.Newf(errs.InvalidWorkflow, ab.ID, "duplicate block name %q", name)
		}
		w.NameIndex[normalized] = ab.ID

		w.Blocks = append(w.Blocks, Block{
			ID:       ab.ID,
			Kind:     ab.Kind,
			Enabled:  enabled,
			Params:   ab.Params,
			Position: ab.Position,
		})
		if ab.extra != nil {
			blockExtras[ab.ID] = ab.extra
		}
	}
	w.blockExtras = blockExtras

	for id, loop := range aw.Loops {
		loop.ID = id
		w.Loops[id] = loop
	}

	if err := ValidateGraph(w); err != nil {
		return nil, err
	}

	return w, nil
}

func isEmptyParam(v interface{}) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// Deserialize converts the executable form back into the authoring
// form. Recognized fields round-trip exactly; extras captured at
// Serialize time are restored unchanged.
func Deserialize(w *Workflow) AuthoringWorkflow {
	idToName := make(map[string]string, len(w.NameIndex))
	for normalized, id := range w.NameIndex {
		idToName[id] = normalized
	}

	aw := AuthoringWorkflow{
		Version: w.Version,
		Blocks:  make(map[string]AuthoringBlock, len(w.Blocks)),
		Edges:   append([]Connection(nil), w.Connections...),
		Loops:   w.Loops,
		extra:   w.extras,
	}

	for _, b := range w.Blocks {
		name := idToName[b.ID]
		if name == "" {
			name = b.ID
		}
		enabled := b.Enabled
		aw.Blocks[name] = AuthoringBlock{
			ID:       b.ID,
			Kind:     b.Kind,
			Enabled:  &enabled,
			Params:   b.Params,
			Position: b.Position,
			extra:    w.blockExtras[b.ID],
		}
	}

	return aw
}

// ValidationIssue is one entry of the list Validate returns.
type ValidationIssue struct {
	Path    string    `json:"path"`
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Validate checks a workflow's graph invariants and, when
// validateRequired is set, its required fields. It returns nil when
// the workflow is valid and a non-empty issue list otherwise; unlike
// Serialize it reports every empty required field instead of stopping
// at the first, while the graph check contributes at most its first
// violation.
func Validate(w *Workflow, validateRequired bool) []ValidationIssue {
	var issues []ValidationIssue

	if err := ValidateGraph(w); err != nil {
		if e, ok := errs.As(err); ok {
			issues = append(issues, ValidationIssue{Path: e.Path, Kind: e.Kind, Message: e.Message})
		}
	}

	if validateRequired {
		for _, b := range w.Blocks {
			for _, spec := range requiredFields[b.Kind] {
				if spec.Requirement != FieldUserOnlyRequired {
					continue
				}
				if isEmptyParam(b.Params[spec.Name]) {
					issues = append(issues, ValidationIssue{
						Path:    "blocks." + b.ID + ".params." + spec.Name,
						Kind:    errs.MissingRequiredField,
						Message: "required field \"" + spec.Name + "\" is empty",
					})
				}
			}
		}
	}

	return issues
}

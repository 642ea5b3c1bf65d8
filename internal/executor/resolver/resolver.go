// Package resolver materializes a block's concrete input mapping
// immediately before invocation, substituting {{ path }} template
// references against prior block outputs, injected environment
// values, and the innermost loop binding.
//
// The resolver is pure: Resolve takes a snapshot of context state and
// never mutates it, so the same inputs always produce the same
// outputs.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/workflow"
)

var (
	referenceRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	arrayIndexRx   = regexp.MustCompile(`^(.*)\[(\d+)\]$`)
)

// LoopBinding is the index/currentItem pair bound by one enclosing
// loop iteration. Stack order is outermost-first; Resolve consults
// only the last element ("loop.index") -- an outer loop's binding is
// reached by that loop block's own name instead.
type LoopBinding struct {
	LoopID      string
	Index       int
	CurrentItem interface{}
	HasItem     bool
}

// Bindings is the read-only snapshot the resolver consults. Output
// returns a block's recorded output and whether it has executed yet;
// it must not be mutated by the caller after it's captured.
type Bindings struct {
	Workflow  *workflow.Workflow
	Output    func(blockID string) (interface{}, bool)
	Env       map[string]string
	LoopStack []LoopBinding
}

func (b Bindings) innermostLoop() (LoopBinding, bool) {
	if len(b.LoopStack) == 0 {
		return LoopBinding{}, false
	}
	return b.LoopStack[len(b.LoopStack)-1], true
}

// Resolve produces the concrete input mapping for params, substituting
// every {{ ... }} reference found in string values. It returns
// *errs.Error{Kind: errs.UnresolvedReference} when a referenced block
// has not executed yet -- the executor's signal that the block being
// resolved for isn't runnable, not a real failure.
func Resolve(params map[string]interface{}, b Bindings) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved, err := resolveValue(value, b)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func resolveValue(value interface{}, b Bindings) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, b)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			r, err := resolveValue(val, b)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			r, err := resolveValue(val, b)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString implements algorithm step 3: a value that is
// entirely one reference is replaced by the referenced object,
// preserving its type; otherwise every reference found is coerced to
// a string and concatenated into the surrounding text.
func resolveString(s string, b Bindings) (interface{}, error) {
	matches := referenceRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		return resolvePath(path, b)
	}

	var out strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		pathStart, pathEnd := m[2], m[3]
		out.WriteString(s[last:start])

		value, err := resolvePath(s[pathStart:pathEnd], b)
		if err != nil {
			return nil, err
		}
		out.WriteString(coerceToString(value))
		last = end
	}
	out.WriteString(s[last:])
	return out.String(), nil
}

// resolvePath dispatches on the path's first segment: the env
// namespace, the innermost loop binding, or a prior block's name.
func resolvePath(path string, b Bindings) (interface{}, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, errs.New(errs.UnresolvedReference, "", "empty reference path")
	}

	switch segments[0] {
	case "env":
		if len(segments) < 2 {
			return nil, errs.New(errs.UnresolvedReference, "", "env reference missing key")
		}
		value, ok := b.Env[segments[1]]
		if !ok {
			return nil, errs.Newf(errs.UnresolvedReference, "", "env key %q is not set", segments[1])
		}
		return walk(value, segments[2:])

	case "loop":
		binding, ok := b.innermostLoop()
		if !ok {
			return nil, errs.New(errs.UnresolvedReference, "", "no enclosing loop for 'loop' reference")
		}
		if len(segments) < 2 {
			return nil, errs.New(errs.UnresolvedReference, binding.LoopID, "loop reference missing field")
		}
		switch segments[1] {
		case "index":
			return binding.Index, nil
		case "currentItem":
			if !binding.HasItem {
				return nil, errs.Newf(errs.UnresolvedReference, binding.LoopID, "loop %q has no currentItem binding", binding.LoopID)
			}
			return walk(binding.CurrentItem, segments[2:])
		default:
			return nil, errs.Newf(errs.UnresolvedReference, binding.LoopID, "unknown loop field %q", segments[1])
		}

	default:
		normalized := workflow.NormalizeName(segments[0])
		blockID, ok := b.Workflow.NameIndex[normalized]
		if !ok {
			return nil, errs.Newf(errs.UnresolvedReference, "", "no block named %q", segments[0])
		}
		output, executed := b.Output(blockID)
		if !executed {
			return nil, errs.Newf(errs.UnresolvedReference, blockID, "block %q has not executed yet", segments[0])
		}
		return walk(output, segments[1:])
	}
}

// walk descends into value via dotted/array-index path segments.
func walk(value interface{}, segments []string) (interface{}, error) {
	current := value
	for _, seg := range segments {
		if m := arrayIndexRx.FindStringSubmatch(seg); m != nil {
			key, idxStr := m[1], m[2]
			if key != "" {
				next, err := index(current, key)
				if err != nil {
					return nil, err
				}
				current = next
			}
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, errs.Newf(errs.UnresolvedReference, "", "invalid array index %q", idxStr)
			}
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, errs.Newf(errs.UnresolvedReference, "", "array index %d out of bounds", idx)
			}
			current = arr[idx]
			continue
		}
		next, err := index(current, seg)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func index(current interface{}, key string) (interface{}, error) {
	m, ok := current.(map[string]interface{})
	if !ok {
		return nil, errs.Newf(errs.UnresolvedReference, "", "cannot index %q into non-object value", key)
	}
	value, ok := m[key]
	if !ok {
		return nil, errs.Newf(errs.UnresolvedReference, "", "key %q not found", key)
	}
	return value, nil
}

// splitPath splits on unescaped dots; "\." is a literal dot.
func splitPath(path string) []string {
	var parts []string
	var current strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '\\' && i+1 < len(path) && path[i+1] == '.' {
			current.WriteByte('.')
			i++
			continue
		}
		if c == '.' {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteByte(c)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func coerceToString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// secretPatterns are key-name suffixes treated as sensitive.
var secretPatterns = []string{"apikey", "token", "secret", "password"}

// IsSecretKey reports whether a param/field name looks like it holds
// a credential, case-insensitively.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range secretPatterns {
		if strings.HasSuffix(lower, pattern) {
			return true
		}
	}
	return false
}

const RedactedPlaceholder = "***REDACTED***"

// Redact returns a deep copy of value with any map key matching
// IsSecretKey replaced by RedactedPlaceholder, so that secrets never
// reach the trace.
func Redact(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if IsSecretKey(k) {
				out[k] = RedactedPlaceholder
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

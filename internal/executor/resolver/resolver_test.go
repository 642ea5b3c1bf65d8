package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/workflow"
)

func bindingsWith(outputs map[string]interface{}, names map[string]string) Bindings {
	return Bindings{
		Workflow: &workflow.Workflow{NameIndex: names},
		Output: func(id string) (interface{}, bool) {
			v, ok := outputs[id]
			return v, ok
		},
		Env: map[string]string{"API_URL": "https://example.test"},
	}
}

func TestResolveWholeValuePreservesType(t *testing.T) {
	b := bindingsWith(map[string]interface{}{
		"a": map[string]interface{}{"n": float64(3)},
	}, map[string]string{"a": "a"})

	out, err := Resolve(map[string]interface{}{"n": "{{ A.n }}"}, b)
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["n"])
}

func TestResolveMixedStringConcatenates(t *testing.T) {
	b := bindingsWith(map[string]interface{}{
		"a": map[string]interface{}{"n": float64(3)},
	}, map[string]string{"a": "a"})

	out, err := Resolve(map[string]interface{}{"msg": "value is {{ A.n }} exactly"}, b)
	require.NoError(t, err)
	assert.Equal(t, "value is 3 exactly", out["msg"])
}

func TestResolveEnvReference(t *testing.T) {
	b := bindingsWith(nil, nil)
	out, err := Resolve(map[string]interface{}{"url": "{{ env.API_URL }}"}, b)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", out["url"])
}

func TestResolveLoopReference(t *testing.T) {
	b := bindingsWith(nil, nil)
	b.LoopStack = []LoopBinding{{LoopID: "l", Index: 2, CurrentItem: "banana", HasItem: true}}

	out, err := Resolve(map[string]interface{}{
		"idx":  "{{ loop.index }}",
		"item": "{{ loop.currentItem }}",
	}, b)
	require.NoError(t, err)
	assert.Equal(t, 2, out["idx"])
	assert.Equal(t, "banana", out["item"])
}

func TestResolveUnexecutedBlockIsUnresolvedReference(t *testing.T) {
	b := bindingsWith(nil, map[string]string{"a": "a"})
	_, err := Resolve(map[string]interface{}{"n": "{{ A.n }}"}, b)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.UnresolvedReference, e.Kind)
}

func TestResolveNameIsCaseInsensitiveAndWhitespaceNormalized(t *testing.T) {
	b := bindingsWith(map[string]interface{}{
		"a": map[string]interface{}{"v": "ok"},
	}, map[string]string{"my block": "a"})

	out, err := Resolve(map[string]interface{}{"v": "{{ My   Block.v }}"}, b)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["v"])
}

func TestResolveArrayIndexing(t *testing.T) {
	b := bindingsWith(map[string]interface{}{
		"a": map[string]interface{}{
			"items": []interface{}{"x", "y", "z"},
		},
	}, map[string]string{"a": "a"})

	out, err := Resolve(map[string]interface{}{"first": "{{ A.items[1] }}"}, b)
	require.NoError(t, err)
	assert.Equal(t, "y", out["first"])
}

func TestRedactMasksSecretLikeKeys(t *testing.T) {
	input := map[string]interface{}{
		"apiKey": "sk-live-12345",
		"nested": map[string]interface{}{
			"password": "hunter2",
			"safe":     "visible",
		},
		"items": []interface{}{
			map[string]interface{}{"authToken": "abc"},
		},
	}

	out := Redact(input).(map[string]interface{})
	assert.Equal(t, RedactedPlaceholder, out["apiKey"])

	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, RedactedPlaceholder, nested["password"])
	assert.Equal(t, "visible", nested["safe"])

	items := out["items"].([]interface{})
	first := items[0].(map[string]interface{})
	assert.Equal(t, RedactedPlaceholder, first["authToken"])
}

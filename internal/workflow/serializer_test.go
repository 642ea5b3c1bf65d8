package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/internal/errs"
)

func knownKinds(kind string) bool {
	switch kind {
	case KindStarter, KindAgent, KindFunction, KindAPI, KindCondition, KindRouter, KindLoop:
		return true
	}
	return IsToolKind(kind)
}

func linearWorkflow() AuthoringWorkflow {
	return AuthoringWorkflow{
		Version: SchemaVersion,
		Blocks: map[string]AuthoringBlock{
			"Start": {ID: "start", Kind: KindStarter},
			"A":     {ID: "a", Kind: KindFunction, Params: map[string]interface{}{"script": "x"}},
			"B":     {ID: "b", Kind: KindFunction, Params: map[string]interface{}{"script": "y"}},
		},
		Edges: []Connection{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
		},
	}
}

func TestSerializeBuildsNameIndex(t *testing.T) {
	w, err := Serialize(linearWorkflow(), knownKinds, SerializeOptions{})
	require.NoError(t, err)

	assert.Equal(t, "start", w.NameIndex["start"])
	assert.Equal(t, "a", w.NameIndex["a"])
	assert.Equal(t, "b", w.NameIndex["b"])
}

func TestSerializeNormalizesNames(t *testing.T) {
	aw := linearWorkflow()
	block := aw.Blocks["A"]
	delete(aw.Blocks, "A")
	aw.Blocks["  My   Block "] = block

	w, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, block.ID, w.NameIndex["my block"])
}

func TestSerializeRejectsUnknownKind(t *testing.T) {
	aw := linearWorkflow()
	block := aw.Blocks["A"]
	block.Kind = "mystery"
	aw.Blocks["A"] = block

	_, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.InvalidBlockKind, e.Kind)
}

func TestSerializeValidateRequiredCatchesEmptyField(t *testing.T) {
	aw := linearWorkflow()
	aw.Blocks["Cond"] = AuthoringBlock{
		ID:     "cond",
		Kind:   KindCondition,
		Params: map[string]interface{}{"condition": ""},
	}

	_, err := Serialize(aw, knownKinds, SerializeOptions{ValidateRequired: true})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.MissingRequiredField, e.Kind)
}

func TestSerializeAllowsUserOrLLMFieldEmpty(t *testing.T) {
	aw := linearWorkflow()
	aw.Blocks["Fn"] = AuthoringBlock{
		ID:     "fn",
		Kind:   KindFunction,
		Params: map[string]interface{}{},
	}
	aw.Edges = append(aw.Edges, Connection{Source: "b", Target: "fn"})

	_, err := Serialize(aw, knownKinds, SerializeOptions{ValidateRequired: true})
	assert.NoError(t, err)
}

func TestSerializeRejectsMissingStarter(t *testing.T) {
	aw := linearWorkflow()
	delete(aw.Blocks, "Start")
	aw.Edges = nil

	_, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.InvalidWorkflow, e.Kind)
}

func TestSerializeRejectsCycleOutsideLoop(t *testing.T) {
	aw := linearWorkflow()
	aw.Edges = append(aw.Edges, Connection{Source: "b", Target: "a"})

	_, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.InvalidWorkflow, e.Kind)
}

func TestSerializeAllowsDeclaredLoopBackEdge(t *testing.T) {
	aw := linearWorkflow()
	aw.Blocks["Loop"] = AuthoringBlock{ID: "loop", Kind: KindLoop}
	aw.Blocks["Done"] = AuthoringBlock{ID: "done", Kind: KindFunction}
	aw.Edges = []Connection{
		{Source: "start", Target: "loop"},
		{Source: "loop", Target: "a", SourceHandle: HandleLoopStart},
		{Source: "a", Target: "b"},
		{Source: "b", Target: "loop"}, // back-edge, closes the loop
		{Source: "loop", Target: "done", SourceHandle: HandleLoopEnd},
	}
	aw.Loops = map[string]Loop{
		"loop": {Nodes: []string{"a", "b"}, Iterations: 3, LoopType: LoopTypeFor},
	}

	w, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, w.Loops["loop"].Iterations)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	aw := linearWorkflow()
	w, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.NoError(t, err)

	back := Deserialize(w)
	assert.ElementsMatch(t, []string{"Start", "A", "B"}, keysOf(back.Blocks))
	assert.Equal(t, aw.Edges, back.Edges)
}

func TestSerializeDeserializePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"version": "2.0",
		"blocks": {
			"Start": {"id":"start","kind":"starter","uiColor":"#fff"}
		},
		"edges": [],
		"note": "authoring-only metadata"
	}`)
	var aw AuthoringWorkflow
	require.NoError(t, json.Unmarshal(raw, &aw))

	w, err := Serialize(aw, knownKinds, SerializeOptions{})
	require.NoError(t, err)

	back := Deserialize(w)
	out, err := json.Marshal(back)
	require.NoError(t, err)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, "authoring-only metadata", roundTripped["note"])

	blocks := roundTripped["blocks"].(map[string]interface{})
	start := blocks["Start"].(map[string]interface{})
	assert.Equal(t, "#fff", start["uiColor"])
}

func keysOf(m map[string]AuthoringBlock) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

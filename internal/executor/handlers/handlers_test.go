package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor/resolver"
	"github.com/flowforge/engine/internal/workflow"
)

func TestStarterPassesRunInputThrough(t *testing.T) {
	out, err := Starter{}.Invoke(context.Background(), Input{RunInput: map[string]interface{}{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1}, out.Data)
}

func TestConditionBranchesOnExpression(t *testing.T) {
	c := NewCondition(8)
	out, err := c.Invoke(context.Background(), Input{
		Params: map[string]interface{}{"condition": "input.n > 10", "n": 15},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.HandleConditionTrue, out.Branch)
	assert.Equal(t, true, out.Data.(map[string]interface{})["evaluated"])
}

func TestConditionMissingFieldFails(t *testing.T) {
	c := NewCondition(8)
	_, err := c.Invoke(context.Background(), Input{Params: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestRouterResolvesTargetID(t *testing.T) {
	r := NewRouter(8)
	out, err := r.Invoke(context.Background(), Input{
		Params: map[string]interface{}{"expression": `input.useFast ? "fastPath" : "slowPath"`, "useFast": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "fastPath", out.RouteTo)
}

func TestLoopSurfacesIterationBinding(t *testing.T) {
	out, err := Loop{}.Invoke(context.Background(), Input{
		Loop: resolver.LoopBinding{Index: 2, CurrentItem: "c", HasItem: true},
	})
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})["loop"].(map[string]interface{})
	assert.Equal(t, 2, data["index"])
	assert.Equal(t, "c", data["currentItem"])
}

func TestFunctionEvaluatesScriptResult(t *testing.T) {
	f := NewFunction()
	out, err := f.Invoke(context.Background(), Input{
		BlockID: "calc",
		Params:  map[string]interface{}{"script": "result = input.a + input.b;", "a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Data)
}

func TestFunctionSandboxHidesHostGlobals(t *testing.T) {
	f := NewFunction()
	out, err := f.Invoke(context.Background(), Input{
		BlockID: "bad",
		Params:  map[string]interface{}{"script": "result = typeof require;"},
	})
	require.NoError(t, err)
	assert.Equal(t, "undefined", out.Data)
}

func TestAPIInvokesHTTPAndParsesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	a := NewAPI()
	out, err := a.Invoke(context.Background(), Input{
		BlockID: "call",
		Params:  map[string]interface{}{"url": server.URL, "method": "GET"},
	})
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, 200, data["statusCode"])
}

func TestAPIRejectsNonHTTPScheme(t *testing.T) {
	a := NewAPI()
	_, err := a.Invoke(context.Background(), Input{
		BlockID: "call",
		Params:  map[string]interface{}{"url": "file:///etc/passwd"},
	})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.BlockFailed, e.Kind)
}

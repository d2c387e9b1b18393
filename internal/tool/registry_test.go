package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeTool(name string) Tool {
	return FuncTool{
		ToolName:        name,
		ToolDescription: "fake " + name,
		Schema:          json.RawMessage(`{"type":"object"}`),
		Fn: func(_ context.Context, _ json.RawMessage) (string, error) {
			return "ok:" + name, nil
		},
	}
}

func TestRegister_HappyPath(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeTool("alpha")))
	require.Equal(t, 1, r.Len())

	got, ok := r.Get("alpha")
	require.True(t, ok)
	out, err := got.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "ok:alpha", out)
}

func TestRegister_EmptyName(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(FuncTool{}))
}

func TestRegister_ReplaceResetsEnabled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeTool("alpha")))
	require.True(t, r.Disable("alpha"))

	require.NoError(t, r.Register(fakeTool("alpha")))
	_, ok := r.Get("alpha")
	require.True(t, ok)
}

func TestDisable_HidesFromGetAndDefinitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeTool("alpha")))
	require.NoError(t, r.Register(fakeTool("beta")))

	require.True(t, r.Disable("beta"))
	_, ok := r.Get("beta")
	require.False(t, ok)

	defs := r.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "alpha", defs[0].Name)

	// Still registered, just hidden.
	require.Equal(t, 2, r.Len())
	require.Equal(t, []string{"alpha", "beta"}, r.Names())

	require.True(t, r.Enable("beta"))
	require.Len(t, r.Definitions(), 2)
}

func TestDisable_UnknownName(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Disable("ghost"))
	require.False(t, r.Enable("ghost"))
}

func TestDefinitions_SortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(fakeTool(name)))
	}
	defs := r.Definitions()
	require.Len(t, defs, 3)
	require.Equal(t, "alpha", defs[0].Name)
	require.Equal(t, "mid", defs[1].Name)
	require.Equal(t, "zeta", defs[2].Name)
}

func TestList_ReportsEnabledState(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeTool("beta")))
	require.NoError(t, r.Register(fakeTool("alpha")))
	require.True(t, r.Disable("beta"))

	got := r.List()
	require.Equal(t, []Status{
		{Name: "alpha", Description: "fake alpha", Enabled: true},
		{Name: "beta", Description: "fake beta", Enabled: false},
	}, got)
}

func TestUnregisterAndClear(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeTool("alpha")))
	require.NoError(t, r.Register(fakeTool("beta")))

	require.True(t, r.Unregister("alpha"))
	require.Equal(t, 1, r.Len())
	require.False(t, r.Unregister("alpha"))

	r.Clear()
	require.Equal(t, 0, r.Len())
}

func TestBuiltins_AllRegister(t *testing.T) {
	r := NewRegistry()
	for _, b := range Builtins() {
		require.NoError(t, r.Register(b))
	}
	require.Equal(t, 3, r.Len())
}

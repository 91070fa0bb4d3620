// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprouter/mcprouter/pkg/router"
	"github.com/mcprouter/mcprouter/pkg/router/registry"
)

func toolSet(names ...string) router.CapabilitySet {
	set := router.CapabilitySet{
		ServerCapabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
		},
	}
	for _, n := range names {
		set.Tools = append(set.Tools, mcp.Tool{Name: n})
	}
	return set
}

func TestRegisterKeepsFirstOwnerBare(t *testing.T) {
	t.Parallel()

	r := registry.New(false)
	require.NoError(t, r.Register("alpha", toolSet("search")))
	require.NoError(t, r.Register("beta", toolSet("search")))

	owner, raw, err := r.Resolve(router.KindTool, "search")
	require.NoError(t, err)
	assert.Equal(t, "alpha", owner)
	assert.Equal(t, "search", raw)

	owner, raw, err = r.Resolve(router.KindTool, "beta.search")
	require.NoError(t, err)
	assert.Equal(t, "beta", owner)
	assert.Equal(t, "search", raw)

	// The colliding backend is reachable only under its prefixed name.
	names := make([]string, 0)
	for _, tool := range r.Tools() {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"search", "beta.search"}, names)
}

func TestRegisterStrictModeRollsBack(t *testing.T) {
	t.Parallel()

	r := registry.New(true)
	require.NoError(t, r.Register("alpha", toolSet("search")))

	set := toolSet("translate", "search", "summarize")
	err := r.Register("beta", set)
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrDuplicateCapability)

	// Nothing from the rejected backend made it in, not even the
	// non-colliding entries planned before the collision.
	for _, name := range []string{"translate", "summarize", "beta.search"} {
		_, _, err := r.Resolve(router.KindTool, name)
		assert.ErrorIs(t, err, router.ErrCapabilityNotFound, name)
	}
	assert.Equal(t, []string{"alpha"}, r.Owners())
}

func TestRegisterSeparatorsPerKind(t *testing.T) {
	t.Parallel()

	set := router.CapabilitySet{
		Tools:     []mcp.Tool{{Name: "search"}},
		Prompts:   []mcp.Prompt{{Name: "greeting"}},
		Resources: []mcp.Resource{{URI: "file:///data.txt"}},
	}

	r := registry.New(false)
	require.NoError(t, r.Register("alpha", set))
	require.NoError(t, r.Register("beta", set))

	tests := []struct {
		kind    router.Kind
		exposed string
	}{
		{router.KindTool, "beta.search"},
		{router.KindPrompt, "beta.greeting"},
		{router.KindResource, "beta:file:///data.txt"},
	}
	for _, tc := range tests {
		owner, _, err := r.Resolve(tc.kind, tc.exposed)
		require.NoError(t, err, tc.exposed)
		assert.Equal(t, "beta", owner)
	}
}

func TestUnregisterRemovesOnlyOwnerEntries(t *testing.T) {
	t.Parallel()

	r := registry.New(false)
	require.NoError(t, r.Register("alpha", toolSet("search", "fetch")))
	require.NoError(t, r.Register("beta", toolSet("search")))

	r.Unregister("alpha")

	for _, name := range []string{"search", "fetch"} {
		_, _, err := r.Resolve(router.KindTool, name)
		assert.ErrorIs(t, err, router.ErrCapabilityNotFound, name)
	}

	// The other backend keeps the name it registered under, prefixed.
	owner, raw, err := r.Resolve(router.KindTool, "beta.search")
	require.NoError(t, err)
	assert.Equal(t, "beta", owner)
	assert.Equal(t, "search", raw)
}

func TestSnapshotAggregatesCapabilityFlags(t *testing.T) {
	t.Parallel()

	r := registry.New(false)
	assert.Equal(t, router.AggregateDescriptor{}, r.Snapshot())

	require.NoError(t, r.Register("alpha", toolSet("search")))
	require.NoError(t, r.Register("beta", router.CapabilitySet{
		Prompts: []mcp.Prompt{{Name: "greeting"}},
		ServerCapabilities: mcp.ServerCapabilities{
			Prompts: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
			Logging: &struct{}{},
		},
	}))

	agg := r.Snapshot()
	assert.True(t, agg.HasTools)
	assert.True(t, agg.HasPrompts)
	assert.True(t, agg.HasLogging)
	assert.False(t, agg.HasResources)

	r.Unregister("alpha")
	agg = r.Snapshot()
	assert.False(t, agg.HasTools)
	assert.True(t, agg.HasPrompts)
}

func TestResourceTemplateRenaming(t *testing.T) {
	t.Parallel()

	tmpl := mcp.NewResourceTemplate("file:///{path}", "files")
	set := router.CapabilitySet{ResourceTemplates: []mcp.ResourceTemplate{tmpl}}

	r := registry.New(false)
	require.NoError(t, r.Register("alpha", set))
	require.NoError(t, r.Register("beta", set))

	owner, raw, err := r.Resolve(router.KindResourceTemplate, "beta:file:///{path}")
	require.NoError(t, err)
	assert.Equal(t, "beta", owner)
	assert.Equal(t, "file:///{path}", raw)

	exposed := make([]string, 0)
	for _, rt := range r.ResourceTemplates() {
		exposed = append(exposed, rt.URITemplate.Raw())
	}
	assert.ElementsMatch(t, []string{"file:///{path}", "beta:file:///{path}"}, exposed)
}

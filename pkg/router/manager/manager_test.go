// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mcprouter/mcprouter/pkg/router"
	"github.com/mcprouter/mcprouter/pkg/router/mocks"
	"github.com/mcprouter/mcprouter/pkg/router/manager"
	"github.com/mcprouter/mcprouter/pkg/router/registry"
)

// fakeBackend is an in-memory manager.Backend with canned capabilities.
type fakeBackend struct {
	id          string
	tools       []mcp.Tool
	prompts     []mcp.Prompt
	connectErr  error
	healthy     bool
	closed      bool
	calledTools []string

	mu sync.Mutex
}

func (f *fakeBackend) ID() string { return f.id }

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.healthy = true
	return nil
}

func (f *fakeBackend) Capabilities(context.Context) (router.CapabilitySet, error) {
	set := router.CapabilitySet{Tools: f.tools, Prompts: f.prompts}
	if len(f.tools) > 0 {
		set.ServerCapabilities.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{}
	}
	return set, nil
}

func (f *fakeBackend) RequestClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeBackend) Close() error {
	f.RequestClose()
	return nil
}

func (f *fakeBackend) ListTools(context.Context) ([]mcp.Tool, error)       { return f.tools, nil }
func (f *fakeBackend) ListPrompts(context.Context) ([]mcp.Prompt, error)   { return f.prompts, nil }
func (f *fakeBackend) ListResources(context.Context) ([]mcp.Resource, error) { return nil, nil }
func (f *fakeBackend) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}

func (f *fakeBackend) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calledTools = append(f.calledTools, name)
	f.mu.Unlock()
	return mcp.NewToolResultText("ok from " + f.id), nil
}

func (f *fakeBackend) GetPrompt(_ context.Context, name string, _ map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: f.id + "/" + name}, nil
}

func (f *fakeBackend) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeBackend) Complete(context.Context, mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}

// fakeFactory hands out pre-built backends by spec id.
func fakeFactory(backends map[string]*fakeBackend) manager.Factory {
	return func(spec router.ConnectionSpec) manager.Backend {
		if b, ok := backends[spec.ID]; ok {
			return b
		}
		return &fakeBackend{id: spec.ID}
	}
}

func sseSpec(id string) router.ConnectionSpec {
	return router.ConnectionSpec{
		ID:  id,
		SSE: &router.SSESpec{URL: "http://" + id + ".internal/sse"},
	}
}

func searchBackend(id string) *fakeBackend {
	return &fakeBackend{
		id:    id,
		tools: []mcp.Tool{{Name: "search"}},
	}
}

func newManager(backends map[string]*fakeBackend) *manager.Manager {
	return manager.New(registry.New(false), manager.WithFactory(fakeFactory(backends)))
}

func TestAddConnectionDuplicateID(t *testing.T) {
	t.Parallel()

	m := newManager(map[string]*fakeBackend{"alpha": searchBackend("alpha")})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))

	err := m.AddConnection(context.Background(), sseSpec("alpha"))
	assert.ErrorIs(t, err, router.ErrAlreadyExists)
}

func TestAddConnectionInvalidSpec(t *testing.T) {
	t.Parallel()

	m := newManager(nil)
	err := m.AddConnection(context.Background(), router.ConnectionSpec{ID: "bad"})
	assert.ErrorIs(t, err, router.ErrInvalidSpec)
}

func TestAddConnectionUnhealthyIsNonFatal(t *testing.T) {
	t.Parallel()

	failing := searchBackend("alpha")
	failing.connectErr = errors.New("handshake refused")
	m := newManager(map[string]*fakeBackend{"alpha": failing})

	// Connect failure is partial availability, not an error.
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))
	assert.Empty(t, m.IDs())
	assert.True(t, failing.closed)

	// The id was discarded, so a later attempt under the same id succeeds.
	failing.connectErr = nil
	failing.closed = false
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))
	assert.Equal(t, []string{"alpha"}, m.IDs())
}

func TestRemoveConnectionUnknownID(t *testing.T) {
	t.Parallel()

	m := newManager(nil)
	err := m.RemoveConnection("ghost")
	assert.ErrorIs(t, err, router.ErrNotFound)
}

func TestRemoveConnectionUnregistersCapabilities(t *testing.T) {
	t.Parallel()

	alpha := searchBackend("alpha")
	m := newManager(map[string]*fakeBackend{"alpha": alpha})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))
	require.Len(t, m.ListTools(context.Background()), 1)

	require.NoError(t, m.RemoveConnection("alpha"))
	assert.True(t, alpha.closed)
	assert.Empty(t, m.ListTools(context.Background()))
	assert.Empty(t, m.IDs())
}

func TestReconcileEmptyIsNoOp(t *testing.T) {
	t.Parallel()

	alpha := searchBackend("alpha")
	m := newManager(map[string]*fakeBackend{"alpha": alpha})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))

	require.NoError(t, m.Reconcile(context.Background(), nil))
	require.NoError(t, m.Reconcile(context.Background(), []router.ConnectionSpec{}))

	assert.Equal(t, []string{"alpha"}, m.IDs())
	assert.False(t, alpha.closed)
}

func TestReconcileSameSetIsNoOp(t *testing.T) {
	t.Parallel()

	alpha := searchBackend("alpha")
	m := newManager(map[string]*fakeBackend{"alpha": alpha})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))

	require.NoError(t, m.Reconcile(context.Background(), []router.ConnectionSpec{sseSpec("alpha")}))

	assert.Equal(t, []string{"alpha"}, m.IDs())
	assert.False(t, alpha.closed)
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	t.Parallel()

	alpha := searchBackend("alpha")
	beta := searchBackend("beta")
	gamma := searchBackend("gamma")
	m := newManager(map[string]*fakeBackend{"alpha": alpha, "beta": beta, "gamma": gamma})

	require.NoError(t, m.Reconcile(context.Background(),
		[]router.ConnectionSpec{sseSpec("alpha"), sseSpec("beta")}))
	assert.Equal(t, []string{"alpha", "beta"}, m.IDs())

	require.NoError(t, m.Reconcile(context.Background(),
		[]router.ConnectionSpec{sseSpec("beta"), sseSpec("gamma")}))
	assert.Equal(t, []string{"beta", "gamma"}, m.IDs())
	assert.True(t, alpha.closed)
	assert.False(t, beta.closed)
}

func TestReconcileIsolatesPerBackendFailures(t *testing.T) {
	t.Parallel()

	bad := searchBackend("bad")
	bad.connectErr = errors.New("no route to host")
	good := searchBackend("good")
	m := newManager(map[string]*fakeBackend{"bad": bad, "good": good})

	require.NoError(t, m.Reconcile(context.Background(),
		[]router.ConnectionSpec{sseSpec("bad"), sseSpec("good")}))

	assert.Equal(t, []string{"good"}, m.IDs())
}

func TestCallToolRoutesToOwner(t *testing.T) {
	t.Parallel()

	alpha := searchBackend("alpha")
	beta := searchBackend("beta")
	m := newManager(map[string]*fakeBackend{"alpha": alpha, "beta": beta})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("beta")))

	result, err := m.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"search"}, alpha.calledTools)

	result, err = m.CallTool(context.Background(), "beta.search", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	// The backend sees its native name, not the namespaced one.
	assert.Equal(t, []string{"search"}, beta.calledTools)
}

func TestCallToolUnknownReturnsErrorResult(t *testing.T) {
	t.Parallel()

	m := newManager(nil)
	result, err := m.CallTool(context.Background(), "nonexistent", nil)
	require.NoError(t, err)
	require.True(t, result.IsError)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "Tool not found: nonexistent", text.Text)
}

func TestNamespaceLifecycleAcrossRemoval(t *testing.T) {
	t.Parallel()

	alpha := searchBackend("alpha")
	beta := searchBackend("beta")
	m := newManager(map[string]*fakeBackend{"alpha": alpha, "beta": beta})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("beta")))

	// First owner keeps the bare name, the collider is prefixed.
	result, err := m.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NoError(t, m.RemoveConnection("alpha"))

	// The bare name died with its owner; the prefixed one still routes.
	result, err = m.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = m.CallTool(context.Background(), "beta.search", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestGetPromptUnknown(t *testing.T) {
	t.Parallel()

	m := newManager(nil)
	_, err := m.GetPrompt(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, router.ErrCapabilityNotFound)
}

func TestCompleteRewritesPromptReference(t *testing.T) {
	t.Parallel()

	alpha := &fakeBackend{id: "alpha", prompts: []mcp.Prompt{{Name: "greeting"}}}
	beta := &fakeBackend{id: "beta", prompts: []mcp.Prompt{{Name: "greeting"}}}
	m := newManager(map[string]*fakeBackend{"alpha": alpha, "beta": beta})
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("beta")))

	_, err := m.Complete(context.Background(),
		router.CompletionRef{Kind: router.KindPrompt, Name: "beta.greeting"},
		router.CompletionArgument{Name: "user", Value: "Al"})
	require.NoError(t, err)

	_, err = m.Complete(context.Background(),
		router.CompletionRef{Kind: router.KindPrompt, Name: "ghost"},
		router.CompletionArgument{})
	assert.ErrorIs(t, err, router.ErrCapabilityNotFound)
}

func TestCallToolTracksAccessEvent(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mon := mocks.NewMockAccessMonitor(ctrl)
	mon.EXPECT().TrackEvent(gomock.Any(), gomock.Cond(func(e router.AccessEvent) bool {
		return e.Kind == router.EventToolCall && e.BackendID == "alpha" && e.Success
	}))

	m := manager.New(registry.New(false),
		manager.WithFactory(fakeFactory(map[string]*fakeBackend{"alpha": searchBackend("alpha")})),
		manager.WithAccessMonitor(mon),
	)
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))

	_, err := m.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
}

func TestUnknownToolDoesNotTrack(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mon := mocks.NewMockAccessMonitor(ctrl)
	// No EXPECT: a tool that resolves to nothing never reaches a backend,
	// so there is nothing to account for.

	m := manager.New(registry.New(false),
		manager.WithFactory(fakeFactory(map[string]*fakeBackend{"alpha": searchBackend("alpha")})),
		manager.WithAccessMonitor(mon),
	)
	require.NoError(t, m.AddConnection(context.Background(), sseSpec("alpha")))

	result, err := m.CallTool(context.Background(), "nonexistent", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

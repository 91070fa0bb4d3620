// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manager owns the live set of backend connections and is the
// dispatch point for every aggregated request. It is the single writer of
// the capability registry: backends enter the namespace when they connect
// healthy and leave it when they are removed or reconciled away.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/router"
	"github.com/mcprouter/mcprouter/pkg/router/backend"
	"github.com/mcprouter/mcprouter/pkg/router/registry"
)

// Backend is the connection surface the manager drives. Implemented by
// backend.Connection; tests substitute fakes.
type Backend interface {
	router.BackendClient

	ID() string
	Healthy() bool
	Connect(ctx context.Context) error
	Capabilities(ctx context.Context) (router.CapabilitySet, error)
	RequestClose()
	Close() error
}

// Factory builds a Backend for a validated connection spec.
type Factory func(spec router.ConnectionSpec) Backend

// Manager is the connection registry and request router.
type Manager struct {
	factory Factory
	reg     *registry.Registry
	monitor router.AccessMonitor

	mu    sync.RWMutex
	conns map[string]Backend
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory replaces the default backend.Connection factory.
func WithFactory(f Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithAccessMonitor attaches a best-effort access monitor to dispatch.
func WithAccessMonitor(mon router.AccessMonitor) Option {
	return func(m *Manager) {
		m.monitor = mon
	}
}

// WithConnectTimeout sets the connect/handshake deadline used by the
// default factory.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.factory = func(spec router.ConnectionSpec) Backend {
			return backend.New(spec, backend.WithConnectTimeout(d))
		}
	}
}

// New creates a manager over the given capability registry.
func New(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		reg:   reg,
		conns: make(map[string]Backend),
		factory: func(spec router.ConnectionSpec) Backend {
			return backend.New(spec)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddConnection constructs a backend connection for spec, connects it, and
// registers its capabilities. A spec whose id is already present returns
// ErrAlreadyExists. A backend that fails to connect is logged and discarded
// without error: partial availability is not a reconcile failure. A
// capability collision in strict mode returns ErrDuplicateCapability and the
// backend is torn down.
func (m *Manager) AddConnection(ctx context.Context, spec router.ConnectionSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	conn := m.factory(spec)

	m.mu.Lock()
	if _, exists := m.conns[spec.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", router.ErrAlreadyExists, spec.ID)
	}
	// Reserve the id before the handshake so a concurrent add of the same
	// id fails fast instead of racing.
	m.conns[spec.ID] = conn
	m.mu.Unlock()

	discard := func() {
		m.mu.Lock()
		delete(m.conns, spec.ID)
		m.mu.Unlock()
		if err := conn.Close(); err != nil {
			logger.Debugf("Closing discarded backend %s: %v", spec.ID, err)
		}
	}

	if err := conn.Connect(ctx); err != nil || !conn.Healthy() {
		logger.Warnf("Backend %s failed to connect, skipping: %v", spec.ID, err)
		discard()
		return nil
	}

	caps, err := conn.Capabilities(ctx)
	if err != nil {
		logger.Warnf("Backend %s connected but capability listing failed, skipping: %v", spec.ID, err)
		discard()
		return nil
	}

	if err := m.reg.Register(spec.ID, caps); err != nil {
		discard()
		return fmt.Errorf("registering backend %s: %w", spec.ID, err)
	}

	logger.Infof("Backend %s registered: %d tools, %d prompts, %d resources, %d resource templates",
		spec.ID, len(caps.Tools), len(caps.Prompts), len(caps.Resources), len(caps.ResourceTemplates))
	return nil
}

// RemoveConnection tears down the backend with the given id and removes
// every capability it owns from the namespace. An unknown id returns
// ErrNotFound.
func (m *Manager) RemoveConnection(id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", router.ErrNotFound, id)
	}
	delete(m.conns, id)
	m.mu.Unlock()

	conn.RequestClose()
	m.reg.Unregister(id)

	logger.Infof("Backend %s removed", id)
	return nil
}

// Reconcile brings the live backend set in line with specs: backends absent
// from specs are removed, new ids are added. Per-id failures are logged and
// do not stop the rest of the reconcile. An empty spec list is a no-op so a
// transiently empty configuration never tears down a working aggregate.
func (m *Manager) Reconcile(ctx context.Context, specs []router.ConnectionSpec) error {
	if len(specs) == 0 {
		logger.Debug("Reconcile called with no specs, leaving backend set untouched")
		return nil
	}

	desired := make(map[string]router.ConnectionSpec, len(specs))
	for _, spec := range specs {
		desired[spec.ID] = spec
	}

	current := m.IDs()

	var toRemove []string
	for _, id := range current {
		if _, keep := desired[id]; !keep {
			toRemove = append(toRemove, id)
		}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	var toAdd []router.ConnectionSpec
	for _, spec := range specs {
		if _, have := currentSet[spec.ID]; !have {
			toAdd = append(toAdd, spec)
		}
	}

	if len(toRemove) == 0 && len(toAdd) == 0 {
		logger.Debug("Reconcile found no changes")
		return nil
	}
	logger.Infof("Reconciling backends: %d to remove, %d to add", len(toRemove), len(toAdd))

	for _, id := range toRemove {
		if err := m.RemoveConnection(id); err != nil {
			logger.Errorf("Reconcile: removing backend %s: %v", id, err)
		}
	}
	// Connect new backends in parallel with a bound, so one slow handshake
	// does not serialize the rest. Per-id failures are logged, not fatal.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, spec := range toAdd {
		g.Go(func() error {
			if err := m.AddConnection(ctx, spec); err != nil {
				logger.Errorf("Reconcile: adding backend %s: %v", spec.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IDs returns the ids of every registered connection, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown closes every backend connection. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]Backend, 0, len(m.conns))
	for id, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.reg.Unregister(conn.ID())
		if err := conn.Close(); err != nil {
			logger.Debugf("Closing backend %s on shutdown: %v", conn.ID(), err)
		}
	}
}

// connection returns the live backend for id.
func (m *Manager) connection(id string) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrNotFound, id)
	}
	return conn, nil
}

// Snapshot returns the aggregate capability advertisement.
func (m *Manager) Snapshot() router.AggregateDescriptor {
	return m.reg.Snapshot()
}

// ListTools returns every exposed tool.
func (m *Manager) ListTools(context.Context) []mcp.Tool {
	return m.reg.Tools()
}

// ListPrompts returns every exposed prompt.
func (m *Manager) ListPrompts(context.Context) []mcp.Prompt {
	return m.reg.Prompts()
}

// ListResources returns every exposed resource.
func (m *Manager) ListResources(context.Context) []mcp.Resource {
	return m.reg.Resources()
}

// ListResourceTemplates returns every exposed resource template.
func (m *Manager) ListResourceTemplates(context.Context) []mcp.ResourceTemplate {
	return m.reg.ResourceTemplates()
}

// CallTool resolves an exposed tool name and forwards the call to its
// backend. An unknown name comes back as a protocol-level error result, not
// an error: clients see "Tool not found", the router keeps running.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	start := time.Now()

	ownerID, rawName, err := m.reg.Resolve(router.KindTool, name)
	if err != nil {
		// No backend was involved, so there is nothing to account for.
		return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", name)), nil
	}

	conn, err := m.connection(ownerID)
	if err != nil {
		m.track(ctx, router.EventToolCall, ownerID, name, false, start)
		return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", name)), nil
	}

	result, err := conn.CallTool(ctx, rawName, args)
	if err != nil {
		m.track(ctx, router.EventToolCall, ownerID, name, false, start)
		return nil, err
	}
	m.track(ctx, router.EventToolCall, ownerID, name, !result.IsError, start)
	return result, nil
}

// GetPrompt resolves an exposed prompt name and forwards the request.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	start := time.Now()

	ownerID, rawName, err := m.reg.Resolve(router.KindPrompt, name)
	if err != nil {
		return nil, err
	}
	conn, err := m.connection(ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: prompt %q", router.ErrCapabilityNotFound, name)
	}

	result, err := conn.GetPrompt(ctx, rawName, args)
	m.track(ctx, router.EventPromptGet, ownerID, name, err == nil, start)
	return result, err
}

// ReadResource resolves an exposed resource URI and forwards the read.
func (m *Manager) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	start := time.Now()

	ownerID, rawURI, err := m.reg.Resolve(router.KindResource, uri)
	if err != nil {
		return nil, err
	}
	conn, err := m.connection(ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: resource %q", router.ErrCapabilityNotFound, uri)
	}

	result, err := conn.ReadResource(ctx, rawURI)
	m.track(ctx, router.EventResourceRead, ownerID, uri, err == nil, start)
	return result, err
}

// Complete resolves a completion reference and forwards the request to the
// owning backend with the backend-native name restored. Prompt references
// split on the prompt separator, resource references on the resource one.
func (m *Manager) Complete(ctx context.Context, ref router.CompletionRef, arg router.CompletionArgument) (*mcp.CompleteResult, error) {
	start := time.Now()

	var (
		ownerID string
		rawName string
		err     error
	)
	switch ref.Kind {
	case router.KindPrompt:
		ownerID, rawName, err = m.reg.Resolve(router.KindPrompt, ref.Name)
	case router.KindResource, router.KindResourceTemplate:
		ownerID, rawName, err = m.resolveResourceRef(ref.Name)
	default:
		err = fmt.Errorf("%w: unsupported completion reference kind %q", router.ErrCapabilityNotFound, ref.Kind)
	}
	if err != nil {
		return nil, err
	}

	conn, err := m.connection(ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: completion target %q", router.ErrCapabilityNotFound, ref.Name)
	}

	req := mcp.CompleteRequest{}
	if ref.Kind == router.KindPrompt {
		req.Params.Ref = map[string]any{"type": "ref/prompt", "name": rawName}
	} else {
		req.Params.Ref = map[string]any{"type": "ref/resource", "uri": rawName}
	}
	req.Params.Argument.Name = arg.Name
	req.Params.Argument.Value = arg.Value

	result, err := conn.Complete(ctx, req)
	m.track(ctx, router.EventCompletion, ownerID, ref.Name, err == nil, start)
	return result, err
}

// resolveResourceRef tries the concrete resource namespace first, then the
// resource template namespace, since completion references may carry either.
func (m *Manager) resolveResourceRef(uri string) (string, string, error) {
	owner, raw, err := m.reg.Resolve(router.KindResource, uri)
	if err == nil {
		return owner, raw, nil
	}
	if !errors.Is(err, router.ErrCapabilityNotFound) {
		return "", "", err
	}
	return m.reg.Resolve(router.KindResourceTemplate, uri)
}

// track reports one dispatch to the access monitor, if any. Best-effort.
func (m *Manager) track(ctx context.Context, kind router.EventKind, backendID, resourceID string, success bool, start time.Time) {
	if m.monitor == nil {
		return
	}
	m.monitor.TrackEvent(ctx, router.AccessEvent{
		Kind:       kind,
		BackendID:  backendID,
		ResourceID: resourceID,
		Success:    success,
		Duration:   time.Since(start),
	})
}

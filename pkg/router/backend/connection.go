// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend owns a single connection to one MCP backend: its
// transport (stdio subprocess or SSE stream), the initialize handshake, and
// the connection lifecycle state machine.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/router"
)

// State is the lifecycle state of a backend connection.
//
// Transitions: StateInit → StateConnecting → StateReady on a successful
// handshake, or StateConnecting → StateFailed on a handshake error or
// timeout; StateReady → StateShuttingDown → StateClosed on close. No
// transition leaves StateClosed or StateFailed.
type State int32

// Connection lifecycle states.
const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateFailed
	StateShuttingDown
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultConnectTimeout bounds the transport open plus initialize handshake.
// The handshake must not block a reconcile indefinitely when a backend
// subprocess wedges before answering.
const DefaultConnectTimeout = 30 * time.Second

// Connection binds one ConnectionSpec to a live MCP client session.
// All methods are safe for concurrent use. Connection implements
// router.BackendClient.
type Connection struct {
	spec           router.ConnectionSpec
	connectTimeout time.Duration

	mu         sync.Mutex
	state      State
	client     *client.Client
	serverCaps mcp.ServerCapabilities
	started    bool

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// Option configures a Connection.
type Option func(*Connection)

// WithConnectTimeout overrides the connect/handshake deadline.
// A non-positive value disables the bound entirely.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.connectTimeout = d
	}
}

// New creates a connection in StateInit for the given spec. The transport is
// not opened until Connect is called.
func New(spec router.ConnectionSpec, opts ...Option) *Connection {
	c := &Connection{
		spec:           spec,
		connectTimeout: DefaultConnectTimeout,
		state:          StateInit,
		closeCh:        make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the backend identifier from the spec.
func (c *Connection) ID() string {
	return c.spec.ID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Healthy reports whether the connection is in StateReady.
func (c *Connection) Healthy() bool {
	return c.State() == StateReady
}

// ServerCapabilities returns the raw capability descriptor from the
// backend's initialize result. Only meaningful after a successful Connect.
func (c *Connection) ServerCapabilities() mcp.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Connect opens the transport, performs the MCP initialize handshake, and
// transitions the connection to StateReady. On any failure the connection is
// left in StateFailed with its transport torn down, and the error describes
// why; callers that only care about availability should check Healthy.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect called in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	mcpClient, err := c.openTransport(ctx)
	if err != nil {
		c.fail()
		return wrapConnectError(err, c.spec.ID)
	}

	result, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcprouter",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logger.Debugf("Closing %s after failed handshake: %v", c.spec.ID, closeErr)
		}
		c.fail()
		return wrapConnectError(err, c.spec.ID)
	}

	c.mu.Lock()
	c.client = mcpClient
	c.serverCaps = result.Capabilities
	c.state = StateReady
	c.started = true
	c.mu.Unlock()

	go c.run()

	logger.Debugf("Backend %s connected (%s, server %s %s)",
		c.spec.ID, c.spec.Transport(), result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// openTransport constructs and starts the mcp-go client selected by the
// spec's transport discriminant.
func (c *Connection) openTransport(ctx context.Context) (*client.Client, error) {
	switch c.spec.Transport() {
	case router.TransportStdio:
		// Stdio clients spawn the subprocess and start reading immediately.
		return client.NewStdioMCPClient(c.spec.Stdio.Command, envSlice(c.spec.Stdio.Env), c.spec.Stdio.Args...)
	case router.TransportSSE:
		var opts []transport.ClientOption
		if len(c.spec.SSE.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(c.spec.SSE.Headers))
		}
		sseClient, err := client.NewSSEMCPClient(c.spec.SSE.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := sseClient.Start(ctx); err != nil {
			return nil, err
		}
		return sseClient, nil
	default:
		return nil, fmt.Errorf("%w: unsupported transport for %s", router.ErrInvalidSpec, c.spec.ID)
	}
}

// run waits for the one-shot close signal and tears the transport down.
func (c *Connection) run() {
	<-c.closeCh

	c.mu.Lock()
	c.state = StateShuttingDown
	mcpClient := c.client
	c.client = nil
	c.mu.Unlock()

	if mcpClient != nil {
		if err := mcpClient.Close(); err != nil {
			logger.Debugf("Closing backend %s: %v", c.spec.ID, err)
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.doneCh)
}

// fail marks the connection permanently failed.
func (c *Connection) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

// RequestClose signals the connection's background task to tear down the
// transport. Idempotent; returns immediately.
func (c *Connection) RequestClose() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

// Close requests teardown and waits for it to complete. Idempotent. Closing
// a connection that never reached StateReady tears down inline.
func (c *Connection) Close() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	c.RequestClose()
	if started {
		<-c.doneCh
		return nil
	}

	// Never connected; nothing is draining closeCh.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFailed {
		c.state = StateClosed
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// session returns the live client or an error when not ready.
func (c *Connection) session() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.client == nil {
		return nil, fmt.Errorf("%w: %s is %s", router.ErrNotConnected, c.spec.ID, c.state)
	}
	return c.client, nil
}

// Capabilities fetches the backend's full capability listings, querying only
// the kinds the backend advertised during the handshake.
func (c *Connection) Capabilities(ctx context.Context) (router.CapabilitySet, error) {
	set := router.CapabilitySet{ServerCapabilities: c.ServerCapabilities()}

	if set.ServerCapabilities.Tools != nil {
		tools, err := c.ListTools(ctx)
		if err != nil {
			return set, err
		}
		set.Tools = tools
	}
	if set.ServerCapabilities.Prompts != nil {
		prompts, err := c.ListPrompts(ctx)
		if err != nil {
			return set, err
		}
		set.Prompts = prompts
	}
	if set.ServerCapabilities.Resources != nil {
		resources, err := c.ListResources(ctx)
		if err != nil {
			return set, err
		}
		set.Resources = resources

		templates, err := c.ListResourceTemplates(ctx)
		if err != nil {
			return set, err
		}
		set.ResourceTemplates = templates
	}
	return set, nil
}

// ListTools lists the backend's tools.
func (c *Connection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapRPCError(err, "list tools", c.spec.ID)
	}
	return result.Tools, nil
}

// ListPrompts lists the backend's prompts.
func (c *Connection) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, wrapRPCError(err, "list prompts", c.spec.ID)
	}
	return result.Prompts, nil
}

// ListResources lists the backend's resources.
func (c *Connection) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, wrapRPCError(err, "list resources", c.spec.ID)
	}
	return result.Resources, nil
}

// ListResourceTemplates lists the backend's resource templates.
func (c *Connection) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, wrapRPCError(err, "list resource templates", c.spec.ID)
	}
	return result.ResourceTemplates, nil
}

// CallTool invokes a tool by its backend-native name. Backend-side tool
// failures come back in the result with IsError set; the returned error is
// reserved for transport-level problems.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapRPCError(err, "call tool "+name, c.spec.ID)
	}
	return result, nil
}

// GetPrompt retrieves a prompt by its backend-native name.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapRPCError(err, "get prompt "+name, c.spec.ID)
	}
	return result, nil
}

// ReadResource reads a resource by its backend-native URI.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	})
	if err != nil {
		return nil, wrapRPCError(err, "read resource "+uri, c.spec.ID)
	}
	return result, nil
}

// Complete forwards a completion request. The reference inside req must
// already carry the backend-native name.
func (c *Connection) Complete(ctx context.Context, req mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	result, err := s.Complete(ctx, req)
	if err != nil {
		return nil, wrapRPCError(err, "complete", c.spec.ID)
	}
	return result, nil
}

// wrapConnectError layers the connect-failure sentinels onto a raw error.
func wrapConnectError(err error, backendID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", router.ErrConnTimeout, backendID, err)
	}
	return fmt.Errorf("%w: %s: %v", router.ErrBackendUnavailable, backendID, err)
}

// wrapRPCError layers the transport sentinels onto a failed backend RPC.
func wrapRPCError(err error, operation, backendID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", router.ErrConnTimeout, operation, backendID, err)
	}
	return fmt.Errorf("%w: failed to %s on backend %s: %v", router.ErrBackendUnavailable, operation, backendID, err)
}

// envSlice flattens an env map into KEY=VALUE pairs in stable order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

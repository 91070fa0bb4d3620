// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router defines the core domain types for the aggregating MCP
// router: backend connection specifications, capability kinds and the
// namespacing rules that keep the merged capability space collision-free,
// plus the interfaces the router core consumes from the outside world.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Transport identifies the wire transport used to reach a backend.
type Transport string

const (
	// TransportStdio runs the backend as a subprocess and speaks MCP over
	// its stdin/stdout pipes.
	TransportStdio Transport = "stdio"
	// TransportSSE connects to a remote backend over HTTP Server-Sent Events.
	TransportSSE Transport = "sse"
)

// StdioSpec describes a subprocess-hosted backend.
type StdioSpec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// SSESpec describes a remote SSE-hosted backend.
type SSESpec struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ConnectionSpec is the discriminated description of one backend. Exactly one
// of Stdio and SSE must be populated; ID is unique among all specs handed to
// the router at any point in time.
type ConnectionSpec struct {
	ID    string     `json:"id" yaml:"id"`
	Stdio *StdioSpec `json:"stdio,omitempty" yaml:"stdio,omitempty"`
	SSE   *SSESpec   `json:"sse,omitempty" yaml:"sse,omitempty"`
}

// Transport returns the transport discriminant for this spec.
func (s *ConnectionSpec) Transport() Transport {
	if s.Stdio != nil {
		return TransportStdio
	}
	return TransportSSE
}

// Validate checks that the spec has an id and exactly one populated variant.
func (s *ConnectionSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: connection spec is missing an id", ErrInvalidSpec)
	}
	if s.Stdio != nil && s.SSE != nil {
		return fmt.Errorf("%w: %s declares both stdio and sse", ErrInvalidSpec, s.ID)
	}
	switch {
	case s.Stdio != nil:
		if s.Stdio.Command == "" {
			return fmt.Errorf("%w: %s stdio spec is missing a command", ErrInvalidSpec, s.ID)
		}
	case s.SSE != nil:
		if s.SSE.URL == "" {
			return fmt.Errorf("%w: %s sse spec is missing a url", ErrInvalidSpec, s.ID)
		}
	default:
		return fmt.Errorf("%w: %s declares neither stdio nor sse", ErrInvalidSpec, s.ID)
	}
	return nil
}

// Kind enumerates the four capability kinds a backend can expose.
type Kind string

const (
	// KindTool is a callable tool.
	KindTool Kind = "tool"
	// KindPrompt is a retrievable prompt.
	KindPrompt Kind = "prompt"
	// KindResource is a readable resource, keyed by URI.
	KindResource Kind = "resource"
	// KindResourceTemplate is a parameterized resource URI template.
	KindResourceTemplate Kind = "resource_template"
)

// Separator returns the namespacing separator for this capability kind.
// Tools and prompts are prefixed with "."; resources and resource templates
// use ":" because their names are URIs that routinely contain dots.
func (k Kind) Separator() string {
	switch k {
	case KindResource, KindResourceTemplate:
		return ":"
	default:
		return "."
	}
}

// Kinds lists every capability kind in registration order.
func Kinds() []Kind {
	return []Kind{KindTool, KindPrompt, KindResource, KindResourceTemplate}
}

// CapabilitySet is everything one healthy backend exposes, captured right
// after its initialize handshake.
type CapabilitySet struct {
	Tools             []mcp.Tool
	Prompts           []mcp.Prompt
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate

	// ServerCapabilities is the raw capability descriptor from the
	// backend's initialize result.
	ServerCapabilities mcp.ServerCapabilities
}

// AggregateDescriptor is the OR-merged capability advertisement the router
// presents upstream on behalf of all registered backends.
type AggregateDescriptor struct {
	HasTools     bool
	HasPrompts   bool
	HasResources bool
	HasLogging   bool
}

// CompletionRef identifies the prompt or resource template a completion
// request is scoped to. Kind is KindPrompt or KindResourceTemplate; Name
// carries the prompt name or the resource URI respectively.
type CompletionRef struct {
	Kind Kind
	Name string
}

// CompletionArgument is the argument being completed.
type CompletionArgument struct {
	Name  string
	Value string
}

// BackendClient is the narrow operation set the router needs from one live
// backend connection. Implementations never panic across this boundary;
// backend-side tool failures come back as structured results.
type BackendClient interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)

	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Complete(ctx context.Context, req mcp.CompleteRequest) (*mcp.CompleteResult, error)
}

//go:generate mockgen -destination=mocks/mock_types.go -package=mocks -source=types.go ServerConfigProvider,AccessMonitor,TunnelProvider

// ServerConfigProvider supplies the flattened list of backend specs the
// router should currently be running. Owned by the configuration layer.
type ServerConfigProvider interface {
	ListActive(ctx context.Context) ([]ConnectionSpec, error)
}

// EventKind classifies an access event for monitoring purposes.
type EventKind string

const (
	// EventToolCall records a tool invocation.
	EventToolCall EventKind = "tool_call"
	// EventPromptGet records a prompt retrieval.
	EventPromptGet EventKind = "prompt_get"
	// EventResourceRead records a resource read.
	EventResourceRead EventKind = "resource_read"
	// EventCompletion records a completion request.
	EventCompletion EventKind = "completion"
)

// AccessEvent describes one routed operation for the AccessMonitor.
type AccessEvent struct {
	Kind       EventKind
	BackendID  string
	ResourceID string
	Success    bool
	Duration   time.Duration
}

// AccessMonitor records routed operations for usage accounting. Tracking is
// strictly best-effort: implementations must never fail in a way that
// affects routing, and callers ignore any internal errors.
type AccessMonitor interface {
	TrackEvent(ctx context.Context, event AccessEvent)
}

// TunnelProvider exposes a locally bound router on a public URL. Used only
// when the router is shared publicly; entirely outside the routing core.
type TunnelProvider interface {
	Start(ctx context.Context, targetURI string) (publicURL string, err error)
	Stop() error
}

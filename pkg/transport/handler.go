// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/router"
	"github.com/mcprouter/mcprouter/pkg/transport/session"
)

// Dispatcher is the aggregated capability surface the transport serves.
// It is implemented by the connection manager.
type Dispatcher interface {
	Snapshot() router.AggregateDescriptor
	ListTools(ctx context.Context) []mcp.Tool
	ListPrompts(ctx context.Context) []mcp.Prompt
	ListResources(ctx context.Context) []mcp.Resource
	ListResourceTemplates(ctx context.Context) []mcp.ResourceTemplate
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Complete(ctx context.Context, ref router.CompletionRef, arg router.CompletionArgument) (*mcp.CompleteResult, error)
}

const serverName = "mcprouter"
const serverVersion = "0.1.0"

// JSON-RPC error codes used by the protocol loop.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// rpcLoop serves the JSON-RPC half of one session: it drains the inbound
// queue, dispatches requests and pushes responses onto the outbound queue.
type rpcLoop struct {
	dispatcher Dispatcher
}

func newRPCLoop(d Dispatcher) *rpcLoop {
	return &rpcLoop{dispatcher: d}
}

// serve processes messages until the session closes or ctx is cancelled.
func (l *rpcLoop) serve(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Closed():
			return
		case msg := <-sess.Inbound():
			l.handleMessage(ctx, sess, msg)
		}
	}
}

func (l *rpcLoop) handleMessage(ctx context.Context, sess *session.Session, msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Request:
		if !m.IsCall() {
			// Notifications (e.g. notifications/initialized) need no reply.
			logger.Debugf("Session %s: notification %s", sess.ID(), m.Method)
			return
		}
		resp := l.handleCall(ctx, sess, m)
		if err := sess.SendOutbound(ctx, resp); err != nil {
			logger.Debugf("Session %s: dropping response for %s: %v", sess.ID(), m.Method, err)
		}
	case *jsonrpc2.Response:
		// The only responses that arrive inbound are parse-error reports
		// injected by the POST handler; surface them on the stream.
		if err := sess.SendOutbound(ctx, m); err != nil {
			logger.Debugf("Session %s: dropping error response: %v", sess.ID(), err)
		}
	default:
		logger.Warnf("Session %s: unexpected message type %T", sess.ID(), msg)
	}
}

func (l *rpcLoop) handleCall(ctx context.Context, sess *session.Session, req *jsonrpc2.Request) *jsonrpc2.Response {
	result, err := l.dispatch(ctx, req)
	if err != nil {
		logger.Debugf("Session %s: %s failed: %v", sess.ID(), req.Method, err)
		return &jsonrpc2.Response{ID: req.ID, Error: err}
	}

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return &jsonrpc2.Response{
			ID:    req.ID,
			Error: jsonrpc2.NewError(codeInternalError, fmt.Sprintf("failed to encode result: %v", marshalErr)),
		}
	}
	return &jsonrpc2.Response{ID: req.ID, Result: raw}
}

//nolint:gocyclo // method table, one case per protocol operation
func (l *rpcLoop) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "initialize":
		return l.initializeResult(), nil

	case "ping":
		return struct{}{}, nil

	case "tools/list":
		return mcp.ListToolsResult{Tools: l.dispatcher.ListTools(ctx)}, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		result, err := l.dispatcher.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return nil, jsonrpc2.NewError(codeInternalError, err.Error())
		}
		return result, nil

	case "prompts/list":
		return mcp.ListPromptsResult{Prompts: l.dispatcher.ListPrompts(ctx)}, nil

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		result, err := l.dispatcher.GetPrompt(ctx, params.Name, params.Arguments)
		if err != nil {
			return nil, jsonrpc2.NewError(codeInvalidParams, err.Error())
		}
		return result, nil

	case "resources/list":
		return mcp.ListResourcesResult{Resources: l.dispatcher.ListResources(ctx)}, nil

	case "resources/templates/list":
		return mcp.ListResourceTemplatesResult{ResourceTemplates: l.dispatcher.ListResourceTemplates(ctx)}, nil

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		result, err := l.dispatcher.ReadResource(ctx, params.URI)
		if err != nil {
			return nil, jsonrpc2.NewError(codeInvalidParams, err.Error())
		}
		return result, nil

	case "completion/complete":
		ref, arg, err := parseCompleteParams(req.Params)
		if err != nil {
			return nil, err
		}
		result, err := l.dispatcher.Complete(ctx, ref, arg)
		if err != nil {
			return nil, jsonrpc2.NewError(codeInvalidParams, err.Error())
		}
		return result, nil

	default:
		return nil, jsonrpc2.NewError(codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (l *rpcLoop) initializeResult() mcp.InitializeResult {
	desc := l.dispatcher.Snapshot()

	caps := mcp.ServerCapabilities{}
	if desc.HasTools {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{}
	}
	if desc.HasPrompts {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{}
	}
	if desc.HasResources {
		caps.Resources = &struct {
			Subscribe   bool `json:"subscribe,omitempty"`
			ListChanged bool `json:"listChanged,omitempty"`
		}{}
	}
	if desc.HasLogging {
		caps.Logging = &struct{}{}
	}

	return mcp.InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    caps,
		ServerInfo: mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
	}
}

// parseCompleteParams decodes a completion/complete payload into the
// router's reference and argument types. The ref discriminator follows the
// wire shape: ref/prompt carries a name, ref/resource a URI.
func parseCompleteParams(raw json.RawMessage) (router.CompletionRef, router.CompletionArgument, error) {
	var params struct {
		Ref struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
			URI  string `json:"uri,omitempty"`
		} `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}
	if err := unmarshalParams(raw, &params); err != nil {
		return router.CompletionRef{}, router.CompletionArgument{}, err
	}

	var ref router.CompletionRef
	switch params.Ref.Type {
	case "ref/prompt":
		ref = router.CompletionRef{Kind: router.KindPrompt, Name: params.Ref.Name}
	case "ref/resource":
		ref = router.CompletionRef{Kind: router.KindResource, Name: params.Ref.URI}
	default:
		return router.CompletionRef{}, router.CompletionArgument{},
			jsonrpc2.NewError(codeInvalidParams, fmt.Sprintf("unknown completion reference type: %q", params.Ref.Type))
	}

	arg := router.CompletionArgument{Name: params.Argument.Name, Value: params.Argument.Value}
	return ref, arg, nil
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return jsonrpc2.NewError(codeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return jsonrpc2.NewError(codeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

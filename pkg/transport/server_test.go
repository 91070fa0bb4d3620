// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcprouter/mcprouter/pkg/router"
	"github.com/mcprouter/mcprouter/pkg/transport/session"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Snapshot() router.AggregateDescriptor {
	return router.AggregateDescriptor{HasTools: true}
}

func (fakeDispatcher) ListTools(context.Context) []mcp.Tool {
	return []mcp.Tool{{Name: "search"}}
}

func (fakeDispatcher) ListPrompts(context.Context) []mcp.Prompt { return nil }

func (fakeDispatcher) ListResources(context.Context) []mcp.Resource { return nil }

func (fakeDispatcher) ListResourceTemplates(context.Context) []mcp.ResourceTemplate { return nil }

func (fakeDispatcher) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	if name != "search" {
		return mcp.NewToolResultError("Tool not found: " + name), nil
	}
	return mcp.NewToolResultText("found it"), nil
}

func (fakeDispatcher) GetPrompt(context.Context, string, map[string]string) (*mcp.GetPromptResult, error) {
	return nil, router.ErrCapabilityNotFound
}

func (fakeDispatcher) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return nil, router.ErrCapabilityNotFound
}

func (fakeDispatcher) Complete(context.Context, router.CompletionRef, router.CompletionArgument) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := NewServer(opts, fakeDispatcher{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return ts
}

type sseEvent struct {
	name string
	data string
}

// readSSEEvent blocks until one complete SSE event arrives, skipping
// keep-alive comments.
func readSSEEvent(t *testing.T, br *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if ev.data != "" {
				ev.data += "\n"
			}
			ev.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

// openSSE establishes the SSE stream and returns a reader positioned after
// the endpoint event, plus the POST URL it announced.
func openSSE(t *testing.T, ts *httptest.Server, header http.Header) (*bufio.Reader, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+HTTPSSEEndpoint, nil)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	br := bufio.NewReader(resp.Body)
	ev := readSSEEvent(t, br)
	require.Equal(t, SSEEventEndpoint, ev.name)
	require.True(t, strings.HasPrefix(ev.data, HTTPMessagesEndpoint+"?session_id="))
	return br, ts.URL + ev.data
}

func postMessage(t *testing.T, ts *httptest.Server, postURL, body string) *http.Response {
	t.Helper()
	resp, err := ts.Client().Post(postURL, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSSEConnectionAnnouncesSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	_, postURL := openSSE(t, ts, nil)

	u, err := url.Parse(postURL)
	require.NoError(t, err)
	assert.True(t, session.ValidID(u.Query().Get("session_id")))
}

func TestInitializeRoundTrip(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	br, postURL := openSSE(t, ts, nil)

	resp := postMessage(t, ts, postURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", string(body))

	ev := readSSEEvent(t, br)
	require.Equal(t, SSEEventMessage, ev.name)

	msg, err := jsonrpc2.DecodeMessage([]byte(ev.data))
	require.NoError(t, err)
	rpcResp, ok := msg.(*jsonrpc2.Response)
	require.True(t, ok)
	require.Nil(t, rpcResp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(rpcResp.Result, &result))
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, result.ProtocolVersion)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.Nil(t, result.Capabilities.Prompts)
}

func TestToolCallRoundTrip(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	br, postURL := openSSE(t, ts, nil)

	resp := postMessage(t, ts, postURL,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{"q":"go"}}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := readSSEEvent(t, br)
	require.Equal(t, SSEEventMessage, ev.name)

	msg, err := jsonrpc2.DecodeMessage([]byte(ev.data))
	require.NoError(t, err)
	rpcResp, ok := msg.(*jsonrpc2.Response)
	require.True(t, ok)
	require.Nil(t, rpcResp.Error)
	assert.Contains(t, string(rpcResp.Result), "found it")
}

func TestUnknownMethodReturnsError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	br, postURL := openSSE(t, ts, nil)

	resp := postMessage(t, ts, postURL, `{"jsonrpc":"2.0","id":3,"method":"no/such/method"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := readSSEEvent(t, br)
	require.Equal(t, SSEEventMessage, ev.name)
	assert.Contains(t, ev.data, "method not found")
}

func TestPostMissingSessionID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	resp := postMessage(t, ts, ts.URL+HTTPMessagesEndpoint, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostUnknownSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	postURL := ts.URL + HTTPMessagesEndpoint + "?session_id=" + session.NewID()
	resp := postMessage(t, ts, postURL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Could not find session")
}

func TestPostUnparsableBodyForwardsError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{})

	br, postURL := openSSE(t, ts, nil)

	resp := postMessage(t, ts, postURL, `{this is not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The parse error also travels through the session and out the stream.
	ev := readSSEEvent(t, br)
	require.Equal(t, SSEEventMessage, ev.name)
	assert.Contains(t, ev.data, "could not parse message")
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Options{APIKey: "sekrit"})

	resp, err := ts.Client().Get(ts.URL + HTTPSSEEndpoint)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer sekrit")
	_, postURL := openSSE(t, ts, hdr)

	// POSTs are behind the same check.
	unauth := postMessage(t, ts, postURL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnauthorized, unauth.StatusCode)
}

func TestBufferedQueueConfig(t *testing.T) {
	t.Parallel()
	// With a buffered queue a POST is accepted even though nobody is
	// reading the inbound channel at that instant; with rendezvous the
	// protocol loop must pick it up. Both configurations accept the
	// message, proving the buffer size is honored end to end.
	for _, size := range []int{0, 4} {
		ts := newTestServer(t, Options{QueueSize: size})
		_, postURL := openSSE(t, ts, nil)
		resp := postMessage(t, ts, postURL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
}

func TestKeepAliveRefreshesSessionTTL(t *testing.T) {
	t.Parallel()
	// Keep-alive writes touch the session, so an idle-but-connected
	// client outlives several TTL sweeps and its POST URL stays valid.
	ts := newTestServer(t, Options{
		SessionTTL:        250 * time.Millisecond,
		KeepAliveInterval: 25 * time.Millisecond,
	})

	_, postURL := openSSE(t, ts, nil)
	time.Sleep(750 * time.Millisecond)

	resp := postMessage(t, ts, postURL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestExtractMetadata(t *testing.T) {
	t.Parallel()

	t.Run("defaults to anonymous", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/sse", nil)
		meta := extractMetadata(r)
		assert.Equal(t, session.DefaultClientID, meta[session.MetaKeyClientID])
		assert.NotContains(t, meta, session.MetaKeyProfile)
	})

	t.Run("query wins over header", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/sse?profile=work&client=cursor", nil)
		r.Header.Set("profile", "ignored")
		meta := extractMetadata(r)
		assert.Equal(t, "work", meta[session.MetaKeyProfile])
		assert.Equal(t, "cursor", meta[session.MetaKeyClientID])
	})

	t.Run("header fallback", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/sse", nil)
		r.Header.Set("profile", "personal")
		meta := extractMetadata(r)
		assert.Equal(t, "personal", meta[session.MetaKeyProfile])
	})

	t.Run("client_id alias", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/sse?client_id=cursor", nil)
		meta := extractMetadata(r)
		assert.Equal(t, "cursor", meta[session.MetaKeyClientID])
	})

	t.Run("client wins over client_id", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/sse?client=zed&client_id=cursor", nil)
		meta := extractMetadata(r)
		assert.Equal(t, "zed", meta[session.MetaKeyClientID])
	})
}

func TestPatchMeta(t *testing.T) {
	t.Parallel()
	meta := map[string]string{"profile": "work", "client_id": "cursor"}

	t.Run("merges into existing params", func(t *testing.T) {
		t.Parallel()
		req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "tools/call",
			json.RawMessage(`{"name":"search","_meta":{"trace":"abc"}}`))
		require.NoError(t, err)

		patchMeta(req, meta)

		var params map[string]any
		require.NoError(t, json.Unmarshal(req.Params, &params))
		metaObj, ok := params["_meta"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "work", metaObj["profile"])
		assert.Equal(t, "cursor", metaObj["client_id"])
		assert.Equal(t, "abc", metaObj["trace"])
		assert.Equal(t, "search", params["name"])
	})

	t.Run("creates params when absent", func(t *testing.T) {
		t.Parallel()
		req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(2), "ping", nil)
		require.NoError(t, err)

		patchMeta(req, meta)

		var params map[string]any
		require.NoError(t, json.Unmarshal(req.Params, &params))
		metaObj, ok := params["_meta"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "work", metaObj["profile"])
	})

	t.Run("leaves non-object params alone", func(t *testing.T) {
		t.Parallel()
		req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(3), "ping", json.RawMessage(`[1,2,3]`))
		require.NoError(t, err)

		patchMeta(req, meta)
		assert.JSONEq(t, `[1,2,3]`, string(req.Params))
	})
}

func TestSSEMessageFormatting(t *testing.T) {
	t.Parallel()
	msg := NewSSEMessage("message", "line1\nline2")
	assert.Equal(t, "event: message\ndata: line1\ndata: line2\n\n", msg.ToSSEString())
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport terminates the upstream client-facing SSE protocol.
//
// Each GET /sse creates a Session bound to a dedicated protocol-handling
// loop; POST /messages/?session_id=<id> feeds JSON-RPC messages into the
// session's inbound queue and the loop's replies stream back out as SSE
// message events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/transport/session"
)

// HTTP endpoints served by the upstream transport. Paths are case-sensitive.
const (
	HTTPSSEEndpoint      = "/sse"
	HTTPMessagesEndpoint = "/messages/"
)

// DefaultSessionTTL is how long an idle session survives before the sweeper
// closes it.
const DefaultSessionTTL = 5 * time.Minute

// DefaultKeepAliveInterval is how often an SSE comment is written to keep
// intermediaries from idling out the stream.
const DefaultKeepAliveInterval = 30 * time.Second

// Options configures the upstream transport server.
type Options struct {
	Host string
	Port int

	// APIKey enables a shared-secret bearer check on the HTTP surface
	// when non-empty.
	APIKey string

	// QueueSize is the session queue buffer size. Zero (the default)
	// means rendezvous hand-off: a writer blocks until the reader is
	// ready, guaranteeing strict FIFO with no hidden buffering.
	QueueSize int

	SessionTTL        time.Duration
	KeepAliveInterval time.Duration

	// MetricsHandler, when set, is mounted at /metrics without auth.
	MetricsHandler http.Handler
}

// Server is the upstream SSE transport. It owns the session manager and one
// protocol-handling loop per live session.
type Server struct {
	opts       Options
	dispatcher Dispatcher
	sessions   *session.Manager
	keepAlive  time.Duration
	queueSize  int

	server *http.Server
	addr   string
}

// NewServer creates an upstream transport serving dispatch through d.
func NewServer(opts Options, d Dispatcher) *Server {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	keepAlive := opts.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return &Server{
		opts:       opts,
		dispatcher: d,
		sessions:   session.NewManager(ttl),
		keepAlive:  keepAlive,
		queueSize:  opts.QueueSize,
	}
}

// Router returns the HTTP handler tree for the transport.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		if s.opts.APIKey != "" {
			r.Use(requireBearer(s.opts.APIKey))
		}
		r.Get(HTTPSSEEndpoint, s.handleSSEConnection)
		r.Post(HTTPMessagesEndpoint, s.handlePostMessage)
	})

	if s.opts.MetricsHandler != nil {
		r.Handle("/metrics", s.opts.MetricsHandler)
	}
	return r
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.addr = listener.Addr().String()

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		logger.Infof("Upstream transport listening on %s", s.addr)
		logger.Infof("SSE endpoint: http://%s%s", s.addr, HTTPSSEEndpoint)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts the HTTP server down and closes every live session.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleSSEConnection establishes a client session and streams its outbound
// queue as SSE message events until the client disconnects.
func (s *Server) handleSSEConnection(w http.ResponseWriter, r *http.Request) {
	flusher, err := GetFlusher(w)
	if err != nil {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sess := session.New(session.NewID(), extractMetadata(r), s.queueSize)
	if err := s.sessions.Add(sess); err != nil {
		logger.Errorf("Failed to add session: %v", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	defer s.sessions.Delete(sess.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The protocol loop consumes the inbound queue and produces replies on
	// the outbound queue for the writer loop below.
	go newRPCLoop(s.dispatcher).serve(ctx, sess)

	SetSSEHeaders(w)

	endpointURL := fmt.Sprintf("%s?session_id=%s", HTTPMessagesEndpoint, sess.ID())
	if _, err := fmt.Fprint(w, NewSSEMessage(SSEEventEndpoint, endpointURL).ToSSEString()); err != nil {
		logger.Warnf("Session %s: failed to write endpoint event: %v", sess.ID(), err)
		return
	}
	flusher.Flush()

	logger.Infof("Session %s connected (metadata: %v)", sess.ID(), sess.Metadata())

	keepAliveTicker := time.NewTicker(s.keepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Session %s disconnected", sess.ID())
			return
		case <-sess.Closed():
			return
		case msg := <-sess.Outbound():
			data, err := jsonrpc2.EncodeMessage(msg)
			if err != nil {
				logger.Errorf("Session %s: failed to encode message: %v", sess.ID(), err)
				continue
			}
			if _, err := fmt.Fprint(w, NewSSEMessage(SSEEventMessage, string(data)).ToSSEString()); err != nil {
				// Broken pipe: the client is gone, clean the session up.
				logger.Infof("Session %s: write failed, closing: %v", sess.ID(), err)
				return
			}
			flusher.Flush()
			sess.Touch()
		case <-keepAliveTicker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				logger.Infof("Session %s: keep-alive failed, closing: %v", sess.ID(), err)
				return
			}
			flusher.Flush()
			// A delivered keep-alive proves the client is still there;
			// only abandoned sessions should age out.
			sess.Touch()
		}
	}
}

// handlePostMessage validates the session id, parses the body as one
// JSON-RPC message, patches the session's routing metadata into params._meta
// and hands the message to the session's inbound queue.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if !session.ValidID(sessionID) {
		http.Error(w, "Missing or invalid session_id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading request body: %v", err), http.StatusInternalServerError)
		return
	}

	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		// Forward the parse error into the inbound queue so the protocol
		// loop observes it instead of waiting on a message that never
		// arrives, then reject the request.
		s.forwardParseError(sess, err)
		http.Error(w, "Could not parse message", http.StatusBadRequest)
		return
	}

	if req, ok := msg.(*jsonrpc2.Request); ok {
		patchMeta(req, sess.Metadata())
	}

	if err := sess.PushInbound(r.Context(), msg); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			http.Error(w, "Could not find session", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to queue message", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("Accepted")); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}

// forwardParseError pushes a parse-error response into the inbound queue.
// Best-effort with a short deadline; a session with a wedged consumer must
// not hold the POST handler hostage.
func (s *Server) forwardParseError(sess *session.Session, parseErr error) {
	errMsg := &jsonrpc2.Response{
		Error: jsonrpc2.NewError(-32700, fmt.Sprintf("could not parse message: %v", parseErr)), // -32700 is "Parse error"
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.PushInbound(ctx, errMsg); err != nil {
		logger.Debugf("Session %s: could not forward parse error: %v", sess.ID(), err)
	}
}

// extractMetadata pulls routing metadata from the request. Query parameters
// take precedence over headers; the client identity is read from "client"
// or its "client_id" alias and defaults to "anonymous".
func extractMetadata(r *http.Request) map[string]string {
	lookup := func(key string) string {
		if v := r.URL.Query().Get(key); v != "" {
			return v
		}
		return r.Header.Get(key)
	}

	meta := make(map[string]string, 2)
	if profile := lookup("profile"); profile != "" {
		meta[session.MetaKeyProfile] = profile
	}
	clientID := lookup("client")
	if clientID == "" {
		clientID = lookup("client_id")
	}
	if clientID == "" {
		clientID = session.DefaultClientID
	}
	meta[session.MetaKeyClientID] = clientID
	return meta
}

// patchMeta merges the session's routing metadata into the request's
// params._meta object so downstream consumers can attribute the call.
// Requests without an object params payload are passed through untouched.
func patchMeta(req *jsonrpc2.Request, meta map[string]string) {
	if len(meta) == 0 {
		return
	}

	params := map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			logger.Debugf("Not patching _meta into non-object params for %s", req.Method)
			return
		}
	}

	metaObj, _ := params["_meta"].(map[string]any)
	if metaObj == nil {
		metaObj = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		metaObj[k] = v
	}
	params["_meta"] = metaObj

	patched, err := json.Marshal(params)
	if err != nil {
		logger.Debugf("Failed to re-encode params for %s: %v", req.Method, err)
		return
	}
	req.Params = patched
}

// requireBearer rejects requests that do not carry the shared secret.
func requireBearer(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

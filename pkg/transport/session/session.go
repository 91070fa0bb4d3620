// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks upstream client sessions: one per SSE connection,
// each owning its inbound and outbound message queues and the routing
// metadata attached at connect time.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"
)

// ErrSessionClosed indicates a queue operation on a closed session. In-flight
// dispatches treat it as a recoverable per-message failure.
var ErrSessionClosed = errors.New("session closed")

// MetaKeyProfile and MetaKeyClientID are the routing metadata keys attached
// to a session from the upstream request.
const (
	MetaKeyProfile  = "profile"
	MetaKeyClientID = "client_id"
)

// DefaultClientID is used when the client does not identify itself.
const DefaultClientID = "anonymous"

// Session is one upstream client's logical connection. The inbound queue
// carries messages POSTed by the client toward the router; the outbound
// queue carries messages headed back out on the SSE stream. Both queues are
// owned exclusively by the session and close together with it.
type Session struct {
	id        string
	createdAt time.Time

	mu        sync.RWMutex
	updatedAt time.Time
	meta      map[string]string

	inbound  chan jsonrpc2.Message
	outbound chan jsonrpc2.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a session with the given queue buffer size. Size zero gives
// rendezvous queues: a send blocks until the other side is receiving, which
// preserves strict FIFO ordering with no hidden buffering.
func New(id string, meta map[string]string, queueSize int) *Session {
	now := time.Now()
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	return &Session{
		id:        id,
		createdAt: now,
		updatedAt: now,
		meta:      m,
		inbound:   make(chan jsonrpc2.Message, queueSize),
		outbound:  make(chan jsonrpc2.Message, queueSize),
		closed:    make(chan struct{}),
	}
}

// NewID returns a fresh 32-character lowercase hex session id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidID reports whether id is a well-formed session id.
func ValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Touch updates the last activity time.
func (s *Session) Touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Metadata returns a copy of the session's routing metadata.
func (s *Session) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out
}

// Closed is closed when the session is closed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// PushInbound hands a message to the session's inbound queue. Blocks until
// the consumer is ready, the session closes, or ctx is done.
func (s *Session) PushInbound(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbound <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the receive side of the inbound queue.
func (s *Session) Inbound() <-chan jsonrpc2.Message {
	return s.inbound
}

// SendOutbound hands a message to the session's outbound queue for the SSE
// writer. Blocks until the writer is ready, the session closes, or ctx is
// done.
func (s *Session) SendOutbound(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound returns the receive side of the outbound queue.
func (s *Session) Outbound() <-chan jsonrpc2.Message {
	return s.outbound
}

// Close closes the session and unblocks every pending queue operation with
// ErrSessionClosed. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

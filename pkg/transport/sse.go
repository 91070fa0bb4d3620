// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SSE event types emitted on the upstream stream.
const (
	// SSEEventEndpoint is the first event on a new stream and carries the
	// POST URL (with session id) the client must use for requests.
	SSEEventEndpoint = "endpoint"
	// SSEEventMessage carries one JSON-RPC message.
	SSEEventMessage = "message"
)

// SSEMessage is a Server-Sent Events message.
type SSEMessage struct {
	EventType string
	Data      string
	CreatedAt time.Time
}

// NewSSEMessage creates a new SSE message.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// ToSSEString serializes the message to the SSE wire format. Multi-line data
// is split into one data: line per line, per the SSE specification.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "event: %s\n", m.EventType)
	for _, line := range strings.Split(m.Data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	return sb.String()
}

// SetSSEHeaders sets standard Server-Sent Events response headers.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// GetFlusher returns a http.Flusher from the ResponseWriter.
// Returns an error if the ResponseWriter doesn't support flushing.
func GetFlusher(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return flusher, nil
}

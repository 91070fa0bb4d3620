// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import "errors"

// Common errors returned by the router core. Callers should match them with
// errors.Is; most are wrapped with additional context at the return site.
var (
	// ErrInvalidSpec indicates a malformed connection spec.
	ErrInvalidSpec = errors.New("invalid connection spec")

	// ErrAlreadyExists indicates a backend id is already registered.
	ErrAlreadyExists = errors.New("backend already exists")

	// ErrNotFound indicates a backend id is not registered.
	ErrNotFound = errors.New("backend not found")

	// ErrDuplicateCapability indicates a capability name collision while
	// registering a backend in strict mode.
	ErrDuplicateCapability = errors.New("duplicate capability")

	// ErrCapabilityNotFound indicates an exposed capability name did not
	// resolve to any registered backend.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrNotConnected indicates an operation on a backend connection that
	// is not in the ready state.
	ErrNotConnected = errors.New("backend not connected")

	// ErrConnTimeout indicates the connect/initialize handshake exceeded
	// its deadline.
	ErrConnTimeout = errors.New("backend connect timed out")

	// ErrBackendUnavailable indicates the backend transport failed.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

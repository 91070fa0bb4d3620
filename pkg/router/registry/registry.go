// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the merged, collision-free capability namespace
// aggregated from every healthy backend.
//
// The first backend to claim a capability name keeps it unprefixed. A later
// backend whose capability collides gets the entry renamed to
// "{ownerID}{separator}{name}", with "." separating tools and prompts and
// ":" separating resources and resource templates. In strict mode a
// collision instead rejects the whole backend registration, leaving the
// namespace untouched.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/router"
)

// Entry is one resolved claim in the merged namespace.
type Entry struct {
	Kind        router.Kind
	ExposedName string
	OwnerID     string
	RawName     string
}

// Registry is the merged capability namespace. Safe for concurrent use:
// mutations take the write lock for their full duration, lookups take the
// read lock, and neither is ever held across a backend RPC.
type Registry struct {
	mu     sync.RWMutex
	strict bool

	names map[router.Kind]map[string]*Entry

	tools     map[string]mcp.Tool
	prompts   map[string]mcp.Prompt
	resources map[string]mcp.Resource
	templates map[string]mcp.ResourceTemplate

	// serverCaps keeps each backend's raw handshake capabilities for
	// aggregate snapshotting.
	serverCaps map[string]mcp.ServerCapabilities
}

// New creates an empty registry. When strict is true, capability name
// collisions reject the colliding backend instead of renaming its entries.
func New(strict bool) *Registry {
	names := make(map[router.Kind]map[string]*Entry, len(router.Kinds()))
	for _, k := range router.Kinds() {
		names[k] = make(map[string]*Entry)
	}
	return &Registry{
		strict:     strict,
		names:      names,
		tools:      make(map[string]mcp.Tool),
		prompts:    make(map[string]mcp.Prompt),
		resources:  make(map[string]mcp.Resource),
		templates:  make(map[string]mcp.ResourceTemplate),
		serverCaps: make(map[string]mcp.ServerCapabilities),
	}
}

// Register merges one backend's capability set into the namespace.
// In strict mode a collision returns ErrDuplicateCapability and leaves the
// registry exactly as it was; no partial entries from the rejected backend
// survive.
func (r *Registry) Register(ownerID string, caps router.CapabilitySet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase one: plan every insertion without mutating, so a strict-mode
	// collision can reject the whole backend atomically.
	type planned struct {
		entry      *Entry
		descriptor any
	}
	plan := make([]planned, 0,
		len(caps.Tools)+len(caps.Prompts)+len(caps.Resources)+len(caps.ResourceTemplates))

	add := func(kind router.Kind, rawName string, descriptor any) error {
		exposed, err := r.claim(kind, ownerID, rawName)
		if err != nil {
			return err
		}
		plan = append(plan, planned{
			entry: &Entry{
				Kind:        kind,
				ExposedName: exposed,
				OwnerID:     ownerID,
				RawName:     rawName,
			},
			descriptor: descriptor,
		})
		return nil
	}

	for _, t := range caps.Tools {
		if err := add(router.KindTool, t.Name, t); err != nil {
			return err
		}
	}
	for _, p := range caps.Prompts {
		if err := add(router.KindPrompt, p.Name, p); err != nil {
			return err
		}
	}
	for _, res := range caps.Resources {
		if err := add(router.KindResource, res.URI, res); err != nil {
			return err
		}
	}
	for _, tmpl := range caps.ResourceTemplates {
		raw := ""
		if tmpl.URITemplate != nil {
			raw = tmpl.URITemplate.Raw()
		}
		if err := add(router.KindResourceTemplate, raw, tmpl); err != nil {
			return err
		}
	}

	// Phase two: commit.
	for _, p := range plan {
		r.names[p.entry.Kind][p.entry.ExposedName] = p.entry
		switch d := p.descriptor.(type) {
		case mcp.Tool:
			d.Name = p.entry.ExposedName
			r.tools[p.entry.ExposedName] = d
		case mcp.Prompt:
			d.Name = p.entry.ExposedName
			r.prompts[p.entry.ExposedName] = d
		case mcp.Resource:
			d.URI = p.entry.ExposedName
			r.resources[p.entry.ExposedName] = d
		case mcp.ResourceTemplate:
			r.templates[p.entry.ExposedName] = renameTemplate(d, p.entry.ExposedName)
		}
	}
	r.serverCaps[ownerID] = caps.ServerCapabilities
	return nil
}

// claim computes the exposed name for one raw capability name, applying the
// collision policy. Caller holds the write lock.
func (r *Registry) claim(kind router.Kind, ownerID, rawName string) (string, error) {
	existing, taken := r.names[kind][rawName]
	if !taken || existing.OwnerID == ownerID {
		return rawName, nil
	}
	if r.strict {
		return "", fmt.Errorf("%w: %s %q already registered by %s",
			router.ErrDuplicateCapability, kind, rawName, existing.OwnerID)
	}

	exposed := ownerID + kind.Separator() + rawName
	if prior, clash := r.names[kind][exposed]; clash && prior.OwnerID != ownerID {
		// Pathological double collision; last writer wins, as with any
		// re-registration of the same exposed name.
		logger.Warnf("capability %s %q from %s displaces entry owned by %s",
			kind, exposed, ownerID, prior.OwnerID)
	}
	logger.Debugf("capability %s %q from %s exposed as %q", kind, rawName, ownerID, exposed)
	return exposed, nil
}

// renameTemplate rebuilds a resource template descriptor under its exposed
// URI template string.
func renameTemplate(d mcp.ResourceTemplate, exposed string) mcp.ResourceTemplate {
	if d.URITemplate == nil || d.URITemplate.Raw() == exposed {
		return d
	}
	t, err := uritemplate.New(exposed)
	if err != nil {
		// The prefix is plain literal text, so this only happens if the
		// backend's own template was malformed. Expose it unrenamed.
		logger.Warnf("resource template %q is not a valid URI template: %v", exposed, err)
		return d
	}
	d.URITemplate = &mcp.URITemplate{Template: t}
	return d
}

// Unregister removes every entry owned by ownerID. Entries owned by other
// backends are untouched, including ones that were renamed because they
// collided with the departing owner's names.
func (r *Registry) Unregister(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, entries := range r.names {
		for exposed, e := range entries {
			if e.OwnerID != ownerID {
				continue
			}
			delete(entries, exposed)
			switch kind {
			case router.KindTool:
				delete(r.tools, exposed)
			case router.KindPrompt:
				delete(r.prompts, exposed)
			case router.KindResource:
				delete(r.resources, exposed)
			case router.KindResourceTemplate:
				delete(r.templates, exposed)
			}
		}
	}
	delete(r.serverCaps, ownerID)
}

// Resolve maps an exposed capability name back to its owning backend and the
// backend-native name to use on the wire.
//
// Names that were registered resolve directly. Names that were never listed,
// such as URIs expanded from a resource template, resolve by splitting on
// the kind separator when the prefix names a registered backend, or fall
// through to the sole registered backend when there is exactly one.
func (r *Registry) Resolve(kind router.Kind, exposedName string) (ownerID, rawName string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.names[kind][exposedName]; ok {
		return e.OwnerID, e.RawName, nil
	}

	// Tools and prompts are always fully enumerated, so anything not in
	// the map is gone. Resource URIs expanded from a template never were.
	if kind == router.KindResource || kind == router.KindResourceTemplate {
		if prefix, rest, found := strings.Cut(exposedName, kind.Separator()); found {
			if _, known := r.serverCaps[prefix]; known {
				return prefix, rest, nil
			}
		}
		if len(r.serverCaps) == 1 {
			for id := range r.serverCaps {
				return id, exposedName, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: %s %q", router.ErrCapabilityNotFound, kind, exposedName)
}

// Owners returns the ids of every backend with registered capabilities.
func (r *Registry) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make([]string, 0, len(r.serverCaps))
	for id := range r.serverCaps {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners
}

// Tools returns every exposed tool descriptor, sorted by exposed name.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.tools)
}

// Prompts returns every exposed prompt descriptor, sorted by exposed name.
func (r *Registry) Prompts() []mcp.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.prompts)
}

// Resources returns every exposed resource descriptor, sorted by exposed URI.
func (r *Registry) Resources() []mcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.resources)
}

// ResourceTemplates returns every exposed resource template descriptor.
func (r *Registry) ResourceTemplates() []mcp.ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.templates)
}

// Snapshot recomputes the advertised aggregate capabilities as the logical
// OR across all registered backends' raw handshake capabilities.
func (r *Registry) Snapshot() router.AggregateDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agg router.AggregateDescriptor
	for _, caps := range r.serverCaps {
		agg.HasTools = agg.HasTools || caps.Tools != nil
		agg.HasPrompts = agg.HasPrompts || caps.Prompts != nil
		agg.HasResources = agg.HasResources || caps.Resources != nil
		agg.HasLogging = agg.HasLogging || caps.Logging != nil
	}
	return agg
}

func sortedValues[V any](m map[string]V) []V {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]V, 0, len(m))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"sync"

	"github.com/mcprouter/mcprouter/pkg/config"
	"github.com/mcprouter/mcprouter/pkg/logger"
)

// UpdateFunc is called with each validated configuration document.
type UpdateFunc func(cfg *config.Config) error

// Notifier fans configuration updates out to subscribers. A failing or
// panicking subscriber never prevents the remaining subscribers from
// receiving the update.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]UpdateFunc
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]UpdateFunc)}
}

// Subscribe registers fn and returns a function that removes the
// subscription.
func (n *Notifier) Subscribe(fn UpdateFunc) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// NotifyUpdate delivers cfg to every subscriber in turn.
func (n *Notifier) NotifyUpdate(cfg *config.Config) {
	n.mu.RLock()
	subs := make([]UpdateFunc, 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		notifyOne(fn, cfg)
	}
}

func notifyOne(fn UpdateFunc, cfg *config.Config) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Config subscriber panicked: %v", r)
		}
	}()
	if err := fn(cfg); err != nil {
		logger.Warnf("Config subscriber failed: %v", err)
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package watcher reloads router configuration from a local file or a polled
// remote endpoint. A candidate document is parsed and validated before
// subscribers hear about it; a broken candidate is logged and the last-known
// good configuration stays in effect.
package watcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/mcprouter/mcprouter/pkg/config"
	"github.com/mcprouter/mcprouter/pkg/logger"
)

// debounceWindow coalesces bursts of filesystem events into one reload.
// Editors typically emit several writes per save.
const debounceWindow = 200 * time.Millisecond

// FileWatcher reloads configuration when the file on disk changes.
type FileWatcher struct {
	path     string
	notifier *Notifier

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFileWatcher creates a watcher for the configuration file at path,
// publishing validated documents through n.
func NewFileWatcher(path string, n *Notifier) *FileWatcher {
	return &FileWatcher{
		path:     path,
		notifier: n,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins watching. It watches the parent directory rather than the
// file itself so that atomic-rename saves keep working.
func (w *FileWatcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.run(ctx, fsWatcher)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *FileWatcher) run(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	defer close(w.doneCh)
	defer fsWatcher.Close()

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Recreate rather than Reset: a fired-but-unread expiry
			// may already sit in the old channel, and rebinding
			// debounceCh makes it unreachable so each event burst
			// yields exactly one reload.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(debounceWindow)
			debounceCh = debounce.C
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Config watcher error: %v", err)
		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			w.reload()
		}
	}
}

// reload parses and validates the file, keeping the previous configuration
// when the candidate is broken.
func (w *FileWatcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		logger.Warnf("Ignoring invalid config update: %v", err)
		return
	}
	logger.Infof("Configuration reloaded from %s", w.path)
	w.notifier.NotifyUpdate(cfg)
}

// RemoteWatcher polls a remote endpoint for a configuration document and
// publishes it when its content changes.
type RemoteWatcher struct {
	url      string
	interval time.Duration
	client   *http.Client
	notifier *Notifier

	lastHash [sha256.Size]byte

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRemoteWatcher creates a poller for the document at url.
func NewRemoteWatcher(url string, interval time.Duration, n *Notifier) *RemoteWatcher {
	return &RemoteWatcher{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		notifier: n,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (w *RemoteWatcher) Start(ctx context.Context) error {
	if w.url == "" {
		return fmt.Errorf("remote watcher requires a url")
	}
	go w.run(ctx)
	return nil
}

// Stop halts the poller and waits for its goroutine to exit.
func (w *RemoteWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *RemoteWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll fetches the document with retries and publishes it when the content
// hash differs from the last published document.
func (w *RemoteWatcher) poll(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	data, err := backoff.Retry(fetchCtx, func() ([]byte, error) {
		return w.fetch(fetchCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Remote config fetch failed, retrying in %s: %v", d, err)
		}),
	)
	if err != nil {
		logger.Warnf("Remote config fetch failed: %v", err)
		return
	}

	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		return
	}

	cfg, err := config.Parse(data)
	if err != nil {
		logger.Warnf("Ignoring invalid remote config update: %v", err)
		return
	}

	w.lastHash = hash
	logger.Infof("Configuration updated from %s", w.url)
	w.notifier.NotifyUpdate(cfg)
}

func (w *RemoteWatcher) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, w.url)
	}
	return io.ReadAll(resp.Body)
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ngrok exposes a locally bound router on a public URL using ngrok.
package ngrok

import (
	"context"
	"fmt"
	"sync"

	"golang.ngrok.com/ngrok/v2"

	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/router"
)

// TunnelConfig holds configuration options for the ngrok tunnel provider.
type TunnelConfig struct {
	AuthToken string
	Domain    string // Optional: specify custom domain
}

// TunnelProvider implements router.TunnelProvider using ngrok.
type TunnelProvider struct {
	config TunnelConfig

	mu        sync.Mutex
	agent     ngrok.Agent
	forwarder ngrok.EndpointForwarder
	cancel    context.CancelFunc
}

var _ router.TunnelProvider = (*TunnelProvider)(nil)

// NewTunnelProvider creates a provider with the given configuration.
func NewTunnelProvider(cfg TunnelConfig) (*TunnelProvider, error) {
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("ngrok auth token is required")
	}
	return &TunnelProvider{config: cfg}, nil
}

// Start forwards the target URI through ngrok and returns the public URL.
func (p *TunnelProvider) Start(ctx context.Context, targetURI string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.forwarder != nil {
		return "", fmt.Errorf("tunnel already started")
	}

	agent, err := ngrok.NewAgent(
		ngrok.WithAuthtoken(p.config.AuthToken),
		ngrok.WithEventHandler(func(e ngrok.Event) {
			logger.Debugf("ngrok event: %s at %s", e.EventType(), e.Timestamp())
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create ngrok agent: %w", err)
	}

	endpointOpts := []ngrok.EndpointOption{
		ngrok.WithDescription("mcprouter tunnel for " + targetURI),
	}
	if p.config.Domain != "" {
		endpointOpts = append(endpointOpts, ngrok.WithURL(p.config.Domain))
	}

	// The forward context outlives Start; Stop cancels it.
	fwdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	forwarder, err := agent.Forward(fwdCtx,
		ngrok.WithUpstream(targetURI),
		endpointOpts...,
	)
	if err != nil {
		cancel()
		return "", fmt.Errorf("ngrok.Forward error: %w", err)
	}

	p.agent = agent
	p.forwarder = forwarder
	p.cancel = cancel

	publicURL := fmt.Sprint(forwarder.URL())
	logger.Infof("ngrok forwarding live at %s", publicURL)

	go func() {
		<-forwarder.Done()
		logger.Infof("ngrok forwarding stopped: %s", publicURL)
	}()

	return publicURL, nil
}

// Stop tears the tunnel down. Safe to call when the tunnel never started.
func (p *TunnelProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.forwarder == nil {
		return nil
	}
	// Cancelling the forward context stops the agent's forwarding loop.
	p.cancel()
	<-p.forwarder.Done()
	p.agent = nil
	p.forwarder = nil
	p.cancel = nil
	return nil
}

// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-remoting/client"
	"github.com/glimte/mmate-remoting/internal/observability"
	"github.com/glimte/mmate-remoting/remoting"
	"github.com/glimte/mmate-remoting/server"
)

// Client provides the main entry point for mmate-remoting: a broker and a session
// factory connected in-VM
type Client struct {
	broker       *server.Broker
	factory      *client.SessionFactory
	session      *client.Session
	serviceName  string
	receiveQueue string
}

// NewInVMClient starts an in-VM broker and connects a session factory to it
func NewInVMClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		serviceName: "service", // Default service name
		blockOnSend: true,
	}

	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	ctx := context.Background()

	broker := server.NewBroker(
		server.WithLogger(cfg.logger),
		server.WithMetrics(cfg.metrics),
		server.WithInterceptors(cfg.serverInterceptors...),
	)
	if err := broker.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}

	factory := client.NewSessionFactory(broker,
		client.WithLogger(cfg.logger),
		client.WithMetrics(cfg.metrics),
		client.WithInterceptors(cfg.clientInterceptors...),
		client.WithBlockOnSend(cfg.blockOnSend),
	)

	session, err := factory.CreateSession(ctx)
	if err != nil {
		_ = broker.Stop()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// Create the service's receive queue automatically
	queueName := cfg.serviceQueue
	if queueName == "" {
		queueName = fmt.Sprintf("%s-queue", cfg.serviceName)
	}
	if err := session.CreateQueue(ctx, cfg.serviceName, queueName); err != nil {
		_ = session.Close(ctx)
		_ = broker.Stop()
		return nil, fmt.Errorf("failed to create service queue: %w", err)
	}
	cfg.logger.Info("Service queue created", "queue", queueName, "address", cfg.serviceName)

	return &Client{
		broker:       broker,
		factory:      factory,
		session:      session,
		serviceName:  cfg.serviceName,
		receiveQueue: queueName,
	}, nil
}

// Broker returns the in-VM broker
func (c *Client) Broker() *server.Broker {
	return c.broker
}

// SessionFactory returns the session factory connected to the broker
func (c *Client) SessionFactory() *client.SessionFactory {
	return c.factory
}

// Session returns the session the client was set up with
func (c *Client) Session() *client.Session {
	return c.session
}

// ServiceAddress returns the address the service queue is bound to
func (c *Client) ServiceAddress() string {
	return c.serviceName
}

// ServiceQueue returns the service's receive queue name
func (c *Client) ServiceQueue() string {
	return c.receiveQueue
}

// Close closes all sessions and stops the broker
func (c *Client) Close() error {
	var errs []error
	if c.factory != nil {
		if err := c.factory.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if c.broker != nil {
		if err := c.broker.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	metrics            *observability.Metrics
	serviceName        string
	serviceQueue       string
	blockOnSend        bool
	serverInterceptors []remoting.Interceptor
	clientInterceptors []remoting.Interceptor
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics shares one metrics sink between broker and client
func WithMetrics(metrics *observability.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithServiceName sets the service name (used for address and queue naming)
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithServiceQueue overrides the receive queue name, "<service>-queue" by default
func WithServiceQueue(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceQueue = name
	}
}

// WithBlockOnSend sets whether sends wait for the broker's acknowledgment
func WithBlockOnSend(block bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.blockOnSend = block
	}
}

// WithServerInterceptors registers interceptors on the broker
func WithServerInterceptors(interceptors ...remoting.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serverInterceptors = append(cfg.serverInterceptors, interceptors...)
	}
}

// WithClientInterceptors registers interceptors on the session factory
func WithClientInterceptors(interceptors ...remoting.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clientInterceptors = append(cfg.clientInterceptors, interceptors...)
	}
}

package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
)

// OutboundRouter selects the destination endpoints of a message
type OutboundRouter interface {
	Endpoints(msg any) ([]contracts.Endpoint, error)
}

// StaticRouter fans every message out to a fixed set of endpoints
type StaticRouter []contracts.Endpoint

// NewStaticRouter creates a fan-out router
func NewStaticRouter(endpoints ...contracts.Endpoint) StaticRouter {
	return StaticRouter(endpoints)
}

// Endpoints implements OutboundRouter
func (r StaticRouter) Endpoints(any) ([]contracts.Endpoint, error) {
	return r, nil
}

// RouterFunc selects endpoints based on the message content
type RouterFunc func(msg any) ([]contracts.Endpoint, error)

// Endpoints implements OutboundRouter
func (f RouterFunc) Endpoints(msg any) ([]contracts.Endpoint, error) {
	return f(msg)
}

// Route binds messages of one static type to a router and a connector
type Route struct {
	MessageType string
	Router      OutboundRouter
	Connector   Connector
	matches     func(msg any) bool
}

// ForMessage creates a route for messages assignable to T
func ForMessage[T any](router OutboundRouter, connector Connector) Route {
	return Route{
		MessageType: typeNameOf[T](),
		Router:      router,
		Connector:   connector,
		matches: func(msg any) bool {
			_, ok := msg.(T)
			return ok
		},
	}
}

// Matches reports whether the route applies to msg
func (r Route) Matches(msg any) bool {
	return r.matches != nil && r.matches(msg)
}

// RoutingConfig holds the outbound routes
type RoutingConfig struct {
	Routes []Route
	// PublishOutboundToInternalBus also delivers every routed envelope's
	// message to local subscribers. Routed messages are otherwise only
	// produced.
	PublishOutboundToInternalBus bool
}

// GetRoutesForMessage returns the routes applying to msg in declaration order
func (c *RoutingConfig) GetRoutesForMessage(msg any) []Route {
	if c == nil {
		return nil
	}
	var routes []Route
	for _, r := range c.Routes {
		if r.Matches(msg) {
			routes = append(routes, r)
		}
	}
	return routes
}

// routedEnvelope is an outbound envelope bound to the connector producing it
type routedEnvelope struct {
	envelope  *contracts.OutboundEnvelope
	connector Connector
}

// Republisher puts messages back onto the publish pipeline
type Republisher interface {
	PublishMany(ctx context.Context, messages ...any) error
}

// OutboundRouterBehavior wraps routed messages into one outbound envelope per
// destination endpoint and republishes the envelopes, so that they run
// through the rest of the publish pipeline on their own. The routed original
// is removed from the context.
type OutboundRouterBehavior struct {
	config      *RoutingConfig
	republisher Republisher
}

// NewOutboundRouterBehavior creates a new router behavior
func NewOutboundRouterBehavior(config *RoutingConfig, republisher Republisher) *OutboundRouterBehavior {
	return &OutboundRouterBehavior{config: config, republisher: republisher}
}

// SortIndex implements Behavior
func (b *OutboundRouterBehavior) SortIndex() int {
	return interceptors.PublishOutboundRouterIndex
}

// Handle implements Behavior
func (b *OutboundRouterBehavior) Handle(ctx context.Context, c *interceptors.PublishContext, next interceptors.PublishHandler) error {
	remaining := make([]any, 0, len(c.Messages))
	var routed []any

	for _, msg := range c.Messages {
		switch msg.(type) {
		case *routedEnvelope, *contracts.OutboundEnvelope:
			remaining = append(remaining, msg)
			continue
		}

		routes := b.config.GetRoutesForMessage(msg)
		if len(routes) == 0 {
			remaining = append(remaining, msg)
			continue
		}

		envelopes, err := b.wrap(msg, routes)
		if err != nil {
			return err
		}
		routed = append(routed, envelopes...)
	}

	if len(routed) > 0 {
		if err := b.republisher.PublishMany(ctx, routed...); err != nil {
			return err
		}
	}

	c.Messages = remaining
	return next(ctx, c)
}

func (b *OutboundRouterBehavior) wrap(msg any, routes []Route) ([]any, error) {
	var envelopes []any
	for _, route := range routes {
		endpoints, err := route.Router.Endpoints(msg)
		if err != nil {
			return nil, &RoutingError{MessageType: messageTypeName(msg), Err: err}
		}
		for _, endpoint := range endpoints {
			env := contracts.NewOutboundEnvelope(msg, nil, endpoint)
			env.PublishToInternalBus = b.config.PublishOutboundToInternalBus
			envelopes = append(envelopes, &routedEnvelope{envelope: env, connector: route.Connector})
		}
	}
	return envelopes, nil
}

// OutboundProducingBehavior relays routed envelopes to their connector
type OutboundProducingBehavior struct{}

// SortIndex implements Behavior
func (OutboundProducingBehavior) SortIndex() int {
	return interceptors.PublishOutboundProducingIndex
}

// Handle implements Behavior
func (OutboundProducingBehavior) Handle(ctx context.Context, c *interceptors.PublishContext, next interceptors.PublishHandler) error {
	for _, msg := range c.Messages {
		routed, ok := msg.(*routedEnvelope)
		if !ok {
			continue
		}
		if routed.connector == nil {
			return fmt.Errorf("%w: %s", ErrNoConnector, routed.envelope.Endpoint.Name)
		}
		if err := routed.connector.Relay(ctx, routed.envelope); err != nil {
			return err
		}
	}
	return next(ctx, c)
}

func messageTypeName(msg any) string {
	if t := contracts.MessageTypeOf(msg); t != "" {
		return t
	}
	return fmt.Sprintf("%T", msg)
}

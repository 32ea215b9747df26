package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
)

// PacketFilter decides whether a packet may continue through the chain
type PacketFilter interface {
	// Allow returns true if the packet should be accepted
	Allow(ctx context.Context, pkt *remoting.Packet) (bool, error)
}

// PacketFilterFunc is a function adapter for PacketFilter
type PacketFilterFunc func(ctx context.Context, pkt *remoting.Packet) (bool, error)

// Allow implements PacketFilter
func (f PacketFilterFunc) Allow(ctx context.Context, pkt *remoting.Packet) (bool, error) {
	return f(ctx, pkt)
}

// FilteringInterceptor vetoes packets rejected by its filter
type FilteringInterceptor struct {
	filter PacketFilter
	types  map[remoting.PacketType]struct{}
	logger *slog.Logger
}

// FilterOption configures a FilteringInterceptor
type FilterOption func(*FilteringInterceptor)

// WithFilterTypes limits filtering to the given packet types; others are accepted
func WithFilterTypes(types ...remoting.PacketType) FilterOption {
	return func(i *FilteringInterceptor) {
		i.types = make(map[remoting.PacketType]struct{}, len(types))
		for _, t := range types {
			i.types[t] = struct{}{}
		}
	}
}

// WithFilterLogger logs every filtered packet at Debug
func WithFilterLogger(logger *slog.Logger) FilterOption {
	return func(i *FilteringInterceptor) {
		i.logger = logger
	}
}

// NewFilteringInterceptor creates a new filtering interceptor. Without WithFilterTypes
// every packet type is filtered.
func NewFilteringInterceptor(filter PacketFilter, options ...FilterOption) *FilteringInterceptor {
	i := &FilteringInterceptor{filter: filter}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Intercept implements remoting.Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
	if i.types != nil {
		if _, ok := i.types[pkt.Type()]; !ok {
			return true, nil
		}
	}

	allowed, err := i.filter.Allow(ctx, pkt)
	if err != nil {
		return false, fmt.Errorf("filter error: %w", err)
	}

	if !allowed && i.logger != nil {
		i.logger.Debug("packet filtered",
			"packetType", pkt.Type().String(),
			"connectionId", conn.ID(),
		)
	}
	return allowed, nil
}

// Name implements remoting.Named
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllOf combines filters with AND logic
func AllOf(filters ...PacketFilter) PacketFilter {
	return PacketFilterFunc(func(ctx context.Context, pkt *remoting.Packet) (bool, error) {
		for _, filter := range filters {
			allowed, err := filter.Allow(ctx, pkt)
			if err != nil {
				return false, err
			}
			if !allowed {
				return false, nil
			}
		}
		return true, nil
	})
}

// AnyOf combines filters with OR logic
func AnyOf(filters ...PacketFilter) PacketFilter {
	return PacketFilterFunc(func(ctx context.Context, pkt *remoting.Packet) (bool, error) {
		for _, filter := range filters {
			allowed, err := filter.Allow(ctx, pkt)
			if err != nil {
				return false, err
			}
			if allowed {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not inverts a filter
func Not(filter PacketFilter) PacketFilter {
	return PacketFilterFunc(func(ctx context.Context, pkt *remoting.Packet) (bool, error) {
		allowed, err := filter.Allow(ctx, pkt)
		if err != nil {
			return false, err
		}
		return !allowed, nil
	})
}

// TypeIs allows packets of the given types
func TypeIs(types ...remoting.PacketType) PacketFilter {
	set := make(map[remoting.PacketType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return PacketFilterFunc(func(ctx context.Context, pkt *remoting.Packet) (bool, error) {
		_, ok := set[pkt.Type()]
		return ok, nil
	})
}

// PropertyEquals allows packets whose message has key set to value.
// Packets without a message are allowed.
func PropertyEquals(key string, value interface{}) PacketFilter {
	if v, ok := value.(int); ok {
		value = int64(v)
	}
	return PacketFilterFunc(func(ctx context.Context, pkt *remoting.Packet) (bool, error) {
		msg := pkt.Message()
		if msg == nil {
			return true, nil
		}
		return propertyEquals(msg, key, value), nil
	})
}

// AddressIs allows SEND packets addressed to one of the given addresses.
// Other packet types are allowed.
func AddressIs(addresses ...string) PacketFilter {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[a] = struct{}{}
	}
	return PacketFilterFunc(func(ctx context.Context, pkt *remoting.Packet) (bool, error) {
		sm, ok := pkt.SendMessage()
		if !ok {
			return true, nil
		}
		_, ok = set[sm.Address]
		return ok, nil
	})
}

func propertyEquals(msg *contracts.Message, key string, value interface{}) bool {
	actual, ok := msg.Property(key)
	if !ok {
		return false
	}
	if b, isBytes := actual.([]byte); isBytes {
		expected, ok := value.([]byte)
		return ok && string(b) == string(expected)
	}
	if _, isBytes := value.([]byte); isBytes {
		return false
	}
	return actual == value
}

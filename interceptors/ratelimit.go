package interceptors

import (
	"context"
	"sync/atomic"

	"github.com/glimte/mmate-remoting/remoting"
	"golang.org/x/time/rate"
)

// RateLimitingInterceptor vetoes matching packets once a token bucket is exhausted.
// Vetoed packets are dropped, so senders should not block on send behind it.
type RateLimitingInterceptor struct {
	limiter  *rate.Limiter
	types    map[remoting.PacketType]struct{}
	rejected atomic.Int64
}

// NewRateLimitingInterceptor allows rps packets per second with the given burst for
// the listed packet types (SEND when none are listed). A burst below 1 is raised to 1.
func NewRateLimitingInterceptor(rps float64, burst int, types ...remoting.PacketType) *RateLimitingInterceptor {
	if burst < 1 {
		burst = 1
	}
	if len(types) == 0 {
		types = []remoting.PacketType{remoting.PacketSend}
	}

	set := make(map[remoting.PacketType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	return &RateLimitingInterceptor{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		types:   set,
	}
}

// Intercept implements remoting.Interceptor
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
	if _, ok := i.types[pkt.Type()]; !ok {
		return true, nil
	}

	if i.limiter.Allow() {
		return true, nil
	}

	i.rejected.Add(1)
	return false, nil
}

// Rejected returns how many packets were vetoed
func (i *RateLimitingInterceptor) Rejected() int64 {
	return i.rejected.Load()
}

// Name implements remoting.Named
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}

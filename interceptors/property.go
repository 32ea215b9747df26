package interceptors

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
)

// PropertyInterceptor writes one property onto the message of every matching packet.
//
// It can be told to reject at runtime, and it counts the packets it handled. Both are
// safe to read and change from a goroutine other than the one running the chain.
type PropertyInterceptor struct {
	key   string
	value interface{}
	types map[remoting.PacketType]struct{}

	reject    atomic.Bool
	wasCalled atomic.Bool
	calls     atomic.Int64
}

// PropertyOption configures a PropertyInterceptor
type PropertyOption func(*PropertyInterceptor)

// ForPacketTypes limits the interceptor to the given packet types. The default is SEND
// and DELIVER.
func ForPacketTypes(types ...remoting.PacketType) PropertyOption {
	return func(i *PropertyInterceptor) {
		i.types = make(map[remoting.PacketType]struct{}, len(types))
		for _, t := range types {
			i.types[t] = struct{}{}
		}
	}
}

// NewPropertyInterceptor creates an interceptor writing key=value. value must be a
// string, int, int64, bool, float64 or []byte.
func NewPropertyInterceptor(key string, value interface{}, options ...PropertyOption) *PropertyInterceptor {
	i := &PropertyInterceptor{key: key, value: value}
	ForPacketTypes(remoting.PacketSend, remoting.PacketDeliver)(i)

	for _, opt := range options {
		opt(i)
	}
	return i
}

// SetReject makes subsequent packets be vetoed after the property is written
func (i *PropertyInterceptor) SetReject(reject bool) {
	i.reject.Store(reject)
}

// WasCalled reports whether a matching packet was intercepted since the last reset
func (i *PropertyInterceptor) WasCalled() bool {
	return i.wasCalled.Load()
}

// ResetCalled clears the WasCalled flag
func (i *PropertyInterceptor) ResetCalled() {
	i.wasCalled.Store(false)
}

// Calls returns how many matching packets were intercepted
func (i *PropertyInterceptor) Calls() int64 {
	return i.calls.Load()
}

// Intercept implements remoting.Interceptor
func (i *PropertyInterceptor) Intercept(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
	if _, ok := i.types[pkt.Type()]; !ok {
		return true, nil
	}

	msg := pkt.Message()
	if msg == nil {
		return true, nil
	}

	if err := putProperty(msg, i.key, i.value); err != nil {
		return false, err
	}

	i.wasCalled.Store(true)
	i.calls.Add(1)
	return !i.reject.Load(), nil
}

// Name implements remoting.Named
func (i *PropertyInterceptor) Name() string {
	return fmt.Sprintf("PropertyInterceptor[%s]", i.key)
}

func putProperty(msg *contracts.Message, key string, value interface{}) error {
	switch v := value.(type) {
	case string:
		msg.PutStringProperty(key, v)
	case int:
		msg.PutIntProperty(key, int64(v))
	case int64:
		msg.PutIntProperty(key, v)
	case bool:
		msg.PutBoolProperty(key, v)
	case float64:
		msg.PutFloatProperty(key, v)
	case []byte:
		msg.PutBytesProperty(key, v)
	default:
		return fmt.Errorf("unsupported property type %T for key %s", value, key)
	}
	return nil
}

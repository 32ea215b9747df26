// Package remoting carries broker operations between a client and a server as typed
// packets and runs them through interceptor chains.
//
// This package provides:
//   - Packet: the immutable envelope of one operation (SEND, DELIVER, control requests)
//   - Connection: one end of an in-VM link with an ordered, single-goroutine inbound path
//   - Interceptor and InterceptorChain: a copy-on-write registry with veto semantics
//   - Pipeline: consults a chain before an endpoint routes or delivers a packet
//
// Interceptors run synchronously on the goroutine that owns the packet, in
// registration order:
//
//	chain := remoting.NewInterceptorChain(logger)
//	chain.Add(remoting.NewInterceptorFunc("stamp", func(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
//		if sm, ok := pkt.SendMessage(); ok {
//			sm.Message.PutStringProperty("fruit", "orange")
//		}
//		return true, nil
//	}))
//
// A false return is a silent veto: the packet is dropped and nothing is sent back.
// Errors abort the chain and are reported to the initiating operation.
package remoting

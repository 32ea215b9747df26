// Package interceptors provides ready-made interceptors for remoting chains.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs every packet it sees and accepts it
//   - PropertyInterceptor: writes a property on the message of selected packet types,
//     and can be switched to veto at runtime
//   - FilteringInterceptor: vetoes packets whose message fails a PacketFilter
//   - RateLimitingInterceptor: vetoes packets above a token-bucket rate
//   - JournalInterceptor: records a snapshot of each message into a journal
//
// Example usage:
//
//	broker.RemotingService().AddInterceptor(
//		interceptors.NewPropertyInterceptor("fruit", "orange"),
//	)
//	factory.AddInterceptor(interceptors.NewFilteringInterceptor(
//		interceptors.PropertyEquals("region", "eu"),
//		interceptors.WithFilterTypes(remoting.PacketDeliver),
//	))
//
// Every interceptor here is safe for concurrent use by many connections.
package interceptors

// Package server implements the broker end of the remoting layer.
//
// A Broker accepts in-VM connections through its RemotingService. Every connection gets
// a pipeline that runs SEND packets through the server interceptor chain before the
// session handler routes them through the PostOffice to the bound queues. Queues push
// messages to their consumer as DELIVER packets while the consumer's session is started.
//
// Example:
//
//	broker := server.NewBroker(server.WithLogger(logger))
//	broker.RemotingService().AddInterceptor(interceptors.NewLoggingInterceptor(logger))
//	if err := broker.Start(ctx); err != nil {
//		return err
//	}
//	defer broker.Stop()
package server

// Package client provides sessions, producers and consumers over a remoting connection.
//
// A SessionFactory owns the client interceptor chain. Every session it creates runs
// outgoing SEND packets and incoming DELIVER packets through that chain.
//
// Example:
//
//	factory := client.NewSessionFactory(broker, client.WithLogger(logger))
//	session, err := factory.CreateSession(ctx)
//	if err != nil {
//		return err
//	}
//	defer session.Close(ctx)
//
//	if err := session.CreateQueue(ctx, "orders", "orders"); err != nil {
//		return err
//	}
//	consumer, err := session.CreateConsumer(ctx, "orders")
//	if err != nil {
//		return err
//	}
//	if err := session.Start(ctx); err != nil {
//		return err
//	}
//
//	msg := session.CreateMessage(false)
//	msg.PutStringProperty("fruit", "apple")
//	if err := session.CreateProducer("orders").Send(ctx, msg); err != nil {
//		return err
//	}
//	received, err := consumer.Receive(time.Second)
package client

// Package reliability provides retry policies for operations that may fail transiently,
// such as opening a connection to a broker that is still starting.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2.0, 5)
//	err := reliability.Retry(ctx, policy, func() error {
//	    conn, err = connector.Connect(ctx)
//	    return err
//	})
package reliability

// Package contracts provides the message and error types shared by both ends of a
// remoting connection.
//
// This package defines:
//   - Message: a property store plus an opaque body, referenced by send and delivery packets
//   - BrokerError: the error type that crosses a connection inside an exception packet
//   - Sentinel errors for the failure cases callers test for with errors.Is
//
// A Message has no fixed role. It is a producer-side message while it travels inside a
// send packet and a delivery-side message while it travels inside a delivery packet.
package contracts

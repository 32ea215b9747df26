package contracts

import (
	"errors"
	"fmt"
)

var (
	// Packet errors
	ErrInvalidPacket = errors.New("remoting: packet type does not match its payload")

	// Connection and session errors
	ErrConnectionClosed = errors.New("remoting: connection is closed")
	ErrSessionClosed    = errors.New("remoting: session is closed")
	ErrCallTimeout      = errors.New("remoting: timed out waiting for response")

	// Queue and consumer errors
	ErrQueueExists      = errors.New("broker: queue already exists")
	ErrQueueNotFound    = errors.New("broker: queue not found")
	ErrConsumerExists   = errors.New("broker: queue already has a consumer")
	ErrConsumerNotFound = errors.New("broker: consumer not found")
	ErrConsumerClosed   = errors.New("broker: consumer is closed")

	// Interceptor errors
	ErrInterceptorFailure = errors.New("remoting: interceptor failed")
)

// ErrorCode classifies a BrokerError
type ErrorCode int

const (
	CodeInternal ErrorCode = iota
	CodeInterceptorFailure
	CodeInvalidPacket
	CodeQueueExists
	CodeQueueNotFound
	CodeConsumerExists
	CodeConsumerNotFound
	CodeSessionClosed
)

var codeNames = map[ErrorCode]string{
	CodeInternal:           "INTERNAL",
	CodeInterceptorFailure: "INTERCEPTOR_FAILURE",
	CodeInvalidPacket:      "INVALID_PACKET",
	CodeQueueExists:        "QUEUE_EXISTS",
	CodeQueueNotFound:      "QUEUE_NOT_FOUND",
	CodeConsumerExists:     "CONSUMER_EXISTS",
	CodeConsumerNotFound:   "CONSUMER_NOT_FOUND",
	CodeSessionClosed:      "SESSION_CLOSED",
}

// codeSentinels is checked in order, so an interceptor failure wrapping another
// sentinel is still reported as an interceptor failure.
var codeSentinels = []struct {
	code     ErrorCode
	sentinel error
}{
	{CodeInterceptorFailure, ErrInterceptorFailure},
	{CodeInvalidPacket, ErrInvalidPacket},
	{CodeQueueExists, ErrQueueExists},
	{CodeQueueNotFound, ErrQueueNotFound},
	{CodeConsumerExists, ErrConsumerExists},
	{CodeConsumerNotFound, ErrConsumerNotFound},
	{CodeSessionClosed, ErrSessionClosed},
}

func sentinelOf(code ErrorCode) error {
	for _, cs := range codeSentinels {
		if cs.code == code {
			return cs.sentinel
		}
	}
	return nil
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// BrokerError is an error reported by the broker or by an interceptor.
// It is the only error that crosses a connection.
type BrokerError struct {
	Code    ErrorCode
	Message string
	Err     error // Underlying error, local side only
}

// NewBrokerError creates a broker error with the given code and message
func NewBrokerError(code ErrorCode, message string) *BrokerError {
	return &BrokerError{Code: code, Message: message}
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error %s: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error associated with the error code
func (e *BrokerError) Is(target error) bool {
	sentinel := sentinelOf(e.Code)
	return sentinel != nil && sentinel == target
}

// AsBrokerError converts any error into a BrokerError suitable for sending to a peer
func AsBrokerError(err error) *BrokerError {
	if err == nil {
		return nil
	}

	var be *BrokerError
	if errors.As(err, &be) {
		return be
	}

	for _, cs := range codeSentinels {
		if errors.Is(err, cs.sentinel) {
			return &BrokerError{Code: cs.code, Message: err.Error(), Err: err}
		}
	}

	return &BrokerError{Code: CodeInternal, Message: err.Error(), Err: err}
}

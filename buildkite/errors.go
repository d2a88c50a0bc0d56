package buildkite

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ConnectError.
type ErrorKind int

const (
	// KindConnection is a transport level failure. The cause is preserved.
	KindConnection ErrorKind = iota + 1
	// KindAuth means the API token was rejected.
	KindAuth
	// KindServiceUnavailable is any other non-success handshake status.
	KindServiceUnavailable
	// KindUnexpectedSubscription is a confirmation for a channel we did not
	// ask for.
	KindUnexpectedSubscription
	// KindSubscriptionRejected means the server refused the subscription.
	KindSubscriptionRejected
	// KindSocketClosed means the socket closed under us.
	KindSocketClosed
	// KindUnknownMessageType is an inbound frame outside the protocol.
	KindUnknownMessageType
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindAuth:
		return "AuthError"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindUnexpectedSubscription:
		return "UnexpectedSubscription"
	case KindSubscriptionRejected:
		return "SubscriptionRejected"
	case KindSocketClosed:
		return "SocketClosed"
	case KindUnknownMessageType:
		return "UnknownMessageType"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

const (
	connectionErrorPrefix = "Error connecting to Buildkite: "

	authErrorMessage = "Buildkite Test Analytics: Invalid Suite API key. Please double check your Suite API key."

	serviceUnavailableMessage = "bktest could not establish an initial connection with Buildkite. " +
		"You may be missing some data for this test suite, please contact support."

	subscriptionRejectedMessage = "Connection refused by Buildkite. Web socket rejected."
)

// ConnectError is returned when a handshake or subscription fails.
type ConnectError struct {
	Kind    ErrorKind
	Message string
	// Code is the close code for KindSocketClosed.
	Code int
	// Identifier is the unexpected channel for KindUnexpectedSubscription,
	// or the frame type for KindUnknownMessageType.
	Identifier string
	Err        error
}

func (e *ConnectError) Error() string {
	return e.Message
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a ConnectError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == kind
}

func newConnectionError(cause error) *ConnectError {
	return &ConnectError{
		Kind:    KindConnection,
		Message: connectionErrorPrefix + cause.Error(),
		Err:     cause,
	}
}

func newAuthError() *ConnectError {
	return &ConnectError{Kind: KindAuth, Message: authErrorMessage}
}

func newServiceUnavailableError(status int) *ConnectError {
	return &ConnectError{Kind: KindServiceUnavailable, Message: serviceUnavailableMessage, Code: status}
}

func newUnexpectedSubscriptionError(identifier string) *ConnectError {
	return &ConnectError{
		Kind:       KindUnexpectedSubscription,
		Message:    "Received unexpected subscription confirmation from Buildkite: " + identifier,
		Identifier: identifier,
	}
}

func newSubscriptionRejectedError() *ConnectError {
	return &ConnectError{Kind: KindSubscriptionRejected, Message: subscriptionRejectedMessage}
}

func newSocketClosedError(code int, description string) *ConnectError {
	return &ConnectError{
		Kind:    KindSocketClosed,
		Message: fmt.Sprintf("Connection to buildkite closed: %d: %s", code, description),
		Code:    code,
	}
}

func newUnknownMessageTypeError(frameType string) *ConnectError {
	return &ConnectError{
		Kind:       KindUnknownMessageType,
		Message:    "Unknown message: " + frameType,
		Identifier: frameType,
	}
}

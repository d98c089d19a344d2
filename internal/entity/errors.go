package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindSignatureInputInvalid  ErrorKind = "SignatureInputInvalid"
	KindGatewayRejected        ErrorKind = "GatewayRejected"
	KindTransportFailure       ErrorKind = "TransportFailure"
	KindPersistenceFailure     ErrorKind = "PersistenceFailure"
	KindTokenOwnershipMismatch ErrorKind = "TokenOwnershipMismatch"
	KindNotificationUnverified ErrorKind = "NotificationUnverified"
	KindNotificationUnresolved ErrorKind = "NotificationUnresolved"
	KindInvalidRequest         ErrorKind = "InvalidRequest"
	KindNotFound               ErrorKind = "NotFound"
	KindInFlight               ErrorKind = "InFlight"
)

type kindError ErrorKind

func (k kindError) Error() string { return string(k) }

// Sentinels, one per kind. Match with errors.Is.
var (
	ErrSignatureInputInvalid  error = kindError(KindSignatureInputInvalid)
	ErrGatewayRejected        error = kindError(KindGatewayRejected)
	ErrTransportFailure       error = kindError(KindTransportFailure)
	ErrPersistenceFailure     error = kindError(KindPersistenceFailure)
	ErrTokenOwnershipMismatch error = kindError(KindTokenOwnershipMismatch)
	ErrNotificationUnverified error = kindError(KindNotificationUnverified)
	ErrNotificationUnresolved error = kindError(KindNotificationUnresolved)
	ErrInvalidRequest         error = kindError(KindInvalidRequest)
	ErrNotFound               error = kindError(KindNotFound)
	ErrInFlight               error = kindError(KindInFlight)
)

// Error tags a cause with its kind and the order it concerns.
type Error struct {
	Kind    ErrorKind
	OrderID string
	Err     error
}

func NewError(kind ErrorKind, orderID string, err error) *Error {
	return &Error{Kind: kind, OrderID: orderID, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.OrderID != "" {
		msg += " order_id=" + e.OrderID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && ErrorKind(k) == e.Kind
}

// KindOf returns the kind carried by err, or "" for untagged errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kindError
	if errors.As(err, &k) {
		return ErrorKind(k)
	}
	return ""
}

// Retryable reports whether the caller may safely repeat the call with the
// same order id.
func Retryable(err error) bool {
	return KindOf(err) == KindTransportFailure
}

// GatewayError is a business failure reported by the gateway, kept verbatim.
type GatewayError struct {
	Operation string
	Code      string
	Message   string
	Details   string
	Payload   map[string]any
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s rejected: code=%s message=%q details=%q",
		e.Operation, e.Code, e.Message, e.Details)
}

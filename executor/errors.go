package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrHTTP marks transport failures; they are the only retryable errors.
	ErrHTTP                = errors.New("exchange transport error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRejected            = errors.New("order rejected")

	ErrNoAdapter    = errors.New("no exchange adapter configured")
	ErrAdapterFault = errors.New("exchange adapter returned an inconsistent order")
	ErrNotPending   = errors.New("order is not pending")
)

// OrderError carries the kind of failure (one of ErrHTTP,
// ErrInsufficientBalance, ErrRejected), a reason and the underlying cause.
type OrderError struct {
	Kind   error
	Reason string
	Err    error
}

func (e *OrderError) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func TransportError(err error) error {
	return &OrderError{Kind: ErrHTTP, Err: err}
}

func Rejection(reason string) error {
	return &OrderError{Kind: ErrRejected, Reason: reason}
}

func InsufficientBalance(reason string) error {
	return &OrderError{Kind: ErrInsufficientBalance, Reason: reason}
}

// Retryable reports whether err is a transport failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrHTTP)
}

// Reason extracts a human readable rejection reason from err.
func Reason(err error) string {
	var oe *OrderError
	if errors.As(err, &oe) && oe.Reason != "" {
		return oe.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// classify wraps errors from adapters that do not use the taxonomy.
// Unclassified failures are treated as transport errors. Adapter faults pass
// through: the venue answered, so resending could duplicate a live order.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, ErrHTTP) || errors.Is(err, ErrRejected) || errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrAdapterFault) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrHTTP, err)
}

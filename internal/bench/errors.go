package bench

import (
	"context"
	"errors"
	"net"

	"github.com/gateway-fm/callbench/internal/account"
)

// ErrorKind classifies failures. The set is closed.
type ErrorKind string

const (
	// KindContractExecution: the method reverted, ran out of gas, or the
	// node rejected the transaction (nonce conflict, underpriced, ...).
	KindContractExecution ErrorKind = "contract_execution"
	// KindNetwork: the RPC call could not complete.
	KindNetwork ErrorKind = "network"
	// KindInsufficientAccounts: a scenario needs more accounts than the pool has.
	KindInsufficientAccounts ErrorKind = "insufficient_accounts"
	// KindMalformedDispatchMode: zero/negative repeat count or empty account list.
	KindMalformedDispatchMode ErrorKind = "malformed_dispatch_mode"
	// KindUnknown: anything that could not be classified.
	KindUnknown ErrorKind = "unknown"
)

// ErrMalformedDispatchMode is returned before any call is issued when a
// dispatch mode cannot produce a batch.
var ErrMalformedDispatchMode = errors.New("malformed dispatch mode")

// unknownErrorMessage is used when a failure carries no message at all.
const unknownErrorMessage = "Unknown error"

// CallError is the structured failure produced by a chain client.
type CallError struct {
	Kind    ErrorKind
	Message string // Short, groupable description ("execution reverted")
	Reason  string // Underlying cause (revert reason, RPC error text)
	Trace   string // Context such as tx hash and block, or a stack
	Code    int    // RPC error code when the node returned one
	Err     error  // Wrapped cause
}

func (e *CallError) Error() string {
	switch {
	case e == nil:
		return unknownErrorMessage
	case e.Message == "" && e.Err != nil:
		return e.Err.Error()
	case e.Reason != "" && e.Reason != e.Message:
		return e.Message + ": " + e.Reason
	default:
		return e.Message
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// KindOf classifies an arbitrary error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		if ce == nil {
			return KindUnknown
		}
		if ce.Kind != "" {
			return ce.Kind
		}
	}
	switch {
	case errors.Is(err, ErrMalformedDispatchMode):
		return KindMalformedDispatchMode
	case errors.Is(err, account.ErrInsufficientAccounts):
		return KindInsufficientAccounts
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// normalizeError turns a failure into the (kind, message, reason, trace)
// shape carried by ErrorRecord.
func normalizeError(err error) (kind ErrorKind, message, reason, trace string) {
	kind = KindOf(err)

	var ce *CallError
	if errors.As(err, &ce) {
		if ce != nil {
			message, reason, trace = ce.Message, ce.Reason, ce.Trace
			if message == "" && ce.Err != nil {
				message = ce.Error()
			}
		}
	} else {
		message = err.Error()
		if cause := errors.Unwrap(err); cause != nil {
			reason = cause.Error()
		}
	}

	if reason == "" {
		reason = err.Error()
	}
	if message == "" {
		message = unknownErrorMessage
	}
	return kind, message, reason, trace
}

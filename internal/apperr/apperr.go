// Package apperr defines the error taxonomy shared by every settlement
// component and the HTTP surface that fronts them.
package apperr

import "fmt"

// Kind identifies the category of an Error independent of its message text.
type Kind string

const (
	InvalidArgument     Kind = "invalid_argument"
	Unauthenticated     Kind = "unauthenticated"
	Forbidden           Kind = "forbidden"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	PolicyMismatch      Kind = "policy_mismatch"
	SignerMismatch      Kind = "signer_mismatch"
	ClaimInputMismatch  Kind = "claim_input_mismatch"
	TxPending           Kind = "tx_pending"
	TxFailed            Kind = "tx_failed"
	Timeout             Kind = "timeout"
	RelayNotConfigured  Kind = "relay_not_configured"
	UpstreamError       Kind = "upstream_error"
	StorageError        Kind = "storage_error"
	RecipientUnresolved Kind = "recipient_unresolved"
)

// Error is the carrier type returned across component boundaries. TxState
// and TxStatus are populated only when the error originates from a
// tx-status-aware caller (CSO/SG) and are omitted otherwise.
type Error struct {
	Kind    Kind
	Message string
	TxState string
	TxStatus string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that preserves err for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithTxState attaches the CSO-observed state/status to an Error for
// HTTP surfaces that report {tx_state, tx_status} alongside the error kind.
func (e *Error) WithTxState(state, status string) *Error {
	e.TxState = state
	e.TxStatus = status
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, else
// returns UpstreamError as a conservative default.
func KindOf(err error) Kind {
	var ae *Error
	if As(err, &ae) {
		return ae.Kind
	}
	return UpstreamError
}

// As is a narrow local copy of errors.As specialized to *Error so callers
// in this package tree don't need to import errors just for this check.
func As(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps a Kind to the status code the API layer should return.
func HTTPStatus(k Kind) int {
	switch k {
	case InvalidArgument, ClaimInputMismatch:
		return 400
	case Unauthenticated:
		return 401
	case Forbidden, SignerMismatch:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case PolicyMismatch, RecipientUnresolved:
		return 422
	case TxPending:
		return 200
	case TxFailed:
		return 409
	case Timeout:
		return 504
	case RelayNotConfigured:
		return 503
	case UpstreamError:
		return 502
	case StorageError:
		return 500
	default:
		return 500
	}
}

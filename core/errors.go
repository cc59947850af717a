package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies auction failures so callers can branch on them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAlreadyExists
	KindInvalidParameters
	KindTimeOverflow
	KindUnauthorized
	KindNotFound
	KindAlreadySettled
	KindAuctionEnded
	KindNotEnded
	KindBelowReserve
	KindBidTooLow
	KindNotSupported
	KindTransferFailed
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindAlreadyExists:     "already_exists",
	KindInvalidParameters: "invalid_parameters",
	KindTimeOverflow:      "time_overflow",
	KindUnauthorized:      "unauthorized",
	KindNotFound:          "not_found",
	KindAlreadySettled:    "already_settled",
	KindAuctionEnded:      "auction_ended",
	KindNotEnded:          "not_ended",
	KindBelowReserve:      "below_reserve",
	KindBidTooLow:         "bid_too_low",
	KindNotSupported:      "not_supported",
	KindTransferFailed:    "transfer_failed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseErrorKind maps a wire name back to its kind. Unknown names map to KindUnknown.
func ParseErrorKind(name string) ErrorKind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// Error is a failed auction operation.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Msg != "":
		return e.Msg
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrBidTooLow) works
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists, Msg: "auction already exists"}
	ErrInvalidParameters = &Error{Kind: KindInvalidParameters, Msg: "invalid auction parameters"}
	ErrTimeOverflow      = &Error{Kind: KindTimeOverflow, Msg: "time overflow"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "auction not found"}
	ErrAlreadySettled    = &Error{Kind: KindAlreadySettled, Msg: "auction already settled"}
	ErrAuctionEnded      = &Error{Kind: KindAuctionEnded, Msg: "auction has ended"}
	ErrNotEnded          = &Error{Kind: KindNotEnded, Msg: "auction has not ended yet"}
	ErrBelowReserve      = &Error{Kind: KindBelowReserve, Msg: "bid lower than reserve price"}
	ErrBidTooLow         = &Error{Kind: KindBidTooLow, Msg: "bid must be higher than current highest bid"}
	ErrNotSupported      = &Error{Kind: KindNotSupported, Msg: "immediate refund pattern in use, no funds to withdraw manually"}
	ErrTransferFailed    = &Error{Kind: KindTransferFailed, Msg: "transfer failed"}
)

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func transferFailed(what string, err error) *Error {
	return &Error{Kind: KindTransferFailed, Msg: what, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

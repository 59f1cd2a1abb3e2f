package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorKind string

const (
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindUsedByOther      ErrorKind = "USED_BY_OTHER_DEVICE"
	KindExpired          ErrorKind = "EXPIRED"
	KindDisabled         ErrorKind = "DISABLED"
	KindInvalidFormat    ErrorKind = "INVALID_FORMAT"
	KindInvalidSignature ErrorKind = "INVALID_SIGNATURE"
	KindRateLimited      ErrorKind = "RATE_LIMITED"
	KindNetworkError     ErrorKind = "NETWORK_ERROR"
	KindServerInternal   ErrorKind = "SERVER_INTERNAL"
)

// Messages returned across the wire. Clients map these to friendly text.
const (
	MsgNotFound         = "license code not found"
	MsgExpired          = "license code has expired"
	MsgUsedByOther      = "license code already used by another device"
	MsgInvalidFormat    = "invalid license code format"
	MsgInvalidSignature = "request signature verification failed"
	MsgRateLimited      = "too many verification attempts, please try again later"
	MsgInternal         = "internal server error"
	MsgStatusPrefix     = "license status is "
)

// HTTPStatus maps a kind onto the response status used by the server.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServerInternal:
		return http.StatusInternalServerError
	case KindNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Transient kinds are retried by the client before being surfaced.
func (k ErrorKind) Transient() bool {
	return k == KindRateLimited || k == KindNetworkError
}

type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can write errors.Is(err, models.ErrExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound, Message: MsgNotFound}
	ErrExpired          = &Error{Kind: KindExpired, Message: MsgExpired}
	ErrUsedByOther      = &Error{Kind: KindUsedByOther, Message: MsgUsedByOther}
	ErrInvalidFormat    = &Error{Kind: KindInvalidFormat, Message: MsgInvalidFormat}
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature, Message: MsgInvalidSignature}
	ErrRateLimited      = &Error{Kind: KindRateLimited, Message: MsgRateLimited}
)

// StatusError names the stored status of a license that can no longer verify.
func StatusError(status Status) *Error {
	kind := KindDisabled
	switch status {
	case StatusExpired:
		kind = KindExpired
	case StatusUsed:
		kind = KindUsedByOther
	}
	return &Error{Kind: kind, Message: MsgStatusPrefix + string(status)}
}

func Internal(err error) *Error {
	return &Error{Kind: KindServerInternal, Message: MsgInternal, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: MsgRateLimited, RetryAfter: retryAfter}
}

// KindOf extracts the kind of err, treating unknown errors as internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerInternal
}

// PublicMessage is the text safe to send to clients; internal detail never leaks.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindServerInternal {
		return e.Message
	}
	return MsgInternal
}

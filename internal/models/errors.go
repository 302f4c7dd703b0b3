package models

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidParams      Code = "INVALID_PARAMS"
	CodeInvalidAgent       Code = "INVALID_AGENT"
	CodeUnsupportedAction  Code = "UNSUPPORTED_ACTION"
	CodeInvalidBet         Code = "INVALID_BET"
	CodeInvalidDeposit     Code = "INVALID_DEPOSIT"
	CodeMaxBetExceeded     Code = "MAX_BET_EXCEEDED"
	CodeInsufficientFunds  Code = "INSUFFICIENT_BALANCE"
	CodeChannelNotFound    Code = "CHANNEL_NOT_FOUND"
	CodeChannelExists      Code = "CHANNEL_ALREADY_EXISTS"
	CodePendingCommit      Code = "PENDING_COMMIT_EXISTS"
	CodeCommitNotFound     Code = "COMMIT_NOT_FOUND"
	CodeCommitExpired      Code = "COMMIT_EXPIRED"
	CodeEntropyPending     Code = "ENTROPY_PENDING"
	CodeDrawNotFound       Code = "DRAW_NOT_FOUND"
	CodeDrawClosed         Code = "DRAW_CLOSED"
	CodeFairnessViolation  Code = "FAIRNESS_VIOLATION"
	CodeSignerUnavailable  Code = "SIGNER_UNAVAILABLE"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternal           Code = "INTERNAL"
)

// Tier groups codes by how callers should react to them.
type Tier int

const (
	TierValidation Tier = iota + 1
	TierState
	TierFairness
	TierInfrastructure
)

func (c Code) Tier() Tier {
	switch c {
	case CodeInvalidParams, CodeInvalidAgent, CodeUnsupportedAction, CodeInvalidBet, CodeInvalidDeposit:
		return TierValidation
	case CodeFairnessViolation:
		return TierFairness
	case CodeSignerUnavailable, CodeStorageUnavailable, CodeRateLimited, CodeInternal:
		return TierInfrastructure
	default:
		return TierState
	}
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeChannelNotFound, CodeCommitNotFound, CodeDrawNotFound:
		return http.StatusNotFound
	case CodeChannelExists, CodePendingCommit, CodeFairnessViolation:
		return http.StatusConflict
	case CodeEntropyPending:
		return http.StatusAccepted
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSignerUnavailable, CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Error is the domain error returned by every engine operation.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code, so errors.Is(err, &Error{Code: CodeCommitExpired}) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns INTERNAL for errors that are not domain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

package models

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes into the families callers branch on.
type ErrorKind string

const (
	KindPermission   ErrorKind = "permission"
	KindIdempotency  ErrorKind = "idempotency"
	KindVerification ErrorKind = "verification"
	KindSettlement   ErrorKind = "settlement"
	KindStorage      ErrorKind = "storage"
)

// ErrorCode is the stable reason code carried by every rejection.
type ErrorCode string

const (
	CodeMissingPermission ErrorCode = "MISSING_PERMISSION"
	CodeMissingSignature  ErrorCode = "MISSING_SIGNATURE"
	CodeMalformedData     ErrorCode = "MALFORMED_DATA"
	CodeNotYetStarted     ErrorCode = "NOT_YET_STARTED"
	CodeExpired           ErrorCode = "EXPIRED"

	CodeAlreadyTipped ErrorCode = "ALREADY_TIPPED"

	CodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	CodeMalformedSignature ErrorCode = "MALFORMED_SIGNATURE"

	CodeSettlementRejected    ErrorCode = "SETTLEMENT_REJECTED"
	CodeSettlementUnreachable ErrorCode = "SETTLEMENT_UNREACHABLE"
	// CodeApprovalPartial means the allowance was registered on-chain but the
	// trial debit did not go through.
	CodeApprovalPartial ErrorCode = "APPROVAL_PARTIAL"

	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
	CodeStorageFailure      ErrorCode = "STORAGE_FAILURE"
)

var codeKinds = map[ErrorCode]ErrorKind{
	CodeMissingPermission:     KindPermission,
	CodeMissingSignature:      KindPermission,
	CodeMalformedData:         KindPermission,
	CodeNotYetStarted:         KindPermission,
	CodeExpired:               KindPermission,
	CodeAlreadyTipped:         KindIdempotency,
	CodeInvalidSignature:      KindVerification,
	CodeMalformedSignature:    KindVerification,
	CodeSettlementRejected:    KindSettlement,
	CodeSettlementUnreachable: KindSettlement,
	CodeApprovalPartial:       KindSettlement,
	CodeNotFound:              KindStorage,
	CodeConstraintViolation:   KindStorage,
	CodeStorageFailure:        KindStorage,
}

// Error is the typed error returned by every tributum operation.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	// Code is the stable reason code.
	Code ErrorCode
	// Message is the human-readable description.
	Message string
	// TxHash references the on-chain transaction the error relates to, if any.
	TxHash string
	// Err is the underlying cause.
	Err error
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingPermission     = &Error{Code: CodeMissingPermission, Message: "no spend permission on record"}
	ErrMissingSignature      = &Error{Code: CodeMissingSignature, Message: "spend permission is not signed"}
	ErrMalformedData         = &Error{Code: CodeMalformedData, Message: "spend permission data is malformed"}
	ErrNotYetStarted         = &Error{Code: CodeNotYetStarted, Message: "spend permission is not active yet"}
	ErrExpired               = &Error{Code: CodeExpired, Message: "spend permission has expired"}
	ErrAlreadyTipped         = &Error{Code: CodeAlreadyTipped, Message: "chapter already tipped by this user"}
	ErrInvalidSignature      = &Error{Code: CodeInvalidSignature, Message: "signature does not match the permission"}
	ErrMalformedSignature    = &Error{Code: CodeMalformedSignature, Message: "signature is malformed"}
	ErrSettlementRejected    = &Error{Code: CodeSettlementRejected, Message: "transaction was rejected by the chain"}
	ErrSettlementUnreachable = &Error{Code: CodeSettlementUnreachable, Message: "settlement outcome unknown, re-query the transaction before retrying"}
	ErrApprovalPartial       = &Error{Code: CodeApprovalPartial, Message: "allowance registered but trial debit failed"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "record not found"}
	ErrConstraintViolation   = &Error{Code: CodeConstraintViolation, Message: "storage constraint violated"}
	ErrStorageFailure        = &Error{Code: CodeStorageFailure, Message: "storage failure"}
)

// NewError creates a new Error with the given code, message and cause.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Wrap creates a new Error copying code and message from a sentinel.
func Wrap(sentinel *Error, err error) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Err: err}
}

// WithTxHash returns a copy of the error carrying a transaction reference.
// The receiver is left untouched, so sentinels stay clean.
func (e *Error) WithTxHash(txHash string) *Error {
	c := *e
	c.TxHash = txHash
	return &c
}

// Kind returns the family the error code belongs to.
func (e *Error) Kind() ErrorKind {
	return codeKinds[e.Code]
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry the whole operation.
// Only an unreachable settlement qualifies, and only after the caller has
// re-queried the transaction status.
func (e *Error) Retryable() bool {
	return e.Code == CodeSettlementUnreachable
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

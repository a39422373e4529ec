// Copyright 2024 The swapcapture Authors
// This file is part of the swapcapture library.
//
// The swapcapture library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The swapcapture library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the swapcapture library. If not, see <http://www.gnu.org/licenses/>.

package types

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class. Codes are stable and surfaced to
// clients verbatim in error bodies and webhook payloads.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeDuplicateTrade     ErrorCode = "DUPLICATE_TRADE_ID"
	CodeLockAcquisition    ErrorCode = "LOCK_ACQUISITION_FAILED"
	CodeSequenceGap        ErrorCode = "SEQUENCE_GAP"
	CodeInvalidTransition  ErrorCode = "INVALID_STATE_TRANSITION"
	CodeEnrichmentFailed   ErrorCode = "ENRICHMENT_FAILED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeProcessing         ErrorCode = "PROCESSING_ERROR"
)

// Transient reports whether failures of this class may succeed on retry.
// Retry budgets are owned by the caller; permanent codes must never be
// retried.
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeValidation, CodeDuplicateTrade, CodeInvalidTransition:
		return false
	default:
		return true
	}
}

// CodedError carries an ErrorCode alongside a human readable message and an
// optional wrapped cause.
type CodedError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Coded creates a CodedError with a formatted message.
func Coded(code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodedWrap wraps cause with a code and message. A nil cause yields a plain
// coded error.
func CodedWrap(code ErrorCode, cause error, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed. Errors that
// carry no code classify as PROCESSING_ERROR.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeProcessing
}

// IsTransient reports whether err belongs to a retryable failure class.
func IsTransient(err error) bool {
	return CodeOf(err).Transient()
}

// ErrorDetail is the wire form of a failure, embedded in job records and
// webhook bodies.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DetailOf flattens err into its wire form.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return &ErrorDetail{Code: coded.Code, Message: coded.Msg}
	}
	return &ErrorDetail{Code: CodeProcessing, Message: err.Error()}
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies carrier failures into the categories the signaling
// layer and retry policy act on.
type ErrorKind string

const (
	KindAuthFailed        ErrorKind = "AuthFailed"
	KindInvalidTo         ErrorKind = "InvalidTo"
	KindInvalidFrom       ErrorKind = "InvalidFrom"
	KindNumberNotVerified ErrorKind = "NumberNotVerified"
	KindBillingBlocked    ErrorKind = "BillingBlocked"
	KindRateLimited       ErrorKind = "RateLimited"
	KindNetworkError      ErrorKind = "NetworkError"
	KindTimeout           ErrorKind = "Timeout"
	KindUnknown           ErrorKind = "UnknownProviderError"
)

// ProviderError is the typed carrier failure. Code carries the carrier's own
// numeric error code when one exists.
type ProviderError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying. Only network
// faults and timeouts are; auth and number errors never recover on retry.
func (e *ProviderError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindNetworkError
}

func newProviderError(kind ErrorKind, code int, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Code: code, Message: message, Err: err}
}

// Classify extracts the ProviderError from err, wrapping unclassified errors
// as UnknownProviderError.
func Classify(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return newProviderError(KindUnknown, 0, err.Error(), err)
}

// classifyHTTPStatus maps a plain HTTP status to an error kind. Carrier
// specific codes refine this in the individual drivers.
func classifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthFailed
	case status == 402:
		return KindBillingBlocked
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindNetworkError
	default:
		return KindUnknown
	}
}

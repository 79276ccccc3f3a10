// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chaterr defines the error kinds shared by the relay gateway,
// the backend adapters and the chat session controller.
package chaterr

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// =============================================================================
// WIRE MESSAGES
// =============================================================================

const (
	// QuotaSentinel is the body the gateway returns when the cloud quota is spent.
	QuotaSentinel = "QUOTA_EXCEEDED"

	// GenericMessage is returned to clients for any unclassified failure.
	GenericMessage = "Something went wrong"

	// MessagesRequired is returned when a request carries no messages.
	MessagesRequired = "Messages required"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind categorizes an error for handling.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindQuotaExceeded
	KindUpstream
	KindMalformedChunk
	KindCancelled
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUpstream:
		return "upstream_failure"
	case KindMalformedChunk:
		return "malformed_chunk"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// HTTPStatus is the status the gateway answers with for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is a classified relay error. Status holds the upstream or gateway
// HTTP status when one was observed.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrQuotaExceeded)
// works for wrapped and freshly built values alike.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors for easy checking.
var (
	ErrQuotaExceeded    = &Error{Kind: KindQuotaExceeded, Message: QuotaSentinel, Status: http.StatusTooManyRequests}
	ErrMessagesRequired = &Error{Kind: KindInvalidRequest, Message: MessagesRequired, Status: http.StatusBadRequest}
	ErrCancelled        = &Error{Kind: KindCancelled, Message: "request cancelled"}
)

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind carrying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// FromStatus builds the error for a non-success HTTP response. body is the
// response text, used as the message when present.
func FromStatus(status int, body string) *Error {
	body = strings.TrimSpace(body)

	kind := KindUpstream
	switch {
	case status == http.StatusTooManyRequests || body == QuotaSentinel:
		kind = KindQuotaExceeded
	case status == http.StatusBadRequest:
		kind = KindInvalidRequest
	}

	msg := body
	if msg == "" {
		msg = "HTTP " + strconv.Itoa(status)
	}
	return &Error{Kind: kind, Message: msg, Status: status}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// quotaPhrases mark an exhausted quota in unstructured error text. A bare
// "429" is not enough: it shows up in addresses such as 127.0.0.1:54290.
var quotaPhrases = []string{
	QuotaSentinel,
	"status 429",
	"HTTP 429",
	"429 Too Many Requests",
}

// Classify reports the kind of err. Structured errors are trusted first;
// text matching on quotaPhrases is kept only for errors that crossed a
// boundary without their status.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUnknown && e.Status != 0 {
			return FromStatus(e.Status, "").Kind
		}
		return e.Kind
	}

	msg := err.Error()
	for _, phrase := range quotaPhrases {
		if strings.Contains(msg, phrase) {
			return KindQuotaExceeded
		}
	}
	return KindUpstream
}

// IsQuotaExceeded checks if err signals an exhausted cloud quota.
func IsQuotaExceeded(err error) bool {
	return Classify(err) == KindQuotaExceeded
}

// IsCancelled checks if err is the silent end of a superseded exchange.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

// PublicMessage is the text a client may see for err.
func PublicMessage(err error) string {
	switch Classify(err) {
	case KindQuotaExceeded:
		return QuotaSentinel
	case KindInvalidRequest:
		var e *Error
		if errors.As(err, &e) && e.Message != "" {
			return e.Message
		}
		return "Invalid request"
	default:
		return GenericMessage
	}
}

package client

import (
	"errors"
	"fmt"

	"github.com/calcproxy/calcproxy/pkg/protocol"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 400-class responses: the request
	// itself was rejected.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 500-class responses: the server or
	// proxy failed to produce a result.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures: dial errors,
	// timeouts, and truncated frames.
	ErrorClassNetwork ErrorClass = "network"
)

// CalcError is a status-coded error response from the server or proxy.
type CalcError struct {
	StatusCode uint16
	ErrorClass ErrorClass
	Message    string
}

// Error implements the error interface.
func (e *CalcError) Error() string {
	return fmt.Sprintf("calc %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Message)
}

// classifyStatus maps a response status code to an error class.
func classifyStatus(status uint16) ErrorClass {
	switch {
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ErrorClassServer
	}
}

// shouldRetry reports whether a failed round trip is worth repeating.
// Only transport failures are: a status-coded response is an answer,
// and repeating it would just re-run the same computation.
func shouldRetry(err error) bool {
	var calcErr *CalcError
	if errors.As(err, &calcErr) {
		return false
	}
	if errors.Is(err, protocol.ErrEncoding) {
		return false
	}
	return true
}

package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of call failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses and JSON-RPC request/execution errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses and node-internal JSON-RPC errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and provider limit errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// JSON-RPC error codes the client distinguishes.
const (
	codeExecutionReverted = 3
	codeInvalidRequest    = -32600
	codeMethodNotFound    = -32601
	codeInvalidParams     = -32602
	codeInternal          = -32603
	codeLimitExceeded     = -32005
)

// RPCError represents a failed call with the HTTP status and/or JSON-RPC error.
type RPCError struct {
	StatusCode int
	Code       int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc %s error (status %d, code %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("rpc %s error (status %d, code %d): %s",
		e.ErrorClass, e.StatusCode, e.Code, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RPCError) Unwrap() error {
	return e.Err
}

// IsExecutionReverted reports whether err is a contract revert. Reverts are
// deterministic and never retried.
func IsExecutionReverted(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == codeExecutionReverted ||
		strings.Contains(strings.ToLower(rpcErr.Message), "execution reverted")
}

// classifyCode maps a JSON-RPC error code to an ErrorClass.
func classifyCode(code int, message string) ErrorClass {
	switch {
	case code == codeLimitExceeded, code == 429:
		return ErrorClassRateLimit
	case code == codeExecutionReverted,
		code == codeInvalidRequest,
		code == codeMethodNotFound,
		code == codeInvalidParams:
		return ErrorClassClient
	case strings.Contains(strings.ToLower(message), "execution reverted"):
		return ErrorClassClient
	case strings.Contains(strings.ToLower(message), "rate limit"):
		return ErrorClassRateLimit
	case code == codeInternal:
		return ErrorClassServer
	default:
		return ErrorClassServer
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// reverts and malformed requests fail the same way every time
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

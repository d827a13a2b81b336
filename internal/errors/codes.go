package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a broker failure class.
type ErrorCode string

const (
	// ErrCodeQueueFull indicates the realm dispatch queue rejected a query
	// due to backpressure. Recoverable by caller retry with backoff.
	ErrCodeQueueFull ErrorCode = "QUEUE_FULL"
	// ErrCodeUnknownQueryType indicates no realm serves the query type.
	ErrCodeUnknownQueryType ErrorCode = "UNKNOWN_QUERY_TYPE"
	// ErrCodeNoEligibleWorker indicates no healthy worker could be selected.
	ErrCodeNoEligibleWorker ErrorCode = "NO_ELIGIBLE_WORKER"
	// ErrCodeDispatchTimeout indicates a remote worker call exceeded its deadline.
	ErrCodeDispatchTimeout ErrorCode = "DISPATCH_TIMEOUT"
	// ErrCodeDuplicateAddress indicates a worker re-registered the same address
	// with incompatible capabilities.
	ErrCodeDuplicateAddress ErrorCode = "DUPLICATE_ADDRESS"
	// ErrCodeForwardLoop indicates a federated query revisited a peer.
	// Always fails closed, never retried.
	ErrCodeForwardLoop ErrorCode = "FORWARD_LOOP"
	// ErrCodeQueryNotFound indicates an unknown or already evicted query id.
	ErrCodeQueryNotFound ErrorCode = "QUERY_NOT_FOUND"
	// ErrCodeWorkerLimit indicates a registration would exceed the realm's
	// max_workers bound.
	ErrCodeWorkerLimit ErrorCode = "WORKER_LIMIT"
	// ErrCodeInternal indicates an unexpected broker fault.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Sentinel errors for use with errors.Is across package boundaries.
var (
	ErrQueueFull        = &BrokerError{Code: ErrCodeQueueFull, Message: "dispatch queue is full"}
	ErrUnknownQueryType = &BrokerError{Code: ErrCodeUnknownQueryType, Message: "no realm registered for query type"}
	ErrNoEligibleWorker = &BrokerError{Code: ErrCodeNoEligibleWorker, Message: "no eligible worker available"}
	ErrDispatchTimeout  = &BrokerError{Code: ErrCodeDispatchTimeout, Message: "worker dispatch timed out"}
	ErrDuplicateAddress = &BrokerError{Code: ErrCodeDuplicateAddress, Message: "worker address already registered with incompatible capabilities"}
	ErrForwardLoop      = &BrokerError{Code: ErrCodeForwardLoop, Message: "query already visited this broker"}
	ErrQueryNotFound    = &BrokerError{Code: ErrCodeQueryNotFound, Message: "query not found"}
	ErrWorkerLimit      = &BrokerError{Code: ErrCodeWorkerLimit, Message: "realm worker limit reached"}
)

// BrokerError is a structured error carrying a stable code for wire mapping.
type BrokerError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Is matches broker errors by code so wrapped instances compare equal
// to the package sentinels.
func (e *BrokerError) Is(target error) bool {
	var be *BrokerError
	if !errors.As(target, &be) {
		return false
	}
	return e.Code == be.Code
}

// Wrap attaches a cause to a copy of the given broker error.
func Wrap(base *BrokerError, cause error) *BrokerError {
	return &BrokerError{Code: base.Code, Message: base.Message, Cause: cause}
}

// Wrapf creates a broker error with a formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...interface{}) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the broker error code, defaulting to INTERNAL.
func CodeOf(err error) ErrorCode {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps a broker error code to an HTTP response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case ErrCodeUnknownQueryType:
		return http.StatusUnprocessableEntity
	case ErrCodeNoEligibleWorker:
		return http.StatusServiceUnavailable
	case ErrCodeDispatchTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeDuplicateAddress, ErrCodeWorkerLimit:
		return http.StatusConflict
	case ErrCodeForwardLoop:
		return http.StatusLoopDetected
	case ErrCodeQueryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sahilchouksey/go-exam-grader/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind is the caller-visible category of a pipeline failure
type ErrorKind string

const (
	KindDuplicateContent   ErrorKind = "duplicate_content"
	KindExtractionFailure  ErrorKind = "extraction_failure"
	KindTransient          ErrorKind = "transient_service_error"
	KindQuotaExhausted     ErrorKind = "quota_exhausted"
	KindAuthentication     ErrorKind = "authentication_failure"
	KindMalformedRequest   ErrorKind = "malformed_request"
	KindMalformedOutput    ErrorKind = "malformed_model_output"
	KindJobConflict        ErrorKind = "concurrent_job_conflict"
	KindDataQuality        ErrorKind = "data_quality_error"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindUnsupportedFormat  ErrorKind = "unsupported_format"
	KindCancelled          ErrorKind = "cancelled"
	KindNotFound           ErrorKind = "not_found"
	KindInternal           ErrorKind = "internal"
)

var (
	ErrDuplicateContent     = errors.New("duplicate content")
	ErrExtractionFailed     = errors.New("extraction failed")
	ErrTransient            = errors.New("transient service error")
	ErrQuotaExhausted       = errors.New("quota exhausted")
	ErrAuthentication       = errors.New("authentication failed")
	ErrMalformedRequest     = errors.New("malformed request")
	ErrMalformedModelOutput = errors.New("malformed model output")
	ErrJobConflict          = errors.New("concurrent job conflict")
	ErrDataQuality          = errors.New("data quality error")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrUnsupportedFormat    = errors.New("unsupported format")
	ErrCancelled            = errors.New("job cancelled")
	ErrNotFound             = model.ErrNotFound
	ErrInternal             = errors.New("internal error")
	ErrInvalidTransition    = errors.New("invalid job state transition")
)

var kindSentinels = map[ErrorKind]error{
	KindDuplicateContent:   ErrDuplicateContent,
	KindExtractionFailure:  ErrExtractionFailed,
	KindTransient:          ErrTransient,
	KindQuotaExhausted:     ErrQuotaExhausted,
	KindAuthentication:     ErrAuthentication,
	KindMalformedRequest:   ErrMalformedRequest,
	KindMalformedOutput:    ErrMalformedModelOutput,
	KindJobConflict:        ErrJobConflict,
	KindDataQuality:        ErrDataQuality,
	KindServiceUnavailable: ErrServiceUnavailable,
	KindUnsupportedFormat:  ErrUnsupportedFormat,
	KindCancelled:          ErrCancelled,
	KindNotFound:           ErrNotFound,
	KindInternal:           ErrInternal,
}

// sentinelOrder fixes the lookup order in KindOf; map iteration is random.
var sentinelOrder = []ErrorKind{
	KindCancelled, KindNotFound, KindDuplicateContent, KindJobConflict,
	KindServiceUnavailable, KindQuotaExhausted, KindAuthentication, KindMalformedRequest,
	KindUnsupportedFormat, KindMalformedOutput, KindDataQuality, KindExtractionFailure,
	KindTransient, KindInternal,
}

// PipelineError attaches a kind and the failing operation to an error.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewPipelineError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *PipelineError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// DuplicateContentError reports an upload whose normalized text matches an
// existing document of the same owner and kind.
type DuplicateContentError struct {
	ExistingDocumentID uint
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: matches document %d", e.ExistingDocumentID)
}

func (e *DuplicateContentError) Is(target error) bool { return target == ErrDuplicateContent }

// JobConflictError reports a job start for a submission that already has
// an active job.
type JobConflictError struct {
	SubmissionID  uint
	ExistingJobID string
}

func (e *JobConflictError) Error() string {
	return fmt.Sprintf("submission %d already has an active job: %s", e.SubmissionID, e.ExistingJobID)
}

func (e *JobConflictError) Is(target error) bool { return target == ErrJobConflict }

// APIError is a non-2xx response from an HTTP backend.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Provider, e.StatusCode, truncateBody(e.Body))
}

func (e *APIError) HTTPStatus() int      { return e.StatusCode }
func (e *APIError) ResponseBody() string { return e.Body }

// httpStatusError is implemented by every HTTP client error in the repo.
type httpStatusError interface {
	error
	HTTPStatus() int
	ResponseBody() string
}

func truncateBody(body string) string {
	if len(body) > 300 {
		return body[:300] + "..."
	}
	return body
}

// KindOf maps any error to its kind. Typed errors win, then sentinels,
// then classification of transport errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, kind := range sentinelOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return ClassifyError(err)
}

var statusCodePattern = regexp.MustCompile(`status(?: code)?:? (\d{3})`)

// ClassifyError inspects a raw backend error and decides its kind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(statusErr.HTTPStatus(), statusErr.ResponseBody())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return classifyGRPCStatus(st)
	}

	errStr := strings.ToLower(err.Error())

	if m := statusCodePattern.FindStringSubmatch(errStr); len(m) == 2 {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && code >= 400 {
			return classifyHTTPStatus(code, errStr)
		}
	}

	if strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient_quota") ||
		strings.Contains(errStr, "billing") {
		return KindQuotaExhausted
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "forbidden") {
		return KindAuthentication
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dial") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "temporarily unavailable") {
		return KindTransient
	}

	return KindInternal
}

func classifyHTTPStatus(code int, body string) ErrorKind {
	lower := strings.ToLower(body)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthentication
	case code == http.StatusPaymentRequired:
		return KindQuotaExhausted
	case code == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			return KindQuotaExhausted
		}
		return KindTransient
	case code == http.StatusRequestTimeout || code >= 500:
		return KindTransient
	case code == http.StatusUnsupportedMediaType:
		return KindUnsupportedFormat
	case code >= 400:
		return KindMalformedRequest
	}
	return KindInternal
}

func classifyGRPCStatus(st *status.Status) ErrorKind {
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return KindTransient
	case codes.ResourceExhausted:
		if strings.Contains(strings.ToLower(st.Message()), "quota") {
			return KindQuotaExhausted
		}
		return KindTransient
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindAuthentication
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.OutOfRange:
		return KindMalformedRequest
	case codes.Canceled:
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(kind ErrorKind) bool {
	return kind == KindTransient
}

// countsAgainstBreaker reports whether a failure says something about the
// health of the remote service rather than about the request.
func countsAgainstBreaker(kind ErrorKind) bool {
	switch kind {
	case KindTransient, KindQuotaExhausted, KindAuthentication:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the response status used by the API.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindDuplicateContent, KindJobConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnsupportedFormat, KindMalformedRequest:
		return http.StatusBadRequest
	case KindExtractionFailure, KindDataQuality:
		return http.StatusUnprocessableEntity
	case KindServiceUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	case KindQuotaExhausted:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

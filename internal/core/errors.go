package core

import (
	"errors"
	"net/http"
)

// Sentinel errors returned by the Protocol Handler and Upload Record.
// Each maps to exactly one HTTP status code via StatusCode below.
var (
	ErrMalformedHeader     = errors.New("rufh: malformed resumable-upload header")
	ErrOffsetMismatch      = errors.New("rufh: Upload-Offset does not match current offset")
	ErrLengthMismatch      = errors.New("rufh: Upload-Length does not match the declared total length")
	ErrInteropMismatch     = errors.New("rufh: Upload-Draft-Interop-Version does not match the upload")
	ErrInteropUnsupported  = errors.New("rufh: Upload-Draft-Interop-Version is not supported by this server")
	ErrUnknownToken        = errors.New("rufh: no upload exists for this token")
	ErrTokenInUse          = errors.New("rufh: a fresh upload was requested for a token already in use")
	ErrConflictingProducer = errors.New("rufh: another request is already appending to this upload")
	ErrTerminated          = errors.New("rufh: upload has been cancelled or has expired")
	ErrUploadComplete      = errors.New("rufh: upload is already complete")
	ErrDownstreamFailed    = errors.New("rufh: downstream handler failed")
	ErrTransferInactivity  = errors.New("rufh: producer stopped delivering bytes before the inactivity timeout")
)

// statusCodes is a flat lookup from sentinel error to the response
// status the Protocol Handler writes.
var statusCodes = map[error]int{
	ErrMalformedHeader:     http.StatusBadRequest,
	ErrOffsetMismatch:      http.StatusConflict,
	ErrLengthMismatch:      http.StatusBadRequest,
	ErrInteropMismatch:     http.StatusPreconditionFailed,
	ErrInteropUnsupported:  http.StatusPreconditionFailed,
	ErrUnknownToken:        http.StatusNotFound,
	ErrTokenInUse:          http.StatusConflict,
	ErrConflictingProducer: http.StatusConflict,
	ErrTerminated:          http.StatusGone,
	ErrUploadComplete:      http.StatusOK,
	ErrDownstreamFailed:    http.StatusBadGateway,
	ErrTransferInactivity:  http.StatusRequestTimeout,
}

// StatusCode returns the HTTP status the Protocol Handler should write
// for err. It unwraps err looking for one of the sentinels above and
// falls back to 500 for anything else, since an unrecognized error
// indicates a bug rather than a protocol-level rejection.
func StatusCode(err error) int {
	for sentinel, code := range statusCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return http.StatusInternalServerError
}

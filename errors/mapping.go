package errors

import (
	stderrors "errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MapToGRPCError converts a domain error into a gRPC status error.
func MapToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(GRPCCode(err), err.Error())
}

func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case stderrors.Is(err, ErrValidation):
		return codes.InvalidArgument
	case stderrors.Is(err, ErrNotFound):
		return codes.NotFound
	case stderrors.Is(err, ErrConflict):
		return codes.Aborted
	case stderrors.Is(err, ErrTimeout):
		return codes.DeadlineExceeded
	case stderrors.Is(err, ErrTransient):
		return codes.Unavailable
	case stderrors.Is(err, ErrInvalidToken), stderrors.Is(err, ErrMissingToken):
		return codes.Unauthenticated
	default:
		return codes.Internal
	}
}

// HTTPStatus converts a domain error into an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrConflict):
		return http.StatusConflict
	case stderrors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, ErrInvalidToken), stderrors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

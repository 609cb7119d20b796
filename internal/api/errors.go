package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/utils"
)

// CodeFromError maps the error taxonomy onto gRPC codes.
func CodeFromError(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, models.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, models.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, models.ErrDuplicateName):
		return codes.AlreadyExists
	case errors.Is(err, models.ErrApprovalDenied):
		return codes.PermissionDenied
	case errors.Is(err, models.ErrAuth):
		return codes.Unauthenticated
	case errors.Is(err, models.ErrInFlight):
		return codes.Aborted
	case errors.Is(err, models.ErrExhaustedRetries):
		return codes.Unavailable
	case errors.Is(err, utils.ErrNotConfigured):
		return codes.Unimplemented
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// StatusFromError converts err into a gRPC status carrying its message.
func StatusFromError(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(CodeFromError(err), err.Error())
}

// HTTPStatus maps the same taxonomy onto HTTP status codes for the dashboard.
func HTTPStatus(err error) int {
	switch CodeFromError(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unimplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

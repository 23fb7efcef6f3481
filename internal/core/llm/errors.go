package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"

	"github.com/markdave123-py/pdfrag/internal/core"
)

var grpcToHTTP = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.OutOfRange:         http.StatusBadRequest,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Canceled:           499,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unknown:            http.StatusInternalServerError,
	codes.DataLoss:           http.StatusInternalServerError,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
}

// malformedResponse reports a successful call whose body cannot be used.
func malformedResponse(provider, msg string, err error) error {
	return &core.ProviderError{Provider: provider, StatusCode: http.StatusBadGateway, Message: msg, Malformed: true, Err: err}
}

// googleError maps a Google client error onto a ProviderError carrying an
// HTTP-equivalent status. Context errors pass through untouched so callers
// see the cancellation.
func googleError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &core.ProviderError{Provider: provider, StatusCode: gerr.Code, Message: gerr.Message, Err: err}
	}
	if ae, ok := apierror.FromError(err); ok {
		code := ae.HTTPCode()
		if code <= 0 && ae.GRPCStatus() != nil {
			code = grpcToHTTP[ae.GRPCStatus().Code()]
		}
		msg := ae.Reason()
		if st := ae.GRPCStatus(); st != nil && st.Message() != "" {
			msg = st.Message()
		}
		if msg == "" {
			msg = err.Error()
		}
		return &core.ProviderError{Provider: provider, StatusCode: code, Message: msg, Err: err}
	}
	return &core.ProviderError{Provider: provider, Message: err.Error(), Err: err}
}

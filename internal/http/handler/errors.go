package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/service"
	"github.com/gin-gonic/gin"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orcherr.ErrConfigurationInvalid), errors.Is(err, orcherr.ErrNoScene):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, orcherr.ErrPipelineNotRunning),
		errors.Is(err, orcherr.ErrSuperseded),
		errors.Is(err, orcherr.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, orcherr.ErrOperationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, orcherr.ErrFailed), errors.Is(err, orcherr.ErrTransientPipelineFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail records err for the access log and writes it with the mapped status.
// A non-nil body (the resource state at failure) is returned alongside.
func fail(c *gin.Context, err error, body any) {
	c.Error(err)
	resp := gin.H{"message": err.Error()}
	if body != nil {
		resp["status"] = body
	}
	c.JSON(statusFor(err), resp)
}

func bind(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return errors.New("invalid request")
	}
	return decodeJSON(req.Body, obj)
}

// decodeJSON rejects unknown fields. An empty body leaves obj untouched.
func decodeJSON(r io.Reader, obj any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

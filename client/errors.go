package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mistakeknot/interlock/internal/core"
)

// APIError is a non-2xx response. It unwraps to the matching core error so
// callers can use errors.Is and errors.As the same way against a local store.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Conflicts  []core.ConflictDetail
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "reservation_conflict":
		return &core.ConflictError{Conflicts: e.Conflicts}
	case "not_found":
		return core.ErrNotFound
	case "invalid_input":
		return core.ErrInvalidInput
	case "not_recipient":
		return core.ErrNotRecipient
	case "store_busy":
		return core.ErrStoreBusy
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body struct {
		Error     string                `json:"error"`
		Message   string                `json:"message"`
		Conflicts []core.ConflictDetail `json:"conflicts"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
		apiErr.Conflicts = body.Conflicts
	}
	return apiErr
}

package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stocktide/stocktide/internal/common"
)

// APIError is a structured rejection from the backend. It matches
// common.ErrApplication via errors.Is; a 401 additionally matches
// common.ErrNotAuthenticated.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api rejected request (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api rejected request with status %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	if target == common.ErrApplication {
		return true
	}
	if target == common.ErrNotAuthenticated {
		return e.Status == http.StatusUnauthorized
	}
	return false
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func applicationError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && len(data) > 0 {
		var body errorBody
		if json.Unmarshal(data, &body) == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Message
		}
	}
	return apiErr
}

func connectivityError(err error) error {
	return fmt.Errorf("%w: %v", common.ErrConnectivity, err)
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 64 * 1024

// Error is an unsuccessful backend response, the status and the message the backend supplied
// are kept unchanged.
type Error struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// NewErrorFromResponse reads the response body, the caller is still responsible for closing it.
func NewErrorFromResponse(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &Error{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.StatusCode, body),
		Body:       body,
	}
}

func errorMessage(status int, body []byte) string {
	var data struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &data); err == nil {
		if len(data.Error) > 0 {
			return data.Error
		} else if len(data.Detail) > 0 {
			return data.Detail
		}
	}

	if text := http.StatusText(status); len(text) > 0 {
		return strings.ToLower(text)
	}

	return "unknown error"
}

func IsUnauthorized(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.StatusCode == http.StatusUnauthorized
}

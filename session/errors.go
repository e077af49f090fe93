package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

const (
	MessageLoginFailed  = "Error al iniciar sesión"
	MessageInvalidEmail = `El correo electrónico debe contener el símbolo "@"`
)

var (
	ErrInvalidEmail      = errors.New("invalid email")
	ErrMalformedResponse = errors.New("malformed login response")
	ErrLoginSuperseded   = errors.New("login superseded by logout")
	ErrCorruptedIdentity = errors.New("corrupted stored identity")
	ErrIncompleteSession = errors.New("incomplete stored session")
	ErrCredentialExpired = errors.New("stored credential expired")
)

// AuthError is returned by Store.Login for every failure. Message can be shown to the user as
// it is, Err carries the cause.
type AuthError struct {
	Message    string
	StatusCode int
	Network    bool

	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Message, e.Err)
	}

	return fmt.Sprintf("login failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// loginErrorMessage extracts a displayable message from a rejected login response. The backend
// answers either {"error": "..."} or with serializer errors such as
// {"non_field_errors": ["..."]} and {"email": ["..."]}.
func loginErrorMessage(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return MessageLoginFailed
	}

	for _, key := range []string{"error", "detail"} {
		var msg string
		if raw, ok := fields[key]; ok && json.Unmarshal(raw, &msg) == nil && len(msg) > 0 {
			return msg
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	// non_field_errors go first since they are about the credentials as a whole
	if idx := slices.Index(keys, "non_field_errors"); idx > 0 {
		keys = append([]string{"non_field_errors"}, slices.Delete(keys, idx, idx+1)...)
	}

	for _, k := range keys {
		var msgs []string
		if json.Unmarshal(fields[k], &msgs) == nil && len(msgs) > 0 && len(msgs[0]) > 0 {
			return msgs[0]
		}
	}

	return MessageLoginFailed
}

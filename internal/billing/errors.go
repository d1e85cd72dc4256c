package billing

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	hintSessionExpired = "your session may have expired, sign in again"
	hintAccessRequired = "this action requires billing administrator access"
)

// APIError is an explained billing backend failure. Message holds the
// server-provided explanation when one exists, Body the raw response for
// diagnosis.
type APIError struct {
	StatusCode int
	Message    string
	Hint       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
	}
	return e.Message
}

// errorBody is the best-effort shape of backend error responses. None of the
// fields are guaranteed to be present.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
}

// explainResponse converts a non-success response into an APIError with fixed
// field precedence: error, then message, then a generic fallback. 401 and 403
// carry fixed hints regardless of what the body says.
func explainResponse(statusCode int, body []byte) *APIError {
	var parsed errorBody
	// Body shape is not guaranteed; a decode failure just means no
	// server-provided explanation.
	_ = json.Unmarshal(body, &parsed)

	message := parsed.Error
	if message == "" {
		message = parsed.Message
	}
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", statusCode)
	}

	hint := parsed.Hint
	switch statusCode {
	case http.StatusUnauthorized:
		hint = hintSessionExpired
	case http.StatusForbidden:
		hint = hintAccessRequired
	}

	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Hint:       hint,
		Body:       string(body),
	}
}

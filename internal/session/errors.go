package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAuthFailure is matched by login failures that have no fallback left.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrRateLimited is matched by 429 responses.
	ErrRateLimited = errors.New("rate limited")
	// ErrRequestFailed is matched by all other non-2xx responses.
	ErrRequestFailed = errors.New("request failed")
	// ErrCancelled is matched when the caller's context ended a wait or request.
	ErrCancelled = errors.New("cancelled")
)

// maxErrorBody bounds how much of an error response is read for the message.
const maxErrorBody = 64 << 10

// RequestError describes a non-2xx response.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s failed with %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s failed with %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// RateLimitError is returned for a 429 response. Until is the deadline
// recorded for Origin.
type RateLimitError struct {
	URL    string
	Origin string
	Until  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited until %s", e.Origin, e.Until.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// AuthError wraps the failure of a login.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailure
}

func (e *AuthError) Unwrap() error { return e.Err }

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// newRequestError consumes the body of a failed response.
func newRequestError(req *http.Request, resp *http.Response) *RequestError {
	err := &RequestError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
	}

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		return err
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		if msg := jsonMessage(data); msg != "" {
			err.Message = msg
			return err
		}
	}

	err.Message = strings.TrimSpace(string(data))
	return err
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// jsonMessage picks the server supplied message out of an error body.
func jsonMessage(data []byte) string {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}

	for _, key := range []string{"message", "error_description", "error"} {
		if msg, ok := body[key].(string); ok && msg != "" {
			return msg
		}
	}
	return ""
}

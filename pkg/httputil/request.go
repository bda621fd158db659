package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrEmptyBody is returned by ParseJSON when the request carries no body
var ErrEmptyBody = errors.New("invalid JSON: request body is empty")

// ParseJSON decodes exactly one JSON value from the request body into dest
func ParseJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON: unexpected data after the request object")
	}
	return nil
}

// ParseJSONOrError is ParseJSON that answers 400 itself. It reports whether
// the handler should continue.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest any) bool {
	err := ParseJSON(r, dest)
	if err == nil {
		return true
	}
	WriteBadRequest(w, err.Error())
	return false
}

// ParseQueryString returns the trimmed query value for key, or fallback
func ParseQueryString(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return v
	}
	return fallback
}

// ParseQueryInt returns the integer query value for key, or fallback when absent
func ParseQueryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := ParseQueryString(r, key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

// ParseQueryIntOrError is ParseQueryInt that answers 400 itself
func ParseQueryIntOrError(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	n, err := ParseQueryInt(r, key, fallback)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, false
	}
	return n, true
}

// RequireQueryString returns a mandatory query value, answering 400 when it is missing
func RequireQueryString(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := ParseQueryString(r, key, "")
	return v, RequireNonEmpty(w, v, key)
}

// Validator reports whether a field is acceptable and, if not, why
type Validator func() (ok bool, message string)

// NonEmpty requires value to be set
func NonEmpty(value, field string) Validator {
	return func() (bool, string) {
		return strings.TrimSpace(value) != "", field + " is required"
	}
}

// Positive requires value to be greater than zero
func Positive(value int64, field string) Validator {
	return func() (bool, string) {
		return value > 0, field + " must be positive"
	}
}

// ValidateAll answers 400 with the first failing validator's message
func ValidateAll(w http.ResponseWriter, validators ...Validator) bool {
	for _, v := range validators {
		if ok, msg := v(); !ok {
			WriteValidationError(w, msg)
			return false
		}
	}
	return true
}

// RequireNonEmpty is ValidateAll with a single NonEmpty check
func RequireNonEmpty(w http.ResponseWriter, value, field string) bool {
	return ValidateAll(w, NonEmpty(value, field))
}

// RequirePositive is ValidateAll with a single Positive check
func RequirePositive(w http.ResponseWriter, value int64, field string) bool {
	return ValidateAll(w, Positive(value, field))
}

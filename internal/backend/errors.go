package backend

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// StatusError is any non-2xx backend response that has no more specific
// classification.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Detail)
}

// QuotaExceededError is the 429 returned by /listen/start when the daily
// quota is already spent. Detail fields are present only when the backend
// sent its structured payload.
type QuotaExceededError struct {
	Message     string
	MinutesUsed float64
	QuotaLimit  float64
	HasDetail   bool
}

func (e *QuotaExceededError) Error() string {
	return "listening quota exceeded: " + e.UserMessage()
}

// UserMessage renders the message surfaced to the listener.
func (e *QuotaExceededError) UserMessage() string {
	if !e.HasDetail {
		return "Daily listening limit reached."
	}
	return fmt.Sprintf("%s. Used %s of %s minutes today.", e.Message, trimMinutes(e.MinutesUsed), trimMinutes(e.QuotaLimit))
}

func trimMinutes(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

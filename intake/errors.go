package intake

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrDuplicateEmail  = errors.New("another active contact already uses this email")
	ErrRestoreConflict = errors.New("cannot restore contact: another active contact already uses its email")
	ErrNotFound        = errors.New("not found")
	ErrQueueClosed     = errors.New("queue closed")
	ErrQueueFull       = errors.New("queue full")
	ErrClaimLost       = errors.New("delivery claim lost")
	ErrNotReplayable   = errors.New("only failed deliveries can be replayed")
)

// ValidationError lists field-level messages. It matches ErrInvalidPayload.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// ErrUnknownSource is returned for a source system that is not configured.
var ErrUnknownSource = errors.New("unknown source system")

package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"queueless/internal/models"
)

var ErrQueueClosed = errors.New("queue is closed")

// ValidationError lists the offending input fields with a message each.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func fieldError(field, message string) error {
	v := &ValidationError{}
	v.add(field, message)
	return v
}

func validateClientName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", fieldError("client_name", "is required")
	case utf8.RuneCountInString(name) > models.ClientNameMaxLength:
		return "", fieldError("client_name", fmt.Sprintf("must be at most %d characters", models.ClientNameMaxLength))
	}
	return name, nil
}

func checkText(v *ValidationError, field, value string, required bool, limit int) {
	if value == "" {
		if required {
			v.add(field, "is required")
		}
		return
	}
	if utf8.RuneCountInString(value) > limit {
		v.add(field, fmt.Sprintf("must be at most %d characters", limit))
	}
}

func checkRange(v *ValidationError, field string, value, lo, hi int) {
	if value < lo || value > hi {
		v.add(field, fmt.Sprintf("must be between %d and %d", lo, hi))
	}
}

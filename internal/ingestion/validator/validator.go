// Package validator checks ingest events before they reach the indexer and
// returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kylebebak/search-engine/internal/ingestion"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
)

const maxKeyLength = 1024

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// Unwrap makes a ValidationError match apperrors.ErrInvalidInput.
func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidInput }

// ValidateIngestEvent requires a non-blank key of bounded length and, when
// maxContent is positive, content no larger than maxContent bytes. Empty
// content is allowed.
func ValidateIngestEvent(ev *ingestion.IngestEvent, maxContent int64) error {
	errs := make(map[string]string)
	switch key := strings.TrimSpace(ev.Key); {
	case key == "":
		errs["key"] = "key is required"
	case len(ev.Key) > maxKeyLength:
		errs["key"] = fmt.Sprintf("key must be at most %d bytes", maxKeyLength)
	case !utf8.ValidString(ev.Key):
		errs["key"] = "key must be valid UTF-8"
	}
	if maxContent > 0 && int64(len(ev.Content)) > maxContent {
		errs["content"] = fmt.Sprintf("content must be at most %d bytes", maxContent)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

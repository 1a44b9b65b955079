package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kylebebak/search-engine/internal/ingestion"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
)

func TestValidateIngestEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   ingestion.IngestEvent
		max     int64
		wantErr string
	}{
		{name: "ok", event: ingestion.IngestEvent{Key: "doc1.txt", Content: "quick fox"}},
		{name: "empty content allowed", event: ingestion.IngestEvent{Key: "doc1.txt"}},
		{name: "blank key", event: ingestion.IngestEvent{Key: "  "}, wantErr: "key: key is required"},
		{name: "long key", event: ingestion.IngestEvent{Key: strings.Repeat("k", maxKeyLength+1)}, wantErr: "key: key must be at most"},
		{name: "content too large", event: ingestion.IngestEvent{Key: "a", Content: "12345"}, max: 4, wantErr: "content: content must be at most 4 bytes"},
		{name: "no limit", event: ingestion.IngestEvent{Key: "a", Content: "12345"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIngestEvent(&tt.event, tt.max)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

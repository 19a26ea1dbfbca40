package ingress

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/oklog/ulid/v2"
)

const maxSourceIDLength = 200

// Submission is an event as reported by a source, before it is stored.
type Submission struct {
	SourceID string `json:"source_id"`
	// ExternalID is the source's own identifier. When set, replays of the
	// same (source, external id) pair are rejected.
	ExternalID string         `json:"external_id,omitempty"`
	Data       map[string]any `json:"event_data"`
	// Timestamp is when the event happened; zero means now.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (s Submission) Validate() error {
	source := strings.TrimSpace(s.SourceID)
	if source == "" {
		return kerrors.InvalidInput("source_id is required")
	}
	if len(source) > maxSourceIDLength {
		return kerrors.InvalidInput(fmt.Sprintf("source_id must not exceed %d characters", maxSourceIDLength))
	}
	return nil
}

// NewEvent builds the stored form of s with a fresh ULID.
func NewEvent(s Submission, now time.Time) *domain.Event {
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &domain.Event{
		ID:                   ulid.Make().String(),
		SourceID:             strings.TrimSpace(s.SourceID),
		ExternalID:           strings.TrimSpace(s.ExternalID),
		Timestamp:            ts,
		Data:                 data,
		TriggeredListenerIDs: []string{},
		CreatedAt:            now,
	}
}

// GenerateIdempotencyKey creates a deterministic key for the event.
func GenerateIdempotencyKey(source, externalID string) string {
	return fmt.Sprintf("%s:%s", source, externalID)
}

package domain

import "time"

// Event is an append-only record of something that happened at a source.
// TriggeredListenerIDs is written once, by the matching pass.
type Event struct {
	ID                   string         `json:"event_id"`
	SourceID             string         `json:"source_id"`
	ExternalID           string         `json:"external_id,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
	Data                 map[string]any `json:"event_data"`
	TriggeredListenerIDs []string       `json:"triggered_listener_ids"`
	CreatedAt            time.Time      `json:"created_at"`
}

// DedupKey identifies replays of the same upstream event.
func (e *Event) DedupKey() string {
	if e.ExternalID == "" {
		return ""
	}
	return e.SourceID + ":" + e.ExternalID
}

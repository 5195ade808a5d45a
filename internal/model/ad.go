package model

import "time"

// AdEventType is the kind of ad player event reported by the front end
type AdEventType string

const (
	AdEventStart    AdEventType = "start"
	AdEventProgress AdEventType = "progress"
	AdEventComplete AdEventType = "complete"
	AdEventError    AdEventType = "error"
	AdEventView     AdEventType = "view"
	AdEventClick    AdEventType = "click"
	AdEventSkip     AdEventType = "skip"
)

// Valid reports whether t is a known event type
func (t AdEventType) Valid() bool {
	switch t {
	case AdEventStart, AdEventProgress, AdEventComplete, AdEventError, AdEventView, AdEventClick, AdEventSkip:
		return true
	}
	return false
}

// AdEvent is a recorded ad player event
type AdEvent struct {
	ID           string      `json:"id"`
	AdID         string      `json:"adId"`
	Identifier   string      `json:"identifier"`
	Fingerprint  string      `json:"fingerprint"`
	RouterID     string      `json:"routerId,omitempty"`
	EventType    AdEventType `json:"eventType"`
	WatchSeconds float64     `json:"watchSeconds"`
	// Qualifying is set on complete events that met the minimum watch time
	Qualifying bool `json:"qualifying"`
	// Claimed is set once the completion has been converted into a grant
	Claimed   bool      `json:"claimed"`
	CreatedAt time.Time `json:"createdAt"`
}

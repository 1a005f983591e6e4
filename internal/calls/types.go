package calls

import (
	"strings"
	"time"
)

// Origin distinguishes where a call record was transcribed from.
type Origin string

const (
	// OriginDispatch is a dispatch-channel transmission.
	OriginDispatch Origin = "dispatch"
	// OriginHospital is a hospital-channel conversation fragment.
	OriginHospital Origin = "hospital"
)

// CallRecord is one transcribed radio utterance. Immutable once received.
type CallRecord struct {
	ID          string    `json:"id"`
	Transcript  string    `json:"transcript"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
	Location    string    `json:"location,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	CallType    string    `json:"call_type,omitempty"`
	Units       []string  `json:"units,omitempty"`
	AudioPath   string    `json:"audio_path,omitempty"`
	TalkgroupID string    `json:"talkgroup_id"`
	Origin      Origin    `json:"origin"`
}

// HasCoordinates reports whether the record carries a usable position.
func (c *CallRecord) HasCoordinates() bool {
	return c.Lat != nil && c.Lon != nil
}

// PrimaryUnit returns the first unit identifier, or empty if none were heard.
func (c *CallRecord) PrimaryUnit() string {
	if len(c.Units) == 0 {
		return ""
	}
	return c.Units[0]
}

// GroupKey identifies the logical conversation a hospital fragment belongs to:
// the responding unit plus the destination talkgroup.
func (c *CallRecord) GroupKey() string {
	return strings.TrimSpace(c.PrimaryUnit()) + "|" + strings.TrimSpace(c.TalkgroupID)
}

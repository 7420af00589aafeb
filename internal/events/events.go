// Package events is the in-process publish/subscribe bus carrying stage
// lifecycle and progress events to the UI collaborators. Delivery is
// best-effort with no persistence and no replay: subscribers read the
// database for their initial snapshot and take pushes from here.
package events

import (
	"time"

	"github.com/branport/shrinkd/internal/media"
)

// Type identifies an event.
type Type string

const (
	TypeStarted     Type = "started"
	TypeProgress    Type = "progress"
	TypeCompleted   Type = "completed"
	TypeFailed      Type = "failed"
	TypePaused      Type = "paused"
	TypeResumed     Type = "resumed"
	TypeHealthAlert Type = "health_alert"
	TypeStatsDirty  Type = "stats_dirty"
)

// Lifecycle reports whether this event type must always reach subscribers.
// Progress events may be shed under back-pressure; lifecycle events may not.
func (t Type) Lifecycle() bool {
	return t != TypeProgress
}

// Progress is the single progress record shared between the output parser
// and bus payloads.
type Progress struct {
	Percent float64       `json:"percent"`
	FPS     float64       `json:"fps,omitempty"`
	ETA     time.Duration `json:"eta,omitempty"`
	CRF     float64       `json:"crf,omitempty"`
	Score   float64       `json:"score,omitempty"`
}

// Event is one bus message.
type Event struct {
	Type    Type        `json:"type"`
	Stage   media.Stage `json:"stage"`
	VideoID int64       `json:"video_id,omitempty"`
	Pid     int         `json:"pid,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	// Progress is set on TypeProgress events.
	Progress *Progress `json:"progress,omitempty"`
	Time     time.Time `json:"time"`
}

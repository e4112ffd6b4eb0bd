// Package stream reconciles a channel's live-stream lifecycle into per-stream
// marker ledgers.
//
// Three views of the current state are merged on every pass: an optional push
// event, the LocalState persisted by the previous pass and a fresh snapshot from
// the platform. The Engine turns them into start, category change and end
// markers carrying emote usage readings, and is the only writer of those
// records for a channel.
package stream

import (
	"fmt"
	"time"
)

// EventKind is the transition an inbound event claims happened.
type EventKind int

const (
	EventNone EventKind = iota
	EventStart
	EventCategoryChanged
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventStart:
		return "start"
	case EventCategoryChanged:
		return "category_changed"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single pushed transition. A zero Event is a poll.
type Event struct {
	Kind      EventKind
	StreamID  string    // Start only
	StartedAt time.Time // Start only
	Category  Category  // CategoryChanged only
}

func (e Event) String() string {
	switch e.Kind {
	case EventStart:
		return fmt.Sprintf("start{streamId=%s}", e.StreamID)
	case EventCategoryChanged:
		return fmt.Sprintf("category_changed{id=%s name=%q}", e.Category.ID, e.Category.Name)
	default:
		return e.Kind.String()
	}
}

// Category is a stream category (Twitch game).
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot is a point-in-time read of a live stream from the platform.
type Snapshot struct {
	StreamID    string
	Category    Category
	Title       string
	ViewerCount int
	StartedAt   time.Time
}

// LocalState is the cached belief about the channel's live stream. It exists
// exactly while the engine considers the channel live.
type LocalState struct {
	StreamID    string   `json:"streamId"`
	Category    Category `json:"category"`
	Title       string   `json:"title"`
	ViewerCount int      `json:"viewerCount"`
}

func stateFromSnapshot(s *Snapshot) LocalState {
	return LocalState{StreamID: s.StreamID, Category: s.Category, Title: s.Title, ViewerCount: s.ViewerCount}
}

// MarkerType is the lifecycle transition a marker records.
type MarkerType string

const (
	MarkerStart           MarkerType = "start"
	MarkerCategoryChanged MarkerType = "category_changed"
	MarkerEnd             MarkerType = "end"
)

// Marker is one entry of a stream's ledger. EmoteUsage is filled in when the
// next marker is appended.
type Marker struct {
	Timestamp  int64      `json:"timestamp"`
	Type       MarkerType `json:"type"`
	Category   Category   `json:"category"`
	Title      string     `json:"title,omitempty"`
	EmoteCount *int       `json:"emoteCount"`
	EmoteUsage *int       `json:"emoteUsage,omitempty"`
}

// StreamRecord is the aggregate of one stream. Finalized fields are nil until
// the stream ends, and stay nil when they could not be computed.
type StreamRecord struct {
	Title        string     `json:"title"`
	Viewers      int        `json:"viewers"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	UptimeHours  *float64   `json:"uptimeHours,omitempty"`
	EmoteUsage   *int       `json:"emoteUsage,omitempty"`
	EmotePerHour *float64   `json:"emotePerHour,omitempty"`
}

// Profile binds a channel to the emote tracked for it.
type Profile struct {
	ChannelID string `json:"channel_id" yaml:"channel_id"`
	Emote     string `json:"emote" yaml:"emote"`
}

// delta returns current-reference, or nil when either side is unknown.
func delta(current, reference *int) *int {
	if current == nil || reference == nil {
		return nil
	}
	d := *current - *reference
	return &d
}

// hoursBetween converts a millisecond span to hours; spans under 1ms are unknown.
func hoursBetween(fromMs, toMs int64) *float64 {
	elapsed := toMs - fromMs
	if elapsed < 1 {
		return nil
	}
	h := float64(elapsed) / 3.6e6
	return &h
}

// perHour divides usage by hours, nil when either is unknown or hours is zero.
func perHour(usage *int, hours *float64) *float64 {
	if usage == nil || hours == nil || *hours <= 0 {
		return nil
	}
	r := float64(*usage) / *hours
	return &r
}

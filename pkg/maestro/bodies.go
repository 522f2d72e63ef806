package maestro

// TrackInfo is a playable track as reported by a rendering node.
type TrackInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Author     string `json:"author,omitempty"`
	URI        string `json:"uri,omitempty"`
	Source     string `json:"source,omitempty"`
	DurationMS int64  `json:"durationMs"`
	Stream     bool   `json:"stream,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
}

// SearchBody is the payload for node.search.
type SearchBody struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchReply is the reply body for node.search.
type SearchReply struct {
	Tracks []TrackInfo `json:"tracks"`
}

// PlayBody is the payload for player.play.
type PlayBody struct {
	TrackID string             `json:"trackId"`
	StartMS int64              `json:"startMs"`
	Volume  int                `json:"volume,omitempty"`
	Filters map[string]float64 `json:"filters,omitempty"`
}

// StopBody is the payload for player.stop.
type StopBody struct{}

// PauseBody is the payload for player.pause and player.resume.
type PauseBody struct {
	Paused bool `json:"paused"`
}

// SetVolumeBody is the payload for player.setVolume.
type SetVolumeBody struct {
	Volume int `json:"volume"`
}

// SetFiltersBody is the payload for player.setFilters.
type SetFiltersBody struct {
	Filters map[string]float64 `json:"filters"`
}

// DestroyBody is the payload for player.destroy.
type DestroyBody struct{}

// RoomState is the observer-facing snapshot of one playback session.
// Exactly one of Idle, Playing or Closed is set.
type RoomState struct {
	Room    string        `json:"room"`
	Idle    *IdleState    `json:"idle,omitempty"`
	Playing *PlayingState `json:"playing,omitempty"`
	Closed  *ClosedState  `json:"closed,omitempty"`
	TS      int64         `json:"ts"`
}

// IdleState is published while nothing is queued.
type IdleState struct {
	QueueLength  int    `json:"queueLength"`
	IdleDeadline int64  `json:"idleDeadline,omitempty"`
	CommandLog   string `json:"commandLog,omitempty"`
}

// PlayingState is published while a track is current.
type PlayingState struct {
	Track       TrackInfo `json:"track"`
	PositionMS  int64     `json:"positionMs"`
	Paused      bool      `json:"paused"`
	AutoPaused  bool      `json:"autoPaused"`
	QueueLength int       `json:"queueLength"`
	LoopMode    string    `json:"loopMode"`
	Volume      int       `json:"volume"`
	Autoplay    bool      `json:"autoplay"`
	NodeID      string    `json:"nodeId"`
	NodePingMS  int64     `json:"nodePingMs,omitempty"`
	CommandLog  string    `json:"commandLog,omitempty"`
}

// ClosedState is the terminal payload published when a session ends.
type ClosedState struct {
	Reason string `json:"reason,omitempty"`
}

// SessionSnapshot is the persisted form of a playback session.
type SessionSnapshot struct {
	Room          string      `json:"room"`
	NodeID        string      `json:"nodeId"`
	Current       *TrackInfo  `json:"current,omitempty"`
	PositionMS    int64       `json:"positionMs"`
	Queue         []TrackInfo `json:"queue"`
	History       []TrackInfo `json:"history"`
	LoopMode      string      `json:"loopMode"`
	Volume        int         `json:"volume"`
	Autoplay      bool        `json:"autoplay"`
	KeepConnected bool        `json:"keepConnected"`
	SavedAt       int64       `json:"savedAt"`
}

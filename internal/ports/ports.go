package ports

import (
	"context"

	"github.com/soundfold/maestro/pkg/maestro"
)

// NodeBus talks the control protocol to rendering nodes and watches
// their per-room event streams.
type NodeBus interface {
	ControllerID() string
	Search(ctx context.Context, nodeID string, query string) ([]maestro.TrackInfo, error)
	Play(ctx context.Context, nodeID string, room string, body maestro.PlayBody) error
	Stop(ctx context.Context, nodeID string, room string) error
	SetPaused(ctx context.Context, nodeID string, room string, paused bool) error
	SetVolume(ctx context.Context, nodeID string, room string, volume int) error
	SetFilters(ctx context.Context, nodeID string, room string, filters map[string]float64) error
	Destroy(ctx context.Context, nodeID string, room string) error
	WatchRoom(ctx context.Context, nodeID string, room string) (<-chan maestro.Event, <-chan error)
	ListPresence(ctx context.Context) ([]maestro.Presence, error)
	PublishRoomState(ctx context.Context, room string, state maestro.RoomState) error
}

// ChatClient is the thin surface of the chat platform a session needs.
type ChatClient interface {
	SendMessage(ctx context.Context, room string, text string) error
	JoinVoice(ctx context.Context, room string) error
	LeaveVoice(ctx context.Context, room string) error
	VoiceConnected(ctx context.Context, room string) (bool, error)
	// ListenerCount reports eligible listeners: humans that are not
	// deafened. Bots never count.
	ListenerCount(ctx context.Context, room string) (int, error)
	SetVoiceStatus(ctx context.Context, room string, status string) error
}

// Recommender produces continuation candidates for autoplay.
type Recommender interface {
	Recommend(ctx context.Context, seeds []maestro.TrackInfo) ([]maestro.TrackInfo, error)
	// Related is the same-source fallback keyed on a single seed.
	Related(ctx context.Context, seed maestro.TrackInfo) ([]maestro.TrackInfo, error)
}

// SnapshotStore persists session snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap maestro.SessionSnapshot) error
	Load(ctx context.Context, room string) (maestro.SessionSnapshot, bool, error)
	Delete(ctx context.Context, room string) error
}

// Clock returns the current time; injectable for tests.
type Clock interface {
	NowUnix() int64
	NowUnixMilli() int64
}

// IDGen returns unique correlation IDs.
type IDGen interface {
	NewID() string
}

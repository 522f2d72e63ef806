package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoNodes is returned when a session cannot be created because no
// rendering node is alive.
var ErrNoNodes = errors.New("no rendering nodes available")

// Registry owns the room-to-session map. Creation binds the
// least-loaded node and starts the event loop; teardown removes the
// entry exactly once via the session's close callback.
type Registry struct {
	log   *zap.Logger
	deps  Deps
	base  Config
	nodes *NodeRegistry

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry. base supplies the per-session
// defaults; Room is filled per session.
func NewRegistry(log *zap.Logger, deps Deps, base Config) *Registry {
	return &Registry{
		log:      log.Named("registry"),
		deps:     deps,
		base:     base,
		nodes:    deps.Nodes,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for a room.
func (r *Registry) Get(room string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[room]
	return s, ok
}

// GetOrCreate returns the room's session, creating and starting one
// bound to the least-loaded node when absent.
func (r *Registry) GetOrCreate(ctx context.Context, room string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[room]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	node, ok := r.nodes.SelectReplacement("", ClassNone, time.Now())
	if !ok {
		return nil, ErrNoNodes
	}

	cfg := r.base
	cfg.Room = room
	deps := r.deps
	deps.OnClosed = func(room string) {
		r.remove(room)
	}
	s := New(cfg, deps, node)

	r.mu.Lock()
	if existing, raced := r.sessions[room]; raced {
		r.mu.Unlock()
		return existing, nil
	}
	r.sessions[room] = s
	r.mu.Unlock()

	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("session loop ended",
				zap.String("room", room),
				zap.Error(err))
		}
	}()
	r.log.Info("session created",
		zap.String("room", room),
		zap.String("node", node.ID))
	return s, nil
}

func (r *Registry) remove(room string) {
	r.mu.Lock()
	delete(r.sessions, room)
	r.mu.Unlock()
	r.log.Info("session removed", zap.String("room", room))
}

// Rooms lists rooms with live sessions.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.sessions))
	for room := range r.sessions {
		rooms = append(rooms, room)
	}
	return rooms
}

// SaveAll snapshots every live session, typically on shutdown.
func (r *Registry) SaveAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.SaveSnapshot(ctx); err != nil {
			r.log.Warn("snapshot save failed",
				zap.String("room", s.cfg.Room),
				zap.Error(err))
		}
	}
}

// ShutdownAll saves every session's snapshot and tears the sessions
// down without discarding what was just saved.
func (r *Registry) ShutdownAll(ctx context.Context, reason string) {
	r.SaveAll(ctx)
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown(ctx, reason)
	}
}

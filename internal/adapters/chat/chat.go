// Package chat provides a standalone implementation of the ChatClient
// port. It keeps voice membership in memory and writes user-facing
// messages to the log, which is what a daemon run without a chat
// platform integration needs.
package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Local is an in-process ChatClient.
type Local struct {
	log *zap.Logger

	mu        sync.Mutex
	connected map[string]bool
	listeners map[string]int
	status    map[string]string
}

// NewLocal builds a local chat client. Rooms start with one listener
// so playback is never auto-paused out of the gate.
func NewLocal(log *zap.Logger) *Local {
	return &Local{
		log:       log.Named("chat"),
		connected: make(map[string]bool),
		listeners: make(map[string]int),
		status:    make(map[string]string),
	}
}

// SendMessage logs the message that would reach the room.
func (l *Local) SendMessage(ctx context.Context, room string, text string) error {
	l.log.Info("room message",
		zap.String("room", room),
		zap.String("text", text))
	return nil
}

// JoinVoice marks the room's voice transport connected.
func (l *Local) JoinVoice(ctx context.Context, room string) error {
	l.mu.Lock()
	l.connected[room] = true
	l.mu.Unlock()
	l.log.Info("joined voice", zap.String("room", room))
	return nil
}

// LeaveVoice marks the room's voice transport disconnected.
func (l *Local) LeaveVoice(ctx context.Context, room string) error {
	l.mu.Lock()
	delete(l.connected, room)
	l.mu.Unlock()
	l.log.Info("left voice", zap.String("room", room))
	return nil
}

// VoiceConnected reports the room's transport state.
func (l *Local) VoiceConnected(ctx context.Context, room string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected[room], nil
}

// ListenerCount reports the configured listener count, defaulting to
// one.
func (l *Local) ListenerCount(ctx context.Context, room string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.listeners[room]; ok {
		return n, nil
	}
	return 1, nil
}

// SetListeners overrides the listener count for a room.
func (l *Local) SetListeners(room string, n int) {
	l.mu.Lock()
	l.listeners[room] = n
	l.mu.Unlock()
}

// SetVoiceStatus records the room's status line.
func (l *Local) SetVoiceStatus(ctx context.Context, room string, status string) error {
	l.mu.Lock()
	l.status[room] = status
	l.mu.Unlock()
	if status != "" {
		l.log.Debug("voice status",
			zap.String("room", room),
			zap.String("status", status))
	}
	return nil
}

// VoiceStatus returns the room's current status line.
func (l *Local) VoiceStatus(room string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status[room]
}

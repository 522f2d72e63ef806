package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/soundfold/maestro/pkg/maestro"
)

// Snapshot captures the persistable session state: queue, history,
// playhead and mixer settings.
func (s *Session) Snapshot() maestro.SessionSnapshot {
	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	snap := maestro.SessionSnapshot{
		Room:          s.cfg.Room,
		LoopMode:      string(s.loopMode),
		Volume:        s.volume,
		Autoplay:      s.autoplayOn,
		KeepConnected: s.cfg.KeepConnected,
		SavedAt:       now / 1000,
	}
	if s.node != nil {
		snap.NodeID = s.node.ID
	}
	if s.current != nil {
		info := s.current.Info()
		snap.Current = &info
		snap.PositionMS = s.positionLocked(now)
	}
	s.mu.Unlock()

	for _, t := range s.store.Tracks() {
		snap.Queue = append(snap.Queue, t.Info())
	}
	for _, t := range s.store.PlayedTracks() {
		snap.History = append(snap.History, t.Info())
	}
	return snap
}

// SaveSnapshot persists the current snapshot.
func (s *Session) SaveSnapshot(ctx context.Context) error {
	return s.deps.Snapshots.Save(ctx, s.Snapshot())
}

// Restore rebuilds queue, history and mixer settings from a snapshot.
// The interrupted track goes back to the head of the queue with its
// saved playhead as the restart offset. Playback does not resume here;
// the caller revalidates node and voice availability first and then
// calls ResumeFromRestore.
func (s *Session) Restore(snap maestro.SessionSnapshot) {
	s.mu.Lock()
	if snap.LoopMode != "" {
		s.loopMode = LoopMode(snap.LoopMode)
	}
	if snap.Volume > 0 {
		s.volume = snap.Volume
	}
	s.autoplayOn = snap.Autoplay
	s.restoreStartMS = 0
	s.mu.Unlock()

	if snap.Current != nil {
		t := FromInfo("", *snap.Current)
		s.store.EnqueueHead(t)
		if !t.Stream() {
			s.mu.Lock()
			s.restoreStartMS = snap.PositionMS
			s.mu.Unlock()
		}
	}
	for _, info := range snap.Queue {
		s.store.Enqueue(FromInfo("", info))
	}
	for _, info := range snap.History {
		s.store.RecordPlayed(FromInfo("", info))
	}
	s.log.Info("session restored from snapshot",
		zap.Int("queue_len", s.store.Len()),
		zap.Int64("start_ms", snap.PositionMS))
}

// ResumeFromRestore starts playback at the restored offset. Call only
// after the node and voice transport have been revalidated.
func (s *Session) ResumeFromRestore(ctx context.Context) {
	s.mu.Lock()
	start := s.restoreStartMS
	s.restoreStartMS = 0
	s.mu.Unlock()
	s.advance(ctx, start)
}

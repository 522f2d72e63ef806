package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// armIdleTimer starts the idle countdown. A newer arm or a stop
// invalidates older timers via the generation counter.
func (s *Session) armIdleTimer() {
	s.mu.Lock()
	s.idleGen++
	gen := s.idleGen
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.mu.Lock()
		expired := s.idleGen == gen && s.state == StateIdle
		s.mu.Unlock()
		if !expired {
			return
		}
		s.log.Info("idle timeout reached")
		s.Destroy(context.Background(), "idle timeout")
	})
	s.mu.Unlock()
}

func (s *Session) stopIdleTimer() {
	s.mu.Lock()
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleDeadline = 0
	s.mu.Unlock()
}

// watchListeners polls the room occupancy. An empty room starts a
// grace period; when it lapses the session auto-pauses (keep-connected
// mode) or destroys itself. Listeners returning lift an auto-pause.
func (s *Session) watchListeners(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ListenerPoll)
	defer ticker.Stop()

	var emptySince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		active := s.current != nil && s.state != StateClosing
		autoPaused := s.autoPaused
		s.mu.Unlock()
		if !active {
			emptySince = time.Time{}
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		listeners, err := s.deps.Chat.ListenerCount(cctx, s.cfg.Room)
		cancel()
		if err != nil {
			s.log.Debug("listener poll failed", zap.Error(err))
			continue
		}

		if listeners > 0 {
			emptySince = time.Time{}
			if autoPaused {
				s.autoResume(ctx)
			}
			continue
		}
		if autoPaused {
			continue
		}
		if emptySince.IsZero() {
			emptySince = time.Now()
			continue
		}
		if time.Since(emptySince) < s.cfg.EmptyRoomTimeout {
			continue
		}
		emptySince = time.Time{}
		if s.cfg.KeepConnected {
			s.autoPause(ctx)
		} else {
			s.log.Info("room empty past grace period")
			// Destroy waits on this goroutine's group; detach first.
			go s.Destroy(context.WithoutCancel(ctx), "empty room")
			return
		}
	}
}

// autoPause mutes the node while keeping the session alive, and starts
// the watchdog that keeps the queue moving at the live point.
func (s *Session) autoPause(ctx context.Context) {
	s.mu.Lock()
	if s.autoPaused || s.current == nil || s.node == nil {
		s.mu.Unlock()
		return
	}
	node := s.node
	now := s.deps.Clock.NowUnixMilli()
	s.lastPositionMS = s.positionLocked(now)
	s.lastUpdateMS = now
	s.autoPaused = true
	s.state = StateAutoPaused
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Bus.SetPaused(cctx, node.ID, s.cfg.Room, true); err != nil {
		s.log.Warn("auto-pause failed", zap.Error(err))
	}
	s.log.Info("auto-paused, room is empty")
	s.announce(ctx, true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.autoSkipLoop(ctx)
	}()
}

func (s *Session) autoResume(ctx context.Context) {
	s.mu.Lock()
	if !s.autoPaused || s.node == nil {
		s.mu.Unlock()
		return
	}
	if s.current == nil {
		// Queue drained while muted; nothing to resume.
		s.autoPaused = false
		s.mu.Unlock()
		return
	}
	node := s.node
	now := s.deps.Clock.NowUnixMilli()
	s.autoPaused = false
	s.state = StatePlaying
	s.lastUpdateMS = now
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Bus.SetPaused(cctx, node.ID, s.cfg.Room, false); err != nil {
		s.log.Warn("auto-resume failed", zap.Error(err))
	}
	s.log.Info("auto-resumed, listeners returned")
	s.announce(ctx, true)
}

// autoSkipLoop simulates track ends while auto-paused so the queue
// stays aligned with where playback would be. Exits when the pause
// lifts or the session ends.
func (s *Session) autoSkipLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.autoPaused || s.state == StateClosing {
			s.mu.Unlock()
			return
		}
		cur := s.current
		remaining := time.Duration(0)
		if cur != nil && !cur.Stream() {
			now := s.deps.Clock.NowUnixMilli()
			remaining = time.Duration(cur.DurationMS()-s.positionLocked(now)) * time.Millisecond
		}
		s.mu.Unlock()

		if cur == nil || cur.Stream() {
			return
		}
		if remaining < time.Second {
			remaining = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}

		s.mu.Lock()
		stillPaused := s.autoPaused && s.current == cur
		s.mu.Unlock()
		if !stillPaused {
			return
		}
		s.log.Debug("auto-skipping expired track", zap.String("title", cur.Title))
		s.handleTrackEnded(ctx, syntheticEnd(cur))
	}
}

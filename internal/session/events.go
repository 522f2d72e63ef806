package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/soundfold/maestro/pkg/maestro"
)

// Transport close codes, mirroring the voice gateway taxonomy.
const (
	closeNormal          = 1000
	closeGoingAway       = 1001
	closeAbnormal        = 1006
	closeUnknownError    = 4000
	closeAlreadyAuthed   = 4005
	closeSessionTimeout  = 4006
	closeVoiceServerDown = 4016
	closeDisconnected    = 4014
)

var reconnectCodes = map[int]struct{}{
	closeGoingAway:       {},
	closeAbnormal:        {},
	closeUnknownError:    {},
	closeAlreadyAuthed:   {},
	closeSessionTimeout:  {},
	closeVoiceServerDown: {},
}

func (s *Session) handleEvent(ctx context.Context, ev maestro.Event) {
	s.mu.Lock()
	closing := s.state == StateClosing
	s.mu.Unlock()
	if closing {
		return
	}

	switch ev.Type {
	case maestro.EventTrackStarted:
		s.handleTrackStarted(ctx, ev)
	case maestro.EventTrackEnded:
		s.handleTrackEnded(ctx, ev)
	case maestro.EventTrackException:
		s.handleTrackException(ctx, ev)
	case maestro.EventTrackStuck:
		s.handleTrackStuck(ctx, ev)
	case maestro.EventTransportClosed:
		s.handleTransportClosed(ctx, ev)
	default:
		s.log.Debug("unhandled event", zap.String("type", ev.Type))
	}
}

func (s *Session) handleTrackStarted(ctx context.Context, ev maestro.Event) {
	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	cur := s.current
	if cur == nil || (ev.TrackID != "" && ev.TrackID != cur.Handle()) {
		s.mu.Unlock()
		return
	}
	s.lastUpdateMS = now
	s.mu.Unlock()

	// A clean start quiets the fault counters.
	s.retries.Reset()
	s.bcast.Broadcast(ctx, s.roomState(), false)
}

// handleTrackEnded performs queue bookkeeping for a finished or
// stopped track, then advances. Duplicate or stale end events no-op.
func (s *Session) handleTrackEnded(ctx context.Context, ev maestro.Event) {
	s.mu.Lock()
	cur := s.current
	if cur == nil || (ev.TrackID != "" && ev.TrackID != cur.Handle()) {
		s.mu.Unlock()
		s.log.Debug("stale track end ignored", zap.String("track", ev.TrackID))
		return
	}
	s.current = nil
	s.lastTrack = cur
	prev := s.previousPending
	s.previousPending = false
	loop := s.loopMode
	s.mu.Unlock()

	finished := ev.Reason == maestro.EndReasonFinished
	switch {
	case loop == LoopCurrent && finished:
		s.store.EnqueueHead(cur)
	case prev:
		// The rewound-to track sits at the head; the interrupted one
		// plays right after it.
		s.store.EnqueueAt(1, cur)
	case cur.Loops > 0:
		cur.Loops--
		s.store.EnqueueHead(cur)
	case loop == LoopQueue:
		s.store.Enqueue(cur)
	case !cur.Autoplay:
		s.store.RecordPlayed(cur)
	}

	if finished && cur.DurationMS() > 0 && cur.DurationMS() < s.cfg.ShortTrackMS {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ShortTrackSettle):
		}
	}
	s.advance(ctx, 0)
}

// handleTrackException classifies the fault and executes the policy
// decision. The advance lock is held for the whole recovery so no
// concurrent transition can race it.
func (s *Session) handleTrackException(ctx context.Context, ev maestro.Event) {
	if !s.tryLock() {
		s.log.Warn("exception while recovery in flight, dropped",
			zap.String("cause", ev.Cause))
		return
	}
	defer s.unlock()

	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	cur := s.current
	if cur == nil {
		cur = s.lastTrack
	}
	s.current = nil
	node := s.node
	resumeAt := s.lastPositionMS
	if s.lastUpdateMS > 0 && !s.paused {
		resumeAt = s.positionLockedAsPlaying(now)
	}
	s.mu.Unlock()
	if cur == nil || node == nil {
		return
	}

	class := Classify(ev.Cause, ev.Severity, ev.Message)
	attempt := s.retries.Next(class, node.ID, time.Now())
	dec := s.deps.Policy.Decide(class, attempt)
	if s.retries.General() > s.deps.Policy.GeneralBudget && dec.Action != ActionFatal {
		dec = Decision{Action: ActionRotate, Resume: dec.Resume}
	}

	s.log.Warn("track fault",
		zap.String("title", cur.Title),
		zap.String("class", class.String()),
		zap.Int("attempt", attempt),
		zap.String("action", dec.Action.String()),
		zap.String("cause", ev.Cause))

	startMS := int64(0)
	if dec.Resume && !cur.Stream() {
		startMS = resumeAt
		if dec.Action == ActionReposition {
			startMS += s.deps.Policy.PositionBumpMS
		}
	}

	switch dec.Action {
	case ActionRetry, ActionReposition:
		s.store.EnqueueHead(cur)
		if !s.sleep(ctx, dec.Cooldown) {
			return
		}
		s.advanceLocked(ctx, startMS)
	case ActionRotate:
		s.store.EnqueueHead(cur)
		s.deps.Nodes.MarkDegraded(node.ID, class, time.Now().Add(s.deps.Policy.QuietPeriod))
		s.rotateNode(ctx, node.ID, class, startMS)
	case ActionSkip:
		s.store.RecordFailed(cur)
		s.notify(ctx, fmt.Sprintf("%q cannot be played, skipping.", cur.DisplayName()))
		if !s.sleep(ctx, dec.Cooldown) {
			return
		}
		s.advanceLocked(ctx, 0)
	case ActionFatal:
		s.notify(ctx, "Playback hit an unrecoverable error, shutting the player down.")
		go s.Destroy(context.WithoutCancel(ctx), "fatal playback error")
	default:
	}
}

// positionLockedAsPlaying projects the playhead even when the state
// machine already left Playing. Caller holds mu.
func (s *Session) positionLockedAsPlaying(nowMS int64) int64 {
	pos := s.lastPositionMS + (nowMS - s.lastUpdateMS)
	if pos < 0 {
		pos = 0
	}
	return pos
}

// handleTrackStuck repositions once past the stall, then gives up on
// the track.
func (s *Session) handleTrackStuck(ctx context.Context, ev maestro.Event) {
	if !s.tryLock() {
		return
	}
	defer s.unlock()

	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	cur := s.current
	s.current = nil
	node := s.node
	resumeAt := s.positionLockedAsPlaying(now)
	s.mu.Unlock()
	if cur == nil || node == nil {
		return
	}

	attempt := s.retries.Next(ClassStuck, node.ID, time.Now())
	dec := s.deps.Policy.Decide(ClassStuck, attempt)
	s.log.Warn("track stuck",
		zap.String("title", cur.Title),
		zap.Int("attempt", attempt),
		zap.String("action", dec.Action.String()))

	if dec.Action == ActionReposition && !cur.Stream() {
		s.store.EnqueueHead(cur)
		s.advanceLocked(ctx, resumeAt+s.deps.Policy.PositionBumpMS)
		return
	}
	s.store.RecordFailed(cur)
	s.advanceLocked(ctx, 0)
}

// handleTransportClosed reacts to the voice transport dropping.
func (s *Session) handleTransportClosed(ctx context.Context, ev maestro.Event) {
	code := ev.Code
	s.log.Info("transport closed",
		zap.Int("code", code),
		zap.String("message", ev.Message))

	if code == closeNormal {
		return
	}
	if _, ok := reconnectCodes[code]; ok {
		s.reconnectVoice(ctx)
		return
	}
	if code == closeDisconnected {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		connected, err := s.deps.Chat.VoiceConnected(cctx, s.cfg.Room)
		cancel()
		if err == nil && !connected {
			// Kicked out of the room for real.
			go s.Destroy(context.WithoutCancel(ctx), "voice disconnected")
			return
		}
		s.reconnectVoice(ctx)
		return
	}

	// Unknown close: treat the node as suspect.
	if !s.tryLock() {
		return
	}
	defer s.unlock()
	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	cur := s.current
	s.current = nil
	node := s.node
	resumeAt := s.positionLockedAsPlaying(now)
	s.mu.Unlock()
	if node == nil {
		return
	}
	if cur != nil {
		s.store.EnqueueHead(cur)
	}
	startMS := resumeAt
	if cur == nil || cur.Stream() {
		startMS = 0
	}
	s.deps.Nodes.MarkDegraded(node.ID, ClassNetwork, time.Now().Add(s.deps.Policy.QuietPeriod))
	s.rotateNode(ctx, node.ID, ClassNetwork, startMS)
}

func (s *Session) reconnectVoice(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Chat.JoinVoice(cctx, s.cfg.Room); err != nil {
		s.log.Warn("voice reconnect failed", zap.Error(err))
	}
}

// rotateNode migrates to the least-loaded replacement, polling until
// one shows up. Caller holds the advance lock; it stays held for the
// whole wait so nothing else can start playback mid-migration.
func (s *Session) rotateNode(ctx context.Context, exclude string, class Class, startMS int64) {
	for {
		if ctx.Err() != nil {
			return
		}
		replacement, ok := s.deps.Nodes.SelectReplacement(exclude, class, time.Now())
		if !ok {
			s.log.Info("no replacement node, waiting", zap.String("excluded", exclude))
			if !s.sleep(ctx, 5*time.Second) {
				return
			}
			continue
		}
		if err := s.migrate(ctx, replacement); err != nil {
			s.log.Warn("migration failed",
				zap.String("node", replacement.ID),
				zap.Error(err))
			s.deps.Nodes.MarkDegraded(replacement.ID, class, time.Now().Add(time.Minute))
			continue
		}
		s.retries.Reset()
		s.advanceLocked(ctx, startMS)
		return
	}
}

// migrate rebinds the session to a new node and re-applies the mixer
// state. The queued head track restarts via the caller's advance.
func (s *Session) migrate(ctx context.Context, to *Node) error {
	s.mu.Lock()
	from := s.node
	s.node = to
	volume := s.volume
	filters := s.filters
	s.mu.Unlock()

	if from != nil {
		s.deps.Nodes.AdjustPlayers(from.ID, -1)
	}
	s.deps.Nodes.AdjustPlayers(to.ID, 1)
	s.signalRebind()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Bus.SetVolume(cctx, to.ID, s.cfg.Room, volume); err != nil {
		s.log.Debug("volume carry-over failed", zap.Error(err))
	}
	if len(filters) > 0 {
		if err := s.deps.Bus.SetFilters(cctx, to.ID, s.cfg.Room, filters); err != nil {
			s.log.Debug("filter carry-over failed", zap.Error(err))
		}
	}
	fromID := ""
	if from != nil {
		fromID = from.ID
	}
	s.log.Info("migrated to replacement node",
		zap.String("from", fromID),
		zap.String("to", to.ID))
	return nil
}

// syntheticEnd fabricates the finished event the watchdog feeds back
// into normal end handling.
func syntheticEnd(t *Track) maestro.Event {
	return maestro.Event{
		Type:    maestro.EventTrackEnded,
		TrackID: t.Handle(),
		Reason:  maestro.EndReasonFinished,
	}
}

// sleep waits the duration, returning false when ctx ends first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

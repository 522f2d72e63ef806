package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soundfold/maestro/internal/ports"
	"github.com/soundfold/maestro/pkg/maestro"
)

// State is the session lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateResolving
	StatePlaying
	StatePaused
	StateAutoPaused
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateAutoPaused:
		return "auto_paused"
	case StateClosing:
		return "closing"
	default:
		return "idle"
	}
}

// LoopMode selects queue reinsertion behaviour on track end.
type LoopMode string

const (
	LoopOff     LoopMode = "off"
	LoopCurrent LoopMode = "current"
	LoopQueue   LoopMode = "queue"
)

var (
	// ErrBusy is returned when a transition is refused because an
	// advance or recovery is already in flight.
	ErrBusy = errors.New("session busy")
	// ErrClosed is returned by commands on a closing session.
	ErrClosed = errors.New("session closed")
	// ErrNoMatch is returned when resolution finds nothing playable.
	ErrNoMatch = errors.New("no playable match")
	// ErrNoHistory is returned by Previous with an empty played ring.
	ErrNoHistory = errors.New("no played tracks")
)

// Config carries per-session tuning. Zero values take defaults.
type Config struct {
	Room string

	IdleTimeout      time.Duration
	EmptyRoomTimeout time.Duration
	ListenerPoll     time.Duration
	CommandTimeout   time.Duration
	Heartbeat        time.Duration

	// Tracks shorter than ShortTrackMS settle for ShortTrackSettle
	// before the next advance, so rapid-fire ends cannot pile
	// commands onto the node.
	ShortTrackMS     int64
	ShortTrackSettle time.Duration

	// KeepConnected auto-pauses instead of destroying when the room
	// empties.
	KeepConnected bool

	DefaultVolume int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.EmptyRoomTimeout == 0 {
		c.EmptyRoomTimeout = 2 * time.Minute
	}
	if c.ListenerPoll == 0 {
		c.ListenerPoll = 15 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.ShortTrackMS == 0 {
		c.ShortTrackMS = 30_000
	}
	if c.ShortTrackSettle == 0 {
		c.ShortTrackSettle = 2 * time.Second
	}
	if c.DefaultVolume == 0 {
		c.DefaultVolume = 100
	}
	return c
}

// Deps are the collaborators a session needs.
type Deps struct {
	Log       *zap.Logger
	Bus       ports.NodeBus
	Chat      ports.ChatClient
	Nodes     *NodeRegistry
	Autoplay  *AutoplayEngine
	Snapshots ports.SnapshotStore
	Clock     ports.Clock
	Policy    Policy

	// OnClosed is called once after teardown completes.
	OnClosed func(room string)
}

// Session owns playback for one room: the queue, the bound node, the
// recovery counters and every background task. All command methods are
// safe for concurrent use; node events are consumed by the single Run
// goroutine in arrival order.
type Session struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	store   *Store
	retries *RetryState
	bcast   *Broadcaster

	rebind chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	locked          bool
	node            *Node
	current         *Track
	lastTrack       *Track
	previousPending bool
	loopMode        LoopMode
	autoplayOn      bool
	volume          int
	filters         map[string]float64
	paused          bool
	autoPaused      bool
	lastPositionMS  int64
	lastUpdateMS    int64
	commandLog      string
	restoreStartMS  int64
	idleGen         int
	idleTimer       *time.Timer
	idleDeadline    int64
}

// New builds a session bound to an initial node. Call Run to start
// event consumption.
func New(cfg Config, deps Deps, node *Node) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.Named("session").With(zap.String("room", cfg.Room)),
		store:    NewStore(),
		retries:  NewRetryState(deps.Policy.QuietPeriod),
		bcast:    NewBroadcaster(deps.Log.With(zap.String("room", cfg.Room)), time.Second),
		rebind:   make(chan struct{}, 1),
		state:    StateIdle,
		node:     node,
		loopMode: LoopOff,
		volume:   cfg.DefaultVolume,
	}
	if node != nil {
		deps.Nodes.AdjustPlayers(node.ID, 1)
	}
	return s
}

// Store exposes the queue for command handlers.
func (s *Session) Store() *Store { return s.store }

// Broadcaster exposes observer registration.
func (s *Session) Broadcaster() *Broadcaster { return s.bcast }

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the playing track, nil when idle.
func (s *Session) Current() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NodeID reports the bound node.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node == nil {
		return ""
	}
	return s.node.ID
}

func (s *Session) tryLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked || s.state == StateClosing {
		return false
	}
	s.locked = true
	return true
}

func (s *Session) unlock() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

// Run consumes node events until ctx is cancelled or the session is
// destroyed. It owns rebinding after migrations.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchListeners(ctx)
	}()

	hb := time.NewTicker(s.cfg.Heartbeat)
	defer hb.Stop()
	watchBackoff := NewBackoff(time.Second)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		node := s.node
		s.mu.Unlock()
		if node == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.rebind:
			case <-time.After(time.Second):
			}
			continue
		}

		watchCtx, stop := context.WithCancel(ctx)
		events, errs := s.deps.Bus.WatchRoom(watchCtx, node.ID, s.cfg.Room)

	consume:
		for {
			select {
			case <-ctx.Done():
				stop()
				return ctx.Err()
			case <-s.rebind:
				stop()
				break consume
			case ev, ok := <-events:
				if !ok {
					stop()
					break consume
				}
				s.handleEvent(ctx, ev)
			case err, ok := <-errs:
				stop()
				if ok && err != nil {
					s.log.Warn("event stream failed", zap.Error(err))
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(watchBackoff.Next(time.Now())):
				}
				break consume
			case <-hb.C:
				s.heartbeat(ctx)
			}
		}
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	s.mu.Lock()
	playing := s.state == StatePlaying || s.state == StatePaused || s.state == StateAutoPaused
	s.mu.Unlock()
	if !playing {
		return
	}
	s.bcast.Broadcast(ctx, s.roomState(), false)
	s.publishState(ctx)
}

func (s *Session) publishState(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Bus.PublishRoomState(cctx, s.cfg.Room, s.roomState()); err != nil {
		s.log.Debug("room state publish failed", zap.Error(err))
	}
}

func (s *Session) announce(ctx context.Context, force bool) {
	s.bcast.Broadcast(ctx, s.roomState(), force)
	s.publishState(ctx)
}

// Play enqueues a request and starts playback when idle. When next is
// set the track jumps the queue.
func (s *Session) Play(ctx context.Context, t *Track, next bool) error {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.commandLog = fmt.Sprintf("queued by %s", t.Requester)
	s.mu.Unlock()

	if next {
		s.store.EnqueueHead(t)
	} else {
		s.store.Enqueue(t)
	}
	s.log.Info("track queued",
		zap.String("title", t.Title),
		zap.String("requester", t.Requester),
		zap.Int("queue_len", s.store.Len()))

	s.mu.Lock()
	idle := s.current == nil && s.state != StateClosing
	s.mu.Unlock()
	if idle {
		s.advance(ctx, 0)
	} else {
		s.announce(ctx, true)
	}
	return nil
}

// Skip stops the current track; the resulting end event performs the
// queue bookkeeping and advances.
func (s *Session) Skip(ctx context.Context, actor string) error {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	node := s.node
	s.commandLog = fmt.Sprintf("skipped by %s", actor)
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	return s.deps.Bus.Stop(cctx, node.ID, s.cfg.Room)
}

// Previous reinserts the most recently played track at the head and
// skips to it. The interrupted track lands right behind it.
func (s *Session) Previous(ctx context.Context, actor string) error {
	prev, ok := s.store.PopPlayed()
	if !ok {
		return ErrNoHistory
	}
	s.store.EnqueueHead(prev)

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		s.advance(ctx, 0)
		return nil
	}
	s.previousPending = true
	node := s.node
	s.commandLog = fmt.Sprintf("rewound by %s", actor)
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	return s.deps.Bus.Stop(cctx, node.ID, s.cfg.Room)
}

// Stop clears the queue and halts playback without leaving the room.
func (s *Session) Stop(ctx context.Context, actor string) error {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return ErrClosed
	}
	node := s.node
	s.current = nil
	s.lastTrack = nil
	s.previousPending = false
	s.commandLog = fmt.Sprintf("stopped by %s", actor)
	s.mu.Unlock()

	s.store.Clear()
	if node != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
		if err := s.deps.Bus.Stop(cctx, node.ID, s.cfg.Room); err != nil {
			return err
		}
	}
	s.becomeIdle(ctx)
	return nil
}

// SetPaused pauses or resumes playback.
func (s *Session) SetPaused(ctx context.Context, paused bool, actor string) error {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.current == nil || s.node == nil {
		s.mu.Unlock()
		return nil
	}
	node := s.node
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Bus.SetPaused(cctx, node.ID, s.cfg.Room, paused); err != nil {
		return err
	}

	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	s.lastPositionMS = s.positionLocked(now)
	s.lastUpdateMS = now
	s.paused = paused
	s.autoPaused = false
	if paused {
		s.state = StatePaused
		s.commandLog = fmt.Sprintf("paused by %s", actor)
	} else {
		s.state = StatePlaying
		s.commandLog = fmt.Sprintf("resumed by %s", actor)
	}
	s.mu.Unlock()
	s.announce(ctx, true)
	return nil
}

// SetVolume applies and remembers the volume.
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 200 {
		volume = 200
	}
	s.mu.Lock()
	node := s.node
	s.volume = volume
	s.mu.Unlock()
	if node == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	return s.deps.Bus.SetVolume(cctx, node.ID, s.cfg.Room, volume)
}

// SetFilters applies and remembers the filter chain.
func (s *Session) SetFilters(ctx context.Context, filters map[string]float64) error {
	s.mu.Lock()
	node := s.node
	s.filters = filters
	s.mu.Unlock()
	if node == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	return s.deps.Bus.SetFilters(cctx, node.ID, s.cfg.Room, filters)
}

// SetLoop switches the loop mode.
func (s *Session) SetLoop(mode LoopMode) {
	s.mu.Lock()
	s.loopMode = mode
	s.mu.Unlock()
}

// LoopModeNow reports the loop mode.
func (s *Session) LoopModeNow() LoopMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopMode
}

// SetAutoplay toggles autoplay continuation.
func (s *Session) SetAutoplay(ctx context.Context, on bool) {
	s.mu.Lock()
	s.autoplayOn = on
	idle := s.current == nil && s.state != StateClosing
	s.mu.Unlock()
	if on && idle && s.store.Len() == 0 {
		s.advance(ctx, 0)
	}
}

// AutoplayOn reports the autoplay toggle.
func (s *Session) AutoplayOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoplayOn
}

// Seek repositions the current track by replaying from the requested
// position.
func (s *Session) Seek(ctx context.Context, positionMS int64) error {
	s.mu.Lock()
	cur := s.current
	node := s.node
	s.mu.Unlock()
	if cur == nil || node == nil {
		return nil
	}
	if cur.Stream() {
		return errors.New("cannot seek a stream")
	}
	if positionMS < 0 {
		positionMS = 0
	}
	if d := cur.DurationMS(); d > 0 && positionMS > d {
		positionMS = d
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	err := s.deps.Bus.Play(cctx, node.ID, s.cfg.Room, maestro.PlayBody{
		TrackID: cur.Handle(),
		StartMS: positionMS,
		Volume:  s.currentVolume(),
		Filters: s.currentFilters(),
	})
	if err != nil {
		return err
	}
	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	s.lastPositionMS = positionMS
	s.lastUpdateMS = now
	s.mu.Unlock()
	return nil
}

func (s *Session) currentVolume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Session) currentFilters() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}

// PositionMS derives the playhead from the last node report and wall
// clock, clamped to the track duration for non-streams.
func (s *Session) PositionMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(s.deps.Clock.NowUnixMilli())
}

func (s *Session) positionLocked(nowMS int64) int64 {
	if s.current == nil {
		return 0
	}
	pos := s.lastPositionMS
	if s.state == StatePlaying && !s.paused {
		pos += nowMS - s.lastUpdateMS
	}
	if pos < 0 {
		pos = 0
	}
	if !s.current.Stream() {
		if d := s.current.DurationMS(); d > 0 && pos > d {
			pos = d
		}
	}
	return pos
}

// Advance starts the next track when nothing is in flight.
func (s *Session) Advance(ctx context.Context) {
	s.advance(ctx, 0)
}

func (s *Session) advance(ctx context.Context, startMS int64) {
	if !s.tryLock() {
		return
	}
	defer s.unlock()
	s.stopIdleTimer()
	s.advanceLocked(ctx, startMS)
}

// advanceLocked runs the dequeue/resolve/start loop. Caller holds the
// advance lock.
func (s *Session) advanceLocked(ctx context.Context, startMS int64) {
	for {
		if ctx.Err() != nil {
			return
		}
		next, ok := s.store.Dequeue()
		if !ok && s.AutoplayOn() {
			cand, err := s.deps.Autoplay.NextCandidate(ctx, s.store)
			if err != nil {
				s.log.Warn("autoplay refill failed", zap.Error(err))
			}
			if cand != nil {
				next, ok = cand, true
			}
		}
		if !ok {
			s.becomeIdle(ctx)
			return
		}

		if !next.Resolved() {
			s.setStateBroadcast(ctx, StateResolving)
			if err := s.resolveTrack(ctx, next); err != nil {
				s.log.Warn("resolution failed",
					zap.String("query", next.Query),
					zap.Error(err))
				s.store.RecordFailed(next)
				s.notify(ctx, fmt.Sprintf("Could not find anything playable for %q, skipping.", next.DisplayName()))
				startMS = 0
				continue
			}
		}

		if err := s.startPlayback(ctx, next, startMS); err != nil {
			s.log.Warn("playback start failed",
				zap.String("title", next.Title),
				zap.Error(err))
			s.store.RecordFailed(next)
			s.notify(ctx, fmt.Sprintf("Failed to start %q, skipping.", next.DisplayName()))
			startMS = 0
			continue
		}
		return
	}
}

func (s *Session) resolveTrack(ctx context.Context, t *Track) error {
	s.mu.Lock()
	node := s.node
	s.mu.Unlock()
	if node == nil {
		return errors.New("no node bound")
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	infos, err := s.deps.Bus.Search(cctx, node.ID, t.Query)
	if err != nil {
		return fmt.Errorf("search %q: %w", t.Query, err)
	}
	if len(infos) == 0 {
		return ErrNoMatch
	}
	return t.Resolve(infos[0])
}

func (s *Session) startPlayback(ctx context.Context, t *Track, startMS int64) error {
	s.mu.Lock()
	node := s.node
	autoPaused := s.autoPaused
	s.mu.Unlock()
	if node == nil {
		return errors.New("no node bound")
	}
	if t.Stream() {
		startMS = 0
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if connected, err := s.deps.Chat.VoiceConnected(cctx, s.cfg.Room); err == nil && !connected {
		if err := s.deps.Chat.JoinVoice(cctx, s.cfg.Room); err != nil {
			return fmt.Errorf("join voice: %w", err)
		}
	}

	err := s.deps.Bus.Play(cctx, node.ID, s.cfg.Room, maestro.PlayBody{
		TrackID: t.Handle(),
		StartMS: startMS,
		Volume:  s.currentVolume(),
		Filters: s.currentFilters(),
	})
	if err != nil {
		return err
	}
	if autoPaused {
		// Room is empty; keep the node muted until listeners return.
		_ = s.deps.Bus.SetPaused(cctx, node.ID, s.cfg.Room, true)
	}

	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	s.current = t
	s.paused = false
	s.lastPositionMS = startMS
	s.lastUpdateMS = now
	if s.autoPaused {
		s.state = StateAutoPaused
	} else {
		s.state = StatePlaying
	}
	s.mu.Unlock()

	if err := s.deps.Chat.SetVoiceStatus(cctx, s.cfg.Room, voiceStatus(t)); err != nil {
		s.log.Debug("voice status update failed", zap.Error(err))
	}
	s.log.Info("track started",
		zap.String("title", t.Title),
		zap.String("node", node.ID),
		zap.Int64("start_ms", startMS),
		zap.Bool("autoplay", t.Autoplay))
	s.announce(ctx, true)

	// Every start persists, so a crash mid-track restores here rather
	// than at the last periodic save.
	if err := s.SaveSnapshot(cctx); err != nil {
		s.log.Warn("snapshot save failed", zap.Error(err))
	}
	return nil
}

func voiceStatus(t *Track) string {
	if t == nil {
		return ""
	}
	if t.Author != "" {
		return fmt.Sprintf("♪ %s - %s", t.Title, t.Author)
	}
	return "♪ " + t.Title
}

func (s *Session) setStateBroadcast(ctx context.Context, st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.bcast.Broadcast(ctx, s.roomState(), false)
}

func (s *Session) becomeIdle(ctx context.Context) {
	now := s.deps.Clock.NowUnix()
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.current = nil
	s.paused = false
	s.lastPositionMS = 0
	s.idleDeadline = now + int64(s.cfg.IdleTimeout/time.Second)
	s.mu.Unlock()

	s.armIdleTimer()
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	if err := s.deps.Chat.SetVoiceStatus(cctx, s.cfg.Room, ""); err != nil {
		s.log.Debug("voice status clear failed", zap.Error(err))
	}
	cancel()
	s.announce(ctx, true)
}

func (s *Session) notify(ctx context.Context, text string) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.deps.Chat.SendMessage(cctx, s.cfg.Room, text); err != nil {
		s.log.Debug("notify failed", zap.Error(err))
	}
}

func (s *Session) signalRebind() {
	select {
	case s.rebind <- struct{}{}:
	default:
	}
}

// roomState builds the externally visible snapshot of this session.
func (s *Session) roomState() maestro.RoomState {
	now := s.deps.Clock.NowUnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	state := maestro.RoomState{
		Room: s.cfg.Room,
		TS:   now / 1000,
	}
	switch {
	case s.state == StateClosing:
		state.Closed = &maestro.ClosedState{Reason: "closing"}
	case s.current == nil:
		state.Idle = &maestro.IdleState{
			QueueLength:  s.store.Len(),
			IdleDeadline: s.idleDeadline,
			CommandLog:   s.commandLog,
		}
	default:
		info := s.current.Info()
		playing := &maestro.PlayingState{
			Track:       info,
			PositionMS:  s.positionLocked(now),
			Paused:      s.paused,
			AutoPaused:  s.autoPaused,
			QueueLength: s.store.Len(),
			LoopMode:    string(s.loopMode),
			Volume:      s.volume,
			Autoplay:    s.autoplayOn,
			CommandLog:  s.commandLog,
		}
		if s.node != nil {
			playing.NodeID = s.node.ID
			playing.NodePingMS = s.node.PingMS()
		}
		state.Playing = playing
	}
	return state
}

// Destroy tears the session down and discards its snapshot: background
// tasks first, then the node player, then voice, then the closed
// broadcast.
func (s *Session) Destroy(ctx context.Context, reason string) {
	s.teardown(ctx, reason, false)
}

// Shutdown tears the session down but keeps the persisted snapshot so
// a restart can offer to restore it.
func (s *Session) Shutdown(ctx context.Context, reason string) {
	s.teardown(ctx, reason, true)
}

func (s *Session) teardown(ctx context.Context, reason string, keepSnapshot bool) {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	node := s.node
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("destroying session", zap.String("reason", reason))
	s.stopIdleTimer()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	cctx, cancelT := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommandTimeout)
	defer cancelT()
	if node != nil {
		if err := s.deps.Bus.Destroy(cctx, node.ID, s.cfg.Room); err != nil {
			s.log.Warn("node destroy failed", zap.Error(err))
		}
		s.deps.Nodes.AdjustPlayers(node.ID, -1)
	}
	if err := s.deps.Chat.SetVoiceStatus(cctx, s.cfg.Room, ""); err != nil {
		s.log.Debug("voice status clear failed", zap.Error(err))
	}
	if err := s.deps.Chat.LeaveVoice(cctx, s.cfg.Room); err != nil {
		s.log.Debug("voice leave failed", zap.Error(err))
	}
	if !keepSnapshot {
		if err := s.deps.Snapshots.Delete(cctx, s.cfg.Room); err != nil {
			s.log.Warn("snapshot delete failed", zap.Error(err))
		}
	}

	closed := maestro.RoomState{
		Room:   s.cfg.Room,
		TS:     s.deps.Clock.NowUnix(),
		Closed: &maestro.ClosedState{Reason: reason},
	}
	s.bcast.Broadcast(cctx, closed, true)
	if err := s.deps.Bus.PublishRoomState(cctx, s.cfg.Room, closed); err != nil {
		s.log.Debug("closed state publish failed", zap.Error(err))
	}
	if s.deps.OnClosed != nil {
		s.deps.OnClosed(s.cfg.Room)
	}
}

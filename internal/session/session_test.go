package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/soundfold/maestro/pkg/maestro"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubClock struct {
	mu sync.Mutex
	ms int64
}

func (c *stubClock) NowUnix() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms / 1000
}

func (c *stubClock) NowUnixMilli() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	c.ms += d.Milliseconds()
	c.mu.Unlock()
}

type playCall struct {
	node string
	body maestro.PlayBody
}

type stubBus struct {
	mu       sync.Mutex
	search   []maestro.TrackInfo
	plays    []playCall
	stops    int
	pauses   []bool
	destroys int
}

func (b *stubBus) ControllerID() string { return "test-controller" }

func (b *stubBus) Search(ctx context.Context, nodeID string, query string) ([]maestro.TrackInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.search, nil
}

func (b *stubBus) Play(ctx context.Context, nodeID string, room string, body maestro.PlayBody) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plays = append(b.plays, playCall{node: nodeID, body: body})
	return nil
}

func (b *stubBus) Stop(ctx context.Context, nodeID string, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *stubBus) SetPaused(ctx context.Context, nodeID string, room string, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauses = append(b.pauses, paused)
	return nil
}

func (b *stubBus) SetVolume(ctx context.Context, nodeID string, room string, volume int) error {
	return nil
}

func (b *stubBus) SetFilters(ctx context.Context, nodeID string, room string, filters map[string]float64) error {
	return nil
}

func (b *stubBus) Destroy(ctx context.Context, nodeID string, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroys++
	return nil
}

func (b *stubBus) WatchRoom(ctx context.Context, nodeID string, room string) (<-chan maestro.Event, <-chan error) {
	events := make(chan maestro.Event)
	errs := make(chan error)
	close(events)
	close(errs)
	return events, errs
}

func (b *stubBus) ListPresence(ctx context.Context) ([]maestro.Presence, error) {
	return nil, nil
}

func (b *stubBus) PublishRoomState(ctx context.Context, room string, state maestro.RoomState) error {
	return nil
}

func (b *stubBus) playCalls() []playCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]playCall, len(b.plays))
	copy(out, b.plays)
	return out
}

func (b *stubBus) stopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *stubBus) destroyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroys
}

type stubChat struct {
	mu        sync.Mutex
	connected bool
	listeners int
	messages  []string
	joins     int
	leaves    int
	status    string
}

func (c *stubChat) SendMessage(ctx context.Context, room string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *stubChat) JoinVoice(ctx context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins++
	c.connected = true
	return nil
}

func (c *stubChat) LeaveVoice(ctx context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	c.connected = false
	return nil
}

func (c *stubChat) VoiceConnected(ctx context.Context, room string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, nil
}

func (c *stubChat) ListenerCount(ctx context.Context, room string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners, nil
}

func (c *stubChat) SetVoiceStatus(ctx context.Context, room string, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	return nil
}

func (c *stubChat) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *stubChat) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

type stubSnapshots struct {
	mu    sync.Mutex
	saved map[string]maestro.SessionSnapshot
}

func (s *stubSnapshots) Save(ctx context.Context, snap maestro.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]maestro.SessionSnapshot)
	}
	s.saved[snap.Room] = snap
	return nil
}

func (s *stubSnapshots) Load(ctx context.Context, room string) (maestro.SessionSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.saved[room]
	return snap, ok, nil
}

func (s *stubSnapshots) Delete(ctx context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, room)
	return nil
}

type testEnv struct {
	s     *Session
	bus   *stubBus
	chat  *stubChat
	nodes *NodeRegistry
	clock *stubClock
	rec   *stubRecommender
	snaps *stubSnapshots
}

func newTestSession(t *testing.T) *testEnv {
	t.Helper()
	return newTestSessionWith(t, nil)
}

func newTestSessionWith(t *testing.T, tweak func(cfg *Config, deps *Deps)) *testEnv {
	t.Helper()
	now := time.Now()
	nodes := NewNodeRegistry(time.Hour)
	nodes.Upsert(maestro.Presence{NodeID: "n1", Players: 0}, now)
	nodes.Upsert(maestro.Presence{NodeID: "n2", Players: 3}, now)
	n1, _ := nodes.Get("n1")

	clock := &stubClock{ms: 1_000_000}
	bus := &stubBus{}
	chat := &stubChat{connected: true, listeners: 1}
	rec := &stubRecommender{}

	engine := NewAutoplayEngine(rec, zap.NewNop())
	engine.retryGap = time.Millisecond

	snaps := &stubSnapshots{}
	deps := Deps{
		Log:       zap.NewNop(),
		Bus:       bus,
		Chat:      chat,
		Nodes:     nodes,
		Autoplay:  engine,
		Snapshots: snaps,
		Clock:     clock,
		Policy: Policy{
			RateLimitAttempts: 3,
			NetworkAttempts:   3,
			GeneralBudget:     99,
			QuietPeriod:       time.Minute,
			PositionBumpMS:    430,
		},
	}
	cfg := Config{
		Room:             "room-1",
		IdleTimeout:      time.Hour,
		EmptyRoomTimeout: time.Hour,
		ListenerPoll:     time.Hour,
		Heartbeat:        time.Hour,
		ShortTrackMS:     1,
		ShortTrackSettle: time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	env := &testEnv{s: New(cfg, deps, n1), bus: bus, chat: chat, nodes: nodes, clock: clock, rec: rec, snaps: snaps}
	t.Cleanup(env.s.stopIdleTimer)
	return env
}

func finishedEvent(t *Track) maestro.Event {
	return maestro.Event{Type: maestro.EventTrackEnded, TrackID: t.Handle(), Reason: maestro.EndReasonFinished}
}

func stoppedEvent(t *Track) maestro.Event {
	return maestro.Event{Type: maestro.EventTrackEnded, TrackID: t.Handle(), Reason: maestro.EndReasonStopped}
}

func TestPlayStartsImmediatelyWhenIdle(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	if err := env.s.Play(ctx, a, false); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if env.s.State() != StatePlaying {
		t.Fatalf("expected playing, got %s", env.s.State())
	}
	plays := env.bus.playCalls()
	if len(plays) != 1 || plays[0].body.TrackID != "a" || plays[0].node != "n1" {
		t.Fatalf("unexpected play calls: %+v", plays)
	}
}

func TestPlayResolvesUnresolvedTracks(t *testing.T) {
	env := newTestSession(t)
	env.bus.search = []maestro.TrackInfo{{ID: "found", Title: "Found", DurationMS: 200_000}}
	ctx := context.Background()

	if err := env.s.Play(ctx, NewTrack("req-1", "some song", "", ""), false); err != nil {
		t.Fatalf("Play: %v", err)
	}
	cur := env.s.Current()
	if cur == nil || cur.Handle() != "found" {
		t.Fatalf("expected resolved current, got %v", cur)
	}
}

func TestResolutionFailureSkipsAndNotifies(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	if err := env.s.Play(ctx, NewTrack("req-1", "nothing matches this", "", ""), false); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if env.s.State() != StateIdle {
		t.Fatalf("expected idle after failed resolution, got %s", env.s.State())
	}
	if env.s.Store().FailedCount() != 1 {
		t.Fatalf("expected the track in the failed ring")
	}
	if env.chat.messageCount() != 1 {
		t.Fatalf("expected a user notification")
	}
}

func TestFinishAdvancesAndRecordsHistory(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)

	env.s.handleEvent(ctx, finishedEvent(a))
	cur := env.s.Current()
	if cur == nil || cur.Handle() != "b" {
		t.Fatalf("expected b playing, got %v", cur)
	}
	played := env.s.Store().PlayedTracks()
	if len(played) != 1 || played[0].Handle() != "a" {
		t.Fatalf("expected a in history, got %v", played)
	}
}

func TestDuplicateTrackEndIsNoOp(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)

	env.s.handleEvent(ctx, finishedEvent(a))
	before := len(env.bus.playCalls())
	env.s.handleEvent(ctx, finishedEvent(a))

	if got := len(env.bus.playCalls()); got != before {
		t.Fatalf("duplicate end triggered extra play: %d -> %d", before, got)
	}
	cur := env.s.Current()
	if cur == nil || cur.Handle() != "b" {
		t.Fatalf("expected b still playing, got %v", cur)
	}
}

func TestLoopQueueCyclesStably(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()
	env.s.SetLoop(LoopQueue)

	a := resolvedTrack("a", 200_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)

	env.s.handleEvent(ctx, finishedEvent(a))
	env.s.handleEvent(ctx, finishedEvent(b))

	cur := env.s.Current()
	if cur == nil || cur.Handle() != "a" {
		t.Fatalf("expected a playing again, got %v", cur)
	}
	tracks := env.s.Store().Tracks()
	if len(tracks) != 1 || tracks[0].Handle() != "b" {
		t.Fatalf("expected b queued, got %v", tracks)
	}
	if len(env.s.Store().PlayedTracks()) != 0 {
		t.Fatalf("loop-queue should not grow history")
	}
}

func TestLoopCurrentRepeatsUntilSkipped(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()
	env.s.SetLoop(LoopCurrent)

	a := resolvedTrack("a", 200_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)

	env.s.handleEvent(ctx, finishedEvent(a))
	cur := env.s.Current()
	if cur == nil || cur.Handle() != "a" {
		t.Fatalf("expected a looping, got %v", cur)
	}

	// A skip ends with reason stopped, which escapes the loop.
	if err := env.s.Skip(ctx, "tester"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if env.bus.stopCount() != 1 {
		t.Fatalf("expected a stop command")
	}
	env.s.handleEvent(ctx, stoppedEvent(a))
	cur = env.s.Current()
	if cur == nil || cur.Handle() != "b" {
		t.Fatalf("expected b after skip, got %v", cur)
	}
}

func TestTrackLoopCounterDecrements(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	a.Loops = 2
	_ = env.s.Play(ctx, a, false)

	env.s.handleEvent(ctx, finishedEvent(a))
	if cur := env.s.Current(); cur != a {
		t.Fatalf("expected a replaying, got %v", cur)
	}
	if a.Loops != 1 {
		t.Fatalf("expected loop counter 1, got %d", a.Loops)
	}
	env.s.handleEvent(ctx, finishedEvent(a))
	env.s.handleEvent(ctx, finishedEvent(a))
	if env.s.State() != StateIdle {
		t.Fatalf("expected idle after loops exhausted, got %s", env.s.State())
	}
}

func TestPreviousReplaysHistory(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)
	env.s.handleEvent(ctx, finishedEvent(a))

	if err := env.s.Previous(ctx, "tester"); err != nil {
		t.Fatalf("Previous: %v", err)
	}
	env.s.handleEvent(ctx, stoppedEvent(b))

	cur := env.s.Current()
	if cur == nil || cur.Handle() != "a" {
		t.Fatalf("expected a replaying, got %v", cur)
	}
	tracks := env.s.Store().Tracks()
	if len(tracks) != 1 || tracks[0].Handle() != "b" {
		t.Fatalf("expected interrupted b right behind, got %v", tracks)
	}
}

func TestPreviousWithoutHistoryErrors(t *testing.T) {
	env := newTestSession(t)
	if err := env.s.Previous(context.Background(), "tester"); err != ErrNoHistory {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestRateLimitRetriesLocallyThenRotates(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 600_000)
	_ = env.s.Play(ctx, a, false)

	throttle := maestro.Event{
		Type:  maestro.EventTrackException,
		Cause: "Received status code 429 from upstream",
	}
	for i := 0; i < 3; i++ {
		env.s.handleEvent(ctx, throttle)
		plays := env.bus.playCalls()
		if plays[len(plays)-1].node != "n1" {
			t.Fatalf("retry %d left n1 early", i+1)
		}
	}

	env.s.handleEvent(ctx, throttle)
	if got := env.s.NodeID(); got != "n2" {
		t.Fatalf("expected rotation to n2, got %s", got)
	}
	plays := env.bus.playCalls()
	if plays[len(plays)-1].node != "n2" {
		t.Fatalf("expected replay on n2, got %+v", plays[len(plays)-1])
	}
}

func TestUnplayableSkipsAndRecordsFailure(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)

	env.s.handleEvent(ctx, maestro.Event{
		Type:  maestro.EventTrackException,
		Cause: "This video is not available in your region",
	})
	cur := env.s.Current()
	if cur == nil || cur.Handle() != "b" {
		t.Fatalf("expected b after skip, got %v", cur)
	}
	if env.s.Store().FailedCount() != 1 {
		t.Fatalf("expected a in the failed ring")
	}
	if env.chat.messageCount() != 1 {
		t.Fatalf("expected a user notification")
	}
}

func TestStuckRepositionsPastStall(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 600_000)
	_ = env.s.Play(ctx, a, false)
	env.clock.advance(5 * time.Second)

	env.s.handleEvent(ctx, maestro.Event{Type: maestro.EventTrackStuck, TrackID: "a"})
	plays := env.bus.playCalls()
	last := plays[len(plays)-1]
	if last.body.StartMS != 5_000+430 {
		t.Fatalf("expected bumped restart position, got %d", last.body.StartMS)
	}
}

func TestTransportClosedBenignIsIgnored(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	_ = env.s.Play(ctx, a, false)
	before := len(env.bus.playCalls())

	env.s.handleEvent(ctx, maestro.Event{Type: maestro.EventTransportClosed, Code: 1000})
	if got := len(env.bus.playCalls()); got != before {
		t.Fatalf("benign close triggered recovery")
	}
	if env.s.State() != StatePlaying {
		t.Fatalf("expected playing, got %s", env.s.State())
	}
}

func TestTransportClosedReconnectsVoice(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	_ = env.s.Play(ctx, a, false)

	env.s.handleEvent(ctx, maestro.Event{Type: maestro.EventTransportClosed, Code: 4006})
	if env.chat.joinCount() != 1 {
		t.Fatalf("expected a voice rejoin")
	}
}

func TestTransportClosedKickDestroysSession(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	_ = env.s.Play(ctx, a, false)

	env.chat.mu.Lock()
	env.chat.connected = false
	env.chat.mu.Unlock()

	env.s.handleEvent(ctx, maestro.Event{Type: maestro.EventTransportClosed, Code: 4014})
	deadline := time.Now().Add(2 * time.Second)
	for env.s.State() != StateClosing {
		if time.Now().After(deadline) {
			t.Fatalf("expected session to close after kick")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopClearsQueue(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	_ = env.s.Play(ctx, resolvedTrack("a", 200_000), false)
	_ = env.s.Play(ctx, resolvedTrack("b", 200_000), false)

	if err := env.s.Stop(ctx, "tester"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if env.s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", env.s.State())
	}
	if env.s.Store().Len() != 0 {
		t.Fatalf("expected empty queue")
	}
	if env.bus.stopCount() != 1 {
		t.Fatalf("expected node stop")
	}
}

func TestPauseFreezesDerivedPosition(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 600_000)
	_ = env.s.Play(ctx, a, false)
	env.clock.advance(10 * time.Second)

	if err := env.s.SetPaused(ctx, true, "tester"); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	frozen := env.s.PositionMS()
	if frozen != 10_000 {
		t.Fatalf("expected frozen position 10000, got %d", frozen)
	}
	env.clock.advance(30 * time.Second)
	if got := env.s.PositionMS(); got != frozen {
		t.Fatalf("paused position moved: %d -> %d", frozen, got)
	}

	if err := env.s.SetPaused(ctx, false, "tester"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	env.clock.advance(5 * time.Second)
	if got := env.s.PositionMS(); got != 15_000 {
		t.Fatalf("expected position 15000 after resume, got %d", got)
	}
}

func TestPositionClampsToDuration(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 20_000)
	_ = env.s.Play(ctx, a, false)
	env.clock.advance(time.Minute)
	if got := env.s.PositionMS(); got != 20_000 {
		t.Fatalf("expected clamp to duration, got %d", got)
	}
}

func TestAdvanceRefusedWhileLocked(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	if !env.s.tryLock() {
		t.Fatalf("tryLock failed on fresh session")
	}
	_ = env.s.Play(ctx, resolvedTrack("a", 200_000), false)
	if got := len(env.bus.playCalls()); got != 0 {
		t.Fatalf("locked session still started playback")
	}
	env.s.unlock()

	env.s.Advance(ctx)
	if got := len(env.bus.playCalls()); got != 1 {
		t.Fatalf("expected playback after unlock, got %d plays", got)
	}
}

func TestAutoplayContinuesWhenQueueDrains(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()
	env.s.SetAutoplay(ctx, true)

	env.rec.recs = []maestro.TrackInfo{
		{ID: "auto1", Title: "Continuation", URI: "https://t/auto1", DurationMS: 180_000},
	}
	env.bus.search = []maestro.TrackInfo{{ID: "auto1-handle", Title: "Continuation", DurationMS: 180_000}}
	a := resolvedTrack("a", 200_000)
	_ = env.s.Play(ctx, a, false)
	env.s.handleEvent(ctx, finishedEvent(a))

	cur := env.s.Current()
	if cur == nil || cur.Handle() != "auto1-handle" {
		t.Fatalf("expected autoplay continuation, got %v", cur)
	}
	if !cur.Autoplay {
		t.Fatalf("expected autoplay mark")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 600_000)
	b := resolvedTrack("b", 200_000)
	_ = env.s.Play(ctx, a, false)
	_ = env.s.Play(ctx, b, false)
	env.s.SetLoop(LoopQueue)
	env.clock.advance(42 * time.Second)

	snap := env.s.Snapshot()
	if snap.Current == nil || snap.Current.ID != "a" {
		t.Fatalf("expected current a in snapshot")
	}
	if snap.PositionMS != 42_000 {
		t.Fatalf("expected saved position 42000, got %d", snap.PositionMS)
	}
	if len(snap.Queue) != 1 || snap.Queue[0].ID != "b" {
		t.Fatalf("unexpected snapshot queue: %+v", snap.Queue)
	}

	fresh := newTestSession(t)
	fresh.s.Restore(snap)
	if fresh.s.LoopModeNow() != LoopQueue {
		t.Fatalf("expected restored loop mode")
	}
	fresh.s.ResumeFromRestore(ctx)
	plays := fresh.bus.playCalls()
	if len(plays) != 1 || plays[0].body.TrackID != "a" || plays[0].body.StartMS != 42_000 {
		t.Fatalf("expected resume of a at 42000, got %+v", plays)
	}
}

func TestTrackStartPersistsSnapshot(t *testing.T) {
	env := newTestSession(t)
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	if err := env.s.Play(ctx, a, false); err != nil {
		t.Fatalf("Play: %v", err)
	}

	snap, ok, err := env.snaps.Load(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("expected snapshot persisted on start, ok=%v err=%v", ok, err)
	}
	if snap.Current == nil || snap.Current.ID != "a" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestIdleTimeoutDestroysSession(t *testing.T) {
	closed := make(chan string, 1)
	env := newTestSessionWith(t, func(cfg *Config, deps *Deps) {
		cfg.IdleTimeout = 30 * time.Millisecond
		deps.OnClosed = func(room string) { closed <- room }
	})
	ctx := context.Background()

	a := resolvedTrack("a", 200_000)
	_ = env.s.Play(ctx, a, false)
	env.s.handleEvent(ctx, finishedEvent(a))
	if env.s.State() != StateIdle {
		t.Fatalf("expected idle after queue drained, got %s", env.s.State())
	}

	select {
	case room := <-closed:
		if room != "room-1" {
			t.Fatalf("unexpected room %q", room)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle timeout never tore the session down")
	}
	if env.s.State() != StateClosing {
		t.Fatalf("expected closing, got %s", env.s.State())
	}
	if env.bus.destroyCount() != 1 {
		t.Fatalf("expected node player destroyed")
	}
	if _, ok, _ := env.snaps.Load(ctx, "room-1"); ok {
		t.Fatalf("idle teardown must discard the snapshot")
	}
}

// Package localnode runs an in-process rendering node so a single
// daemon can serve rooms without any remote audio nodes deployed.
package localnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/soundfold/maestro/internal/ports"
	"github.com/soundfold/maestro/pkg/maestro"
)

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Driver renders audio for the node. Implementations must tolerate
// Stop and Pause while nothing is playing.
type Driver interface {
	Play(uri string, positionMS int64) error
	Pause() error
	Resume() error
	Stop() error
	Seek(positionMS int64) error
	SetVolume(volume float64) error
}

// silentDriver keeps timing without producing audio. Used when no
// pipeline is configured, which is the normal mode in tests and on
// headless controllers.
type silentDriver struct{}

func (silentDriver) Play(string, int64) error { return nil }
func (silentDriver) Pause() error             { return nil }
func (silentDriver) Resume() error            { return nil }
func (silentDriver) Stop() error              { return nil }
func (silentDriver) Seek(int64) error         { return nil }
func (silentDriver) SetVolume(float64) error  { return nil }

// SearchFunc resolves a query into playable tracks.
type SearchFunc func(ctx context.Context, query string, limit int) ([]maestro.TrackInfo, error)

// Config configures the local rendering node.
type Config struct {
	NodeID           string
	Name             string
	Region           string
	TopicBase        string
	Pipeline         string
	Device           string
	PresenceInterval time.Duration
}

// player tracks playback for one room.
type player struct {
	track      maestro.TrackInfo
	baseMS     int64
	startedAt  int64
	paused     bool
	gen        int
	endTimer   *time.Timer
	hasCurrent bool
}

// Module is a rendering node driven over the command topic.
type Module struct {
	log      *zap.Logger
	client   mqttClient
	config   Config
	driver   Driver
	clock    ports.Clock
	ids      ports.IDGen
	search   SearchFunc
	cmdTopic string

	mu      sync.Mutex
	tracks  map[string]maestro.TrackInfo
	players map[string]*player
}

// NewModule creates a local node. An empty pipeline selects the
// silent driver; a configured pipeline requires the gstreamer build.
func NewModule(log *zap.Logger, client mqttClient, clock ports.Clock, ids ports.IDGen, cfg Config) (*Module, error) {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("node_id required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = maestro.BaseTopic
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Local Node"
	}
	if cfg.PresenceInterval == 0 {
		cfg.PresenceInterval = 15 * time.Second
	}

	var driver Driver = silentDriver{}
	if strings.TrimSpace(cfg.Pipeline) != "" {
		d, err := NewDriver(cfg.Pipeline, cfg.Device)
		if err != nil {
			return nil, err
		}
		driver = d
	}

	return &Module{
		log:      log,
		client:   client,
		config:   cfg,
		driver:   driver,
		clock:    clock,
		ids:      ids,
		search:   defaultSearch(),
		cmdTopic: maestro.TopicCommands(cfg.TopicBase, cfg.NodeID),
		tracks:   map[string]maestro.TrackInfo{},
		players:  map[string]*player{},
	}, nil
}

// SetSearch replaces the query resolver.
func (m *Module) SetSearch(fn SearchFunc) {
	m.search = fn
}

// Run serves commands and presence beats until ctx ends.
func (m *Module) Run(ctx context.Context) error {
	if err := m.publishPresence(); err != nil {
		return err
	}

	handler := func(_ paho.Client, msg paho.Message) {
		m.handleCommand(ctx, msg.Payload())
	}
	if err := m.client.Subscribe(m.cmdTopic, 1, handler); err != nil {
		return err
	}
	defer func() { _ = m.client.Unsubscribe(m.cmdTopic) }()

	ticker := time.NewTicker(m.config.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-ticker.C:
			if err := m.publishPresence(); err != nil {
				m.log.Warn("presence publish failed", zap.Error(err))
			}
		}
	}
}

func (m *Module) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for room, p := range m.players {
		m.cancelTimerLocked(p)
		delete(m.players, room)
	}
	_ = m.driver.Stop()
}

func (m *Module) publishPresence() error {
	m.mu.Lock()
	players := len(m.players)
	m.mu.Unlock()

	presence := maestro.Presence{
		NodeID:  m.config.NodeID,
		Name:    m.config.Name,
		Region:  m.config.Region,
		Players: players,
		TS:      m.clock.NowUnix(),
	}
	payload, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	return m.client.Publish(maestro.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

func (m *Module) handleCommand(ctx context.Context, payload []byte) {
	var cmd maestro.CommandEnvelope
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Warn("invalid command payload", zap.Error(err))
		return
	}
	if err := maestro.ValidateCommandEnvelope(cmd); err != nil {
		m.log.Warn("rejected command", zap.String("type", cmd.Type), zap.Error(err))
		m.publishReply(cmd.ReplyTo, errorReply(cmd, "INVALID", err.Error()))
		return
	}

	if cmd.Type == maestro.CmdSearch {
		// Resolution hits the network; keep the command loop free.
		go m.publishReply(cmd.ReplyTo, m.handleSearch(ctx, cmd))
		return
	}

	m.mu.Lock()
	reply := m.dispatchLocked(cmd)
	m.mu.Unlock()
	m.publishReply(cmd.ReplyTo, reply)
}

func (m *Module) publishReply(replyTo string, reply maestro.ReplyEnvelope) {
	if replyTo == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = m.client.Publish(replyTo, 1, false, payload)
}

func (m *Module) handleSearch(ctx context.Context, cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
	var body maestro.SearchBody
	if err := json.Unmarshal(cmd.Body, &body); err != nil {
		return errorReply(cmd, "INVALID", "invalid body")
	}
	if strings.TrimSpace(body.Query) == "" {
		return errorReply(cmd, "INVALID", "query required")
	}

	searchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tracks, err := m.search(searchCtx, body.Query, body.Limit)
	if err != nil {
		return errorReply(cmd, "SEARCH_FAILED", err.Error())
	}

	m.mu.Lock()
	for i := range tracks {
		tracks[i].ID = m.ids.NewID()
		m.tracks[tracks[i].ID] = tracks[i]
	}
	m.mu.Unlock()

	return okReply(cmd, m.clock.NowUnix(), maestro.SearchReply{Tracks: tracks})
}

func (m *Module) dispatchLocked(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
	switch cmd.Type {
	case maestro.CmdPlay:
		return m.handlePlayLocked(cmd)
	case maestro.CmdStop:
		return m.handleStopLocked(cmd)
	case maestro.CmdPause:
		return m.handlePauseLocked(cmd, true)
	case maestro.CmdResume:
		return m.handlePauseLocked(cmd, false)
	case maestro.CmdSetVolume:
		return m.handleSetVolumeLocked(cmd)
	case maestro.CmdSetFilters:
		// Filters are accepted for protocol parity; the local
		// pipelines carry no runtime filter graph.
		return okReply(cmd, m.clock.NowUnix(), nil)
	case maestro.CmdDestroy:
		return m.handleDestroyLocked(cmd)
	default:
		return errorReply(cmd, "UNSUPPORTED", fmt.Sprintf("unknown command %s", cmd.Type))
	}
}

func (m *Module) handlePlayLocked(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
	var body maestro.PlayBody
	if err := json.Unmarshal(cmd.Body, &body); err != nil {
		return errorReply(cmd, "INVALID", "invalid body")
	}
	track, ok := m.tracks[body.TrackID]
	if !ok {
		return errorReply(cmd, "UNKNOWN_TRACK", "track handle not found")
	}

	p := m.ensurePlayerLocked(cmd.Room)
	m.cancelTimerLocked(p)

	if err := m.driver.Play(track.URI, body.StartMS); err != nil {
		return errorReply(cmd, "PLAYBACK_FAILED", err.Error())
	}
	if body.Volume > 0 {
		_ = m.driver.SetVolume(float64(body.Volume) / 100)
	}

	p.track = track
	p.hasCurrent = true
	p.baseMS = body.StartMS
	p.startedAt = m.clock.NowUnixMilli()
	p.paused = false

	m.emitEvent(maestro.Event{
		Type:    maestro.EventTrackStarted,
		NodeID:  m.config.NodeID,
		Room:    cmd.Room,
		TrackID: track.ID,
		TS:      m.clock.NowUnix(),
	})
	m.armEndTimerLocked(cmd.Room, p)
	return okReply(cmd, m.clock.NowUnix(), nil)
}

func (m *Module) handleStopLocked(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
	p, ok := m.players[cmd.Room]
	if !ok || !p.hasCurrent {
		return okReply(cmd, m.clock.NowUnix(), nil)
	}
	m.cancelTimerLocked(p)
	_ = m.driver.Stop()

	trackID := p.track.ID
	p.hasCurrent = false
	p.paused = false

	m.emitEvent(maestro.Event{
		Type:    maestro.EventTrackEnded,
		NodeID:  m.config.NodeID,
		Room:    cmd.Room,
		TrackID: trackID,
		Reason:  maestro.EndReasonStopped,
		TS:      m.clock.NowUnix(),
	})
	return okReply(cmd, m.clock.NowUnix(), nil)
}

func (m *Module) handlePauseLocked(cmd maestro.CommandEnvelope, paused bool) maestro.ReplyEnvelope {
	p, ok := m.players[cmd.Room]
	if !ok || !p.hasCurrent || p.paused == paused {
		return okReply(cmd, m.clock.NowUnix(), nil)
	}

	if paused {
		m.cancelTimerLocked(p)
		p.baseMS += m.clock.NowUnixMilli() - p.startedAt
		p.paused = true
		if err := m.driver.Pause(); err != nil {
			return errorReply(cmd, "PLAYBACK_FAILED", err.Error())
		}
		return okReply(cmd, m.clock.NowUnix(), nil)
	}

	if err := m.driver.Resume(); err != nil {
		return errorReply(cmd, "PLAYBACK_FAILED", err.Error())
	}
	p.paused = false
	p.startedAt = m.clock.NowUnixMilli()
	m.armEndTimerLocked(cmd.Room, p)
	return okReply(cmd, m.clock.NowUnix(), nil)
}

func (m *Module) handleSetVolumeLocked(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
	var body maestro.SetVolumeBody
	if err := json.Unmarshal(cmd.Body, &body); err != nil {
		return errorReply(cmd, "INVALID", "invalid body")
	}
	if body.Volume < 0 || body.Volume > 200 {
		return errorReply(cmd, "INVALID", "volume out of range")
	}
	if err := m.driver.SetVolume(float64(body.Volume) / 100); err != nil {
		return errorReply(cmd, "PLAYBACK_FAILED", err.Error())
	}
	return okReply(cmd, m.clock.NowUnix(), nil)
}

func (m *Module) handleDestroyLocked(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
	if p, ok := m.players[cmd.Room]; ok {
		m.cancelTimerLocked(p)
		if p.hasCurrent {
			_ = m.driver.Stop()
		}
		delete(m.players, cmd.Room)
	}
	return okReply(cmd, m.clock.NowUnix(), nil)
}

func (m *Module) ensurePlayerLocked(room string) *player {
	p, ok := m.players[room]
	if !ok {
		p = &player{}
		m.players[room] = p
	}
	return p
}

func (m *Module) cancelTimerLocked(p *player) {
	p.gen++
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
}

// armEndTimerLocked schedules the natural track-end event. Streams and
// tracks with unknown length never end on their own.
func (m *Module) armEndTimerLocked(room string, p *player) {
	if p.track.Stream || p.track.DurationMS <= 0 {
		return
	}
	remaining := p.track.DurationMS - p.baseMS
	if remaining < 0 {
		remaining = 0
	}

	gen := p.gen
	trackID := p.track.ID
	p.endTimer = time.AfterFunc(time.Duration(remaining)*time.Millisecond, func() {
		m.finishTrack(room, gen, trackID)
	})
}

func (m *Module) finishTrack(room string, gen int, trackID string) {
	m.mu.Lock()
	p, ok := m.players[room]
	if !ok || p.gen != gen || !p.hasCurrent || p.paused {
		m.mu.Unlock()
		return
	}
	p.hasCurrent = false
	p.endTimer = nil
	_ = m.driver.Stop()
	m.mu.Unlock()

	m.emitEvent(maestro.Event{
		Type:    maestro.EventTrackEnded,
		NodeID:  m.config.NodeID,
		Room:    room,
		TrackID: trackID,
		Reason:  maestro.EndReasonFinished,
		TS:      m.clock.NowUnix(),
	})
}

func (m *Module) emitEvent(evt maestro.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	topic := maestro.TopicEvents(m.config.TopicBase, m.config.NodeID, evt.Room)
	if err := m.client.Publish(topic, 1, false, payload); err != nil {
		m.log.Warn("event publish failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

func okReply(cmd maestro.CommandEnvelope, ts int64, body any) maestro.ReplyEnvelope {
	reply := maestro.ReplyEnvelope{ID: cmd.ID, Type: "ack", OK: true, TS: ts}
	if body != nil {
		if payload, err := json.Marshal(body); err == nil {
			reply.Body = payload
		}
	}
	return reply
}

func errorReply(cmd maestro.CommandEnvelope, code, message string) maestro.ReplyEnvelope {
	return maestro.ReplyEnvelope{
		ID:   cmd.ID,
		Type: "error",
		OK:   false,
		Err:  &maestro.ReplyError{Code: code, Message: message},
	}
}

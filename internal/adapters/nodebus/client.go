package nodebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/soundfold/maestro/internal/ports"
	"github.com/soundfold/maestro/internal/tlsconfig"
	"github.com/soundfold/maestro/pkg/maestro"
)

// Options configures the MQTT node bus.
type Options struct {
	BrokerURL    string
	ControllerID string
	Username     string
	Password     string
	TLSCA        string
	TLSCert      string
	TLSKey       string
	TopicBase    string
	Timeout      time.Duration

	Clock ports.Clock
	IDs   ports.IDGen
}

// Client is the MQTT adapter implementing the NodeBus port. Commands
// are request/reply over a per-controller reply topic keyed by
// correlation ID; events arrive on per-room topics.
type Client struct {
	client       paho.Client
	controllerID string
	replyTopic   string
	topicBase    string
	timeout      time.Duration
	clock        ports.Clock
	ids          ports.IDGen

	mu            sync.Mutex
	replyHandlers map[string]chan maestro.ReplyEnvelope
}

// NewClient creates and connects a node bus client.
func NewClient(opts Options) (*Client, error) {
	if opts.TopicBase == "" {
		opts.TopicBase = maestro.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	c := &Client{
		controllerID:  opts.ControllerID,
		replyTopic:    maestro.TopicReply(opts.TopicBase, opts.ControllerID),
		topicBase:     opts.TopicBase,
		timeout:       opts.Timeout,
		clock:         opts.Clock,
		ids:           opts.IDs,
		replyHandlers: map[string]chan maestro.ReplyEnvelope{},
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ControllerID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(c.replyTopic, 1, c.handleReply)
		token.Wait()
	})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := tlsconfig.Build(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	if token := c.client.Subscribe(c.replyTopic, 1, c.handleReply); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return c, nil
}

// ControllerID returns the identity used on the bus.
func (c *Client) ControllerID() string {
	return c.controllerID
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// handleReply routes node replies to the waiter registered under the
// command's correlation ID. Replies nobody waits for anymore (the
// waiter timed out or its ctx ended) are dropped.
func (c *Client) handleReply(_ paho.Client, msg paho.Message) {
	var reply maestro.ReplyEnvelope
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.replyHandlers[reply.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- reply:
	default:
	}
}

func (c *Client) command(ctx context.Context, nodeID string, room string, cmdType string, body any) (maestro.ReplyEnvelope, error) {
	cmd, err := maestro.NewCommand(cmdType, body)
	if err != nil {
		return maestro.ReplyEnvelope{}, err
	}
	cmd.ID = c.ids.NewID()
	cmd.TS = c.clock.NowUnix()
	cmd.From = c.controllerID
	cmd.Room = room
	cmd.ReplyTo = c.replyTopic
	if err := maestro.ValidateCommandEnvelope(cmd); err != nil {
		return maestro.ReplyEnvelope{}, err
	}

	req, err := json.Marshal(cmd)
	if err != nil {
		return maestro.ReplyEnvelope{}, fmt.Errorf("marshal command: %w", err)
	}

	replyCh := make(chan maestro.ReplyEnvelope, 1)
	c.mu.Lock()
	c.replyHandlers[cmd.ID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replyHandlers, cmd.ID)
		c.mu.Unlock()
	}()

	topic := maestro.TopicCommands(c.topicBase, nodeID)
	if token := c.client.Publish(topic, 1, false, req); token.Wait() && token.Error() != nil {
		return maestro.ReplyEnvelope{}, token.Error()
	}

	select {
	case <-ctx.Done():
		return maestro.ReplyEnvelope{}, ctx.Err()
	case reply := <-replyCh:
		if !reply.OK {
			if reply.Err != nil {
				return reply, fmt.Errorf("%s: %s", reply.Err.Code, reply.Err.Message)
			}
			return reply, errors.New("node rejected command")
		}
		return reply, nil
	case <-time.After(c.timeout):
		return maestro.ReplyEnvelope{}, fmt.Errorf("timeout waiting for %s reply from %s", cmdType, nodeID)
	}
}

// Search asks a node to resolve a query into playable tracks.
func (c *Client) Search(ctx context.Context, nodeID string, query string) ([]maestro.TrackInfo, error) {
	reply, err := c.command(ctx, nodeID, "", maestro.CmdSearch, maestro.SearchBody{Query: query})
	if err != nil {
		return nil, err
	}
	var body maestro.SearchReply
	if err := json.Unmarshal(reply.Body, &body); err != nil {
		return nil, fmt.Errorf("decode search reply: %w", err)
	}
	return body.Tracks, nil
}

// Play starts or repositions playback for a room.
func (c *Client) Play(ctx context.Context, nodeID string, room string, body maestro.PlayBody) error {
	_, err := c.command(ctx, nodeID, room, maestro.CmdPlay, body)
	return err
}

// Stop halts the room's player.
func (c *Client) Stop(ctx context.Context, nodeID string, room string) error {
	_, err := c.command(ctx, nodeID, room, maestro.CmdStop, maestro.StopBody{})
	return err
}

// SetPaused pauses or resumes the room's player.
func (c *Client) SetPaused(ctx context.Context, nodeID string, room string, paused bool) error {
	cmdType := maestro.CmdResume
	if paused {
		cmdType = maestro.CmdPause
	}
	_, err := c.command(ctx, nodeID, room, cmdType, maestro.PauseBody{Paused: paused})
	return err
}

// SetVolume applies the room volume.
func (c *Client) SetVolume(ctx context.Context, nodeID string, room string, volume int) error {
	_, err := c.command(ctx, nodeID, room, maestro.CmdSetVolume, maestro.SetVolumeBody{Volume: volume})
	return err
}

// SetFilters applies the room filter chain.
func (c *Client) SetFilters(ctx context.Context, nodeID string, room string, filters map[string]float64) error {
	_, err := c.command(ctx, nodeID, room, maestro.CmdSetFilters, maestro.SetFiltersBody{Filters: filters})
	return err
}

// Destroy tears the room's player down on the node.
func (c *Client) Destroy(ctx context.Context, nodeID string, room string) error {
	_, err := c.command(ctx, nodeID, room, maestro.CmdDestroy, maestro.DestroyBody{})
	return err
}

// WatchRoom streams player events for one room on one node until ctx
// ends. The session needs every event, in arrival order: the paho
// handler appends to an unbounded queue and a pump goroutine forwards,
// so a slow consumer delays delivery instead of losing a TrackEnded.
// The handler never touches eventCh, which closes only after the
// unsubscribe has completed.
func (c *Client) WatchRoom(ctx context.Context, nodeID string, room string) (<-chan maestro.Event, <-chan error) {
	eventCh := make(chan maestro.Event)
	errCh := make(chan error, 1)

	var queueMu sync.Mutex
	var queue []maestro.Event
	notify := make(chan struct{}, 1)

	handler := func(_ paho.Client, msg paho.Message) {
		var evt maestro.Event
		if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
			return
		}
		queueMu.Lock()
		queue = append(queue, evt)
		queueMu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	topic := maestro.TopicEvents(c.topicBase, nodeID, room)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		errCh <- token.Error()
		close(eventCh)
		close(errCh)
		return eventCh, errCh
	}

	go func() {
		defer close(errCh)
		defer close(eventCh)
		defer func() {
			token := c.client.Unsubscribe(topic)
			token.Wait()
		}()
		for {
			queueMu.Lock()
			pending := queue
			queue = nil
			queueMu.Unlock()
			for _, evt := range pending {
				select {
				case eventCh <- evt:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventCh, errCh
}

// ListPresence collects retained node presence beats.
func (c *Client) ListPresence(ctx context.Context) ([]maestro.Presence, error) {
	collect := make(map[string]maestro.Presence)
	var collectMu sync.Mutex

	handler := func(_ paho.Client, msg paho.Message) {
		var presence maestro.Presence
		if err := json.Unmarshal(msg.Payload(), &presence); err != nil {
			return
		}
		collectMu.Lock()
		collect[presence.NodeID] = presence
		collectMu.Unlock()
	}

	topic := fmt.Sprintf("%s/node/+/presence", c.topicBase)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer func() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}()

	wait := time.NewTimer(250 * time.Millisecond)
	select {
	case <-ctx.Done():
		wait.Stop()
	case <-wait.C:
	}

	collectMu.Lock()
	defer collectMu.Unlock()
	out := make([]maestro.Presence, 0, len(collect))
	for _, presence := range collect {
		out = append(out, presence)
	}
	return out, nil
}

// WatchPresence subscribes to presence beats and delivers them until
// ctx ends. Retained beats arrive immediately on subscribe.
func (c *Client) WatchPresence(ctx context.Context) (<-chan maestro.Presence, error) {
	out := make(chan maestro.Presence, 16)

	// Beats repeat every presence interval, so a full buffer may drop;
	// the guard keeps a late dispatch off the closed channel.
	var mu sync.Mutex
	closed := false
	handler := func(_ paho.Client, msg paho.Message) {
		var presence maestro.Presence
		if err := json.Unmarshal(msg.Payload(), &presence); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- presence:
		default:
		}
	}

	topic := fmt.Sprintf("%s/node/+/presence", c.topicBase)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	go func() {
		<-ctx.Done()
		token := c.client.Unsubscribe(topic)
		token.Wait()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// PublishRoomState publishes the retained observer state for a room.
func (c *Client) PublishRoomState(ctx context.Context, room string, state maestro.RoomState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal room state: %w", err)
	}
	topic := maestro.TopicRoomState(c.topicBase, room)
	if token := c.client.Publish(topic, 1, true, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

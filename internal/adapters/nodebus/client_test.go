package nodebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/soundfold/maestro/pkg/maestro"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeBroker implements just enough of paho.Client to route messages
// between the bus under test and the test body.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]paho.MessageHandler
	published []fakeMessage
}

func (f *fakeBroker) IsConnected() bool      { return true }
func (f *fakeBroker) IsConnectionOpen() bool { return true }
func (f *fakeBroker) Connect() paho.Token    { return doneToken{} }
func (f *fakeBroker) Disconnect(uint)        {}

func (f *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakeMessage{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakeBroker) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]paho.MessageHandler{}
	}
	f.handlers[topic] = cb
	return doneToken{}
}

func (f *fakeBroker) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return doneToken{}
}

func (f *fakeBroker) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken{}
}

func (f *fakeBroker) AddRoute(string, paho.MessageHandler)       {}
func (f *fakeBroker) OptionsReader() paho.ClientOptionsReader    { return paho.ClientOptionsReader{} }

// deliver invokes the subscribed handler the way paho's router would.
func (f *fakeBroker) deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(f, fakeMessage{topic: topic, payload: payload})
	return true
}

func (f *fakeBroker) lastPublished(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i].payload, true
		}
	}
	return nil, false
}

type seqClock struct{}

func (seqClock) NowUnix() int64      { return 1_700_000_000 }
func (seqClock) NowUnixMilli() int64 { return 1_700_000_000_000 }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("cmd-%d", s.n)
}

func newTestClient(f *fakeBroker) *Client {
	c := &Client{
		client:        f,
		controllerID:  "ctl-1",
		replyTopic:    maestro.TopicReply(maestro.BaseTopic, "ctl-1"),
		topicBase:     maestro.BaseTopic,
		timeout:       time.Second,
		clock:         seqClock{},
		ids:           &seqIDs{},
		replyHandlers: map[string]chan maestro.ReplyEnvelope{},
	}
	f.Subscribe(c.replyTopic, 1, c.handleReply)
	return c
}

// replyTo waits for a command on the node's topic and answers it on
// the controller's reply topic.
func replyTo(t *testing.T, f *fakeBroker, c *Client, nodeID string, build func(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope) {
	t.Helper()
	cmdTopic := maestro.TopicCommands(maestro.BaseTopic, nodeID)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			raw, ok := f.lastPublished(cmdTopic)
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			var cmd maestro.CommandEnvelope
			if err := json.Unmarshal(raw, &cmd); err != nil {
				return
			}
			payload, err := json.Marshal(build(cmd))
			if err != nil {
				return
			}
			f.deliver(c.replyTopic, payload)
			return
		}
	}()
}

func TestSearchReplyRoundTrip(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(f)

	// A stray reply with an unknown correlation ID must be ignored.
	stray, _ := json.Marshal(maestro.ReplyEnvelope{ID: "nobody-waits", OK: true})
	f.deliver(c.replyTopic, stray)

	replyTo(t, f, c, "n1", func(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
		body, _ := json.Marshal(maestro.SearchReply{Tracks: []maestro.TrackInfo{
			{ID: "h1", Title: "Found", DurationMS: 200_000},
		}})
		return maestro.ReplyEnvelope{ID: cmd.ID, Type: cmd.Type, OK: true, Body: body}
	})

	tracks, err := c.Search(context.Background(), "n1", "some song")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != "h1" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestRejectedReplySurfacesCode(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(f)

	replyTo(t, f, c, "n1", func(cmd maestro.CommandEnvelope) maestro.ReplyEnvelope {
		return maestro.ReplyEnvelope{ID: cmd.ID, Type: cmd.Type, OK: false,
			Err: &maestro.ReplyError{Code: "UNKNOWN_TRACK", Message: "no such handle"}}
	})

	err := c.Play(context.Background(), "n1", "room-1", maestro.PlayBody{TrackID: "gone"})
	if err == nil || !strings.Contains(err.Error(), "UNKNOWN_TRACK") {
		t.Fatalf("expected rejection code in error, got %v", err)
	}
}

func TestCommandTimesOutWithoutReply(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(f)
	c.timeout = 20 * time.Millisecond

	err := c.Stop(context.Background(), "n1", "room-1")
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestWatchRoomKeepsEveryEventInOrder(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _ := c.WatchRoom(ctx, "n1", "room-1")
	topic := maestro.TopicEvents(maestro.BaseTopic, "n1", "room-1")

	// Deliver a burst before anyone reads; nothing may be lost.
	const n = 100
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(maestro.Event{
			Type:    maestro.EventTrackEnded,
			TrackID: fmt.Sprintf("t%03d", i),
			Reason:  maestro.EndReasonFinished,
		})
		if !f.deliver(topic, payload) {
			t.Fatalf("event topic not subscribed")
		}
	}

	for i := 0; i < n; i++ {
		select {
		case evt := <-events:
			if want := fmt.Sprintf("t%03d", i); evt.TrackID != want {
				t.Fatalf("event %d out of order: got %s, want %s", i, evt.TrackID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestWatchRoomClosesCleanlyUnderTraffic(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(f)
	ctx, cancel := context.WithCancel(context.Background())

	events, errs := c.WatchRoom(ctx, "n1", "room-1")
	topic := maestro.TopicEvents(maestro.BaseTopic, "n1", "room-1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		payload, _ := json.Marshal(maestro.Event{Type: maestro.EventTrackStarted, TrackID: "t"})
		for {
			select {
			case <-stop:
				return
			default:
				f.deliver(topic, payload)
			}
		}
	}()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived before cancel")
	}
	cancel()

	// Both channels must close without a panic while deliveries race
	// the teardown.
	deadline := time.After(2 * time.Second)
	for events != nil || errs != nil {
		select {
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-deadline:
			t.Fatalf("channels never closed after cancel")
		}
	}
	close(stop)
	wg.Wait()

	f.mu.Lock()
	_, stillSubscribed := f.handlers[topic]
	f.mu.Unlock()
	if stillSubscribed {
		t.Fatalf("expected room topic unsubscribed")
	}
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/soundfold/maestro/pkg/maestro"
)

type recordingObserver struct {
	mu     sync.Mutex
	states []maestro.RoomState
	err    error
}

func (o *recordingObserver) RoomStateChanged(ctx context.Context, state maestro.RoomState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
	return o.err
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Millisecond)
	ctx := context.Background()
	a := &recordingObserver{}
	c := &recordingObserver{}
	b.Subscribe(ctx, a)
	b.Subscribe(ctx, c)

	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)
	if a.count() != 1 || c.count() != 1 {
		t.Fatalf("expected both observers notified: %d %d", a.count(), c.count())
	}
}

func TestFailingObserverDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Millisecond)
	ctx := context.Background()
	bad := &recordingObserver{err: errors.New("closed pipe")}
	good := &recordingObserver{}
	b.Subscribe(ctx, bad)
	b.Subscribe(ctx, good)

	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)
	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)
	if good.count() != 2 {
		t.Fatalf("healthy observer missed states: %d", good.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Millisecond)
	ctx := context.Background()
	o := &recordingObserver{}
	token := b.Subscribe(ctx, o)

	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)
	b.Unsubscribe(token)
	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)
	if o.count() != 1 {
		t.Fatalf("expected one delivery, got %d", o.count())
	}
}

func TestLateSubscriberGetsCurrentState(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Millisecond)
	ctx := context.Background()
	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)

	late := &recordingObserver{}
	b.Subscribe(ctx, late)
	if late.count() != 1 {
		t.Fatalf("expected immediate catch-up delivery, got %d", late.count())
	}
}

func TestNonForcedBroadcastsAreRateLimited(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)
	ctx := context.Background()
	o := &recordingObserver{}
	b.Subscribe(ctx, o)

	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, false)
	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, false)
	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, false)
	if o.count() != 1 {
		t.Fatalf("expected burst collapsed to one delivery, got %d", o.count())
	}
	b.Broadcast(ctx, maestro.RoomState{Room: "r1"}, true)
	if o.count() != 2 {
		t.Fatalf("forced broadcast must bypass the limiter, got %d", o.count())
	}
}

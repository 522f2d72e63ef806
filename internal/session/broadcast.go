package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/soundfold/maestro/pkg/maestro"
)

// Observer receives room state updates. Implementations must tolerate
// being called from the session goroutine and return quickly.
type Observer interface {
	RoomStateChanged(ctx context.Context, state maestro.RoomState) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, state maestro.RoomState) error

// RoomStateChanged calls f.
func (f ObserverFunc) RoomStateChanged(ctx context.Context, state maestro.RoomState) error {
	return f(ctx, state)
}

// Broadcaster fans room state out to registered observers. One failing
// observer never blocks the others, and broadcasts are rate limited so
// bursty state churn collapses into the latest view.
type Broadcaster struct {
	log     *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	observers map[string]Observer
	nextToken int
	last      *maestro.RoomState
}

// NewBroadcaster builds a broadcaster capped at minInterval between
// non-forced broadcasts.
func NewBroadcaster(log *zap.Logger, minInterval time.Duration) *Broadcaster {
	return &Broadcaster{
		log:       log.Named("broadcast"),
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		observers: make(map[string]Observer),
	}
}

// Subscribe registers an observer and returns its removal token. The
// current state, if any, is delivered immediately.
func (b *Broadcaster) Subscribe(ctx context.Context, o Observer) string {
	b.mu.Lock()
	b.nextToken++
	token := "obs-" + strconv.Itoa(b.nextToken)
	b.observers[token] = o
	last := b.last
	b.mu.Unlock()

	if last != nil {
		if err := o.RoomStateChanged(ctx, *last); err != nil {
			b.log.Warn("observer rejected initial state",
				zap.String("token", token),
				zap.Error(err))
		}
	}
	return token
}

// Unsubscribe removes the observer registered under token.
func (b *Broadcaster) Unsubscribe(token string) {
	b.mu.Lock()
	delete(b.observers, token)
	b.mu.Unlock()
}

// Broadcast delivers state to every observer. Rate limiting may drop
// the call; pass force for transition edges that must not be dropped.
func (b *Broadcaster) Broadcast(ctx context.Context, state maestro.RoomState, force bool) {
	if !force && !b.limiter.Allow() {
		b.mu.Lock()
		b.last = &state
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.last = &state
	targets := make(map[string]Observer, len(b.observers))
	for token, o := range b.observers {
		targets[token] = o
	}
	b.mu.Unlock()

	for token, o := range targets {
		if err := o.RoomStateChanged(ctx, state); err != nil {
			b.log.Warn("observer delivery failed",
				zap.String("token", token),
				zap.String("room", state.Room),
				zap.Error(err))
		}
	}
}

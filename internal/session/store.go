package session

import "sync"

// Ring capacities. Oldest entries are evicted first.
const (
	historySize  = 20
	autoplaySize = 30
	failedSize   = 30
)

// ring is a bounded FIFO of tracks.
type ring struct {
	cap   int
	items []*Track
}

func (r *ring) push(t *Track) {
	r.items = append(r.items, t)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

func (r *ring) popFront() (*Track, bool) {
	if len(r.items) == 0 {
		return nil, false
	}
	t := r.items[0]
	r.items = r.items[1:]
	return t, true
}

func (r *ring) popBack() (*Track, bool) {
	if len(r.items) == 0 {
		return nil, false
	}
	t := r.items[len(r.items)-1]
	r.items = r.items[:len(r.items)-1]
	return t, true
}

// Store holds the pending queue plus the bounded played, autoplay
// candidate and failed rings for one session. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	queue    []*Track
	played   ring
	autoplay ring
	failed   ring
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		played:   ring{cap: historySize},
		autoplay: ring{cap: autoplaySize},
		failed:   ring{cap: failedSize},
	}
}

// Enqueue appends a track to the tail of the pending queue.
func (s *Store) Enqueue(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, t)
}

// EnqueueHead inserts a track at the head of the pending queue.
func (s *Store) EnqueueHead(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]*Track{t}, s.queue...)
}

// EnqueueAt inserts a track at position pos, clamped to queue bounds.
func (s *Store) EnqueueAt(pos int, t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.queue) {
		pos = len(s.queue)
	}
	s.queue = append(s.queue[:pos], append([]*Track{t}, s.queue[pos:]...)...)
}

// Dequeue removes and returns the head of the pending queue.
func (s *Store) Dequeue() (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t, true
}

// Remove deletes the track at position pos and returns it.
func (s *Store) Remove(pos int) (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 || pos >= len(s.queue) {
		return nil, false
	}
	t := s.queue[pos]
	s.queue = append(s.queue[:pos], s.queue[pos+1:]...)
	return t, true
}

// Len reports the pending queue length.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Tracks returns a copy of the pending queue.
func (s *Store) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.queue))
	copy(out, s.queue)
	return out
}

// Clear drops the pending queue and the autoplay candidates. Played
// history survives so previous-track still works after a clear.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.autoplay.items = nil
}

// RecordPlayed appends a finished track to the bounded played ring.
func (s *Store) RecordPlayed(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played.push(t)
}

// PopPlayed removes and returns the most recently played track.
func (s *Store) PopPlayed() (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played.popBack()
}

// PlayedRecent returns up to n played tracks with duration of at least
// minDurationMS, most recent first.
func (s *Store) PlayedRecent(n int, minDurationMS int64) []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for i := len(s.played.items) - 1; i >= 0 && len(out) < n; i-- {
		t := s.played.items[i]
		if t.Stream() || t.DurationMS() < minDurationMS {
			continue
		}
		out = append(out, t)
	}
	return out
}

// PlayedTracks returns a copy of the played ring, oldest first.
func (s *Store) PlayedTracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.played.items))
	copy(out, s.played.items)
	return out
}

// RecordFailed appends a track to the bounded failed ring.
func (s *Store) RecordFailed(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed.push(t)
}

// FailedCount reports the number of retained failed tracks.
func (s *Store) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed.items)
}

// PushCandidates appends autoplay candidates, evicting the oldest when
// the ring overflows.
func (s *Store) PushCandidates(tracks []*Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracks {
		s.autoplay.push(t)
	}
}

// PopCandidate removes and returns the oldest autoplay candidate.
func (s *Store) PopCandidate() (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoplay.popFront()
}

// CandidateCount reports the number of buffered autoplay candidates.
func (s *Store) CandidateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.autoplay.items)
}

// SeenIDs returns the external IDs of everything the session has
// touched: pending, played, failed and buffered candidates. Used to
// de-duplicate autoplay recommendations.
func (s *Store) SeenIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, t := range s.queue {
		seen[t.ExternalID()] = struct{}{}
	}
	for _, t := range s.played.items {
		seen[t.ExternalID()] = struct{}{}
	}
	for _, t := range s.failed.items {
		seen[t.ExternalID()] = struct{}{}
	}
	for _, t := range s.autoplay.items {
		seen[t.ExternalID()] = struct{}{}
	}
	return seen
}

package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/soundfold/maestro/internal/ports"
	"github.com/soundfold/maestro/pkg/maestro"
)

// Autoplay seeding constants.
const (
	// seedSampleSize is how many played tracks feed one recommendation
	// request.
	seedSampleSize = 5
	// seedMinDurationMS filters jingles and stings out of the seeds.
	seedMinDurationMS = 90_000
	// recommendRetries bounds recommendation attempts per refill.
	recommendRetries = 3
	// recommendRetryGap is the pause between attempts.
	recommendRetryGap = 5 * time.Second
)

// nonCanonicalTags mark derivative uploads. Candidates carrying one of
// these in the title are dropped when a clean alternative exists.
var nonCanonicalTags = []string{"remix", "edit", "extend", "compilation", "mashup"}

// AutoplayEngine refills a session's candidate ring from the
// recommendation source, seeded by recent listening history.
type AutoplayEngine struct {
	rec      ports.Recommender
	log      *zap.Logger
	limiter  *rate.Limiter
	retryGap time.Duration
}

// NewAutoplayEngine builds an engine. Recommendation calls are rate
// limited to one per two seconds with a small burst, shared across all
// sessions that hold the engine.
func NewAutoplayEngine(rec ports.Recommender, log *zap.Logger) *AutoplayEngine {
	return &AutoplayEngine{
		rec:      rec,
		log:      log.Named("autoplay"),
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 3),
		retryGap: recommendRetryGap,
	}
}

// NextCandidate returns the next autoplay track for the store,
// refilling the candidate ring when it runs dry. Returns nil with no
// error when nothing playable could be recommended.
func (e *AutoplayEngine) NextCandidate(ctx context.Context, store *Store) (*Track, error) {
	if t, ok := store.PopCandidate(); ok {
		return t, nil
	}
	if err := e.refill(ctx, store); err != nil {
		return nil, err
	}
	t, _ := store.PopCandidate()
	return t, nil
}

func (e *AutoplayEngine) refill(ctx context.Context, store *Store) error {
	seedTracks := store.PlayedRecent(seedSampleSize, seedMinDurationMS)
	if len(seedTracks) == 0 {
		e.log.Debug("no usable seeds in history")
		return nil
	}
	seeds := make([]maestro.TrackInfo, 0, len(seedTracks))
	for _, t := range seedTracks {
		seeds = append(seeds, t.Info())
	}

	var recs []maestro.TrackInfo
	var lastErr error
	for attempt := 1; attempt <= recommendRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		recs, lastErr = e.rec.Recommend(ctx, seeds)
		if lastErr == nil && len(recs) > 0 {
			break
		}
		e.log.Warn("recommendation attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < recommendRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryGap):
			}
		}
	}
	if len(recs) == 0 {
		// Same-source fallback keyed on the freshest seed.
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		recs, lastErr = e.rec.Related(ctx, seeds[0])
		if lastErr != nil {
			return lastErr
		}
	}

	candidates := e.filter(recs, store.SeenIDs())
	if len(candidates) == 0 {
		e.log.Debug("every recommendation filtered out")
		return nil
	}
	store.PushCandidates(candidates)
	e.log.Info("candidate ring refilled",
		zap.Int("accepted", len(candidates)),
		zap.Int("recommended", len(recs)))
	return nil
}

// filter drops streams, already-seen tracks and derivative uploads.
// Derivatives survive only when no clean candidate exists at all.
// Candidates stay unresolved; the recommendation source's IDs are not
// node handles, so each one goes through normal resolution.
func (e *AutoplayEngine) filter(recs []maestro.TrackInfo, seen map[string]struct{}) []*Track {
	var clean, tagged []*Track
	for _, info := range recs {
		if info.Stream {
			continue
		}
		id := info.URI
		if id == "" {
			id = info.ID
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		t := NewTrack("", id, info.Title, info.Author)
		t.DurationHintMS = info.DurationMS
		t.Thumbnail = info.Thumbnail
		t.Autoplay = true
		if hasNonCanonicalTag(info.Title) {
			tagged = append(tagged, t)
			continue
		}
		clean = append(clean, t)
	}
	if len(clean) > 0 {
		return clean
	}
	return tagged
}

func hasNonCanonicalTag(title string) bool {
	lower := strings.ToLower(title)
	for _, tag := range nonCanonicalTags {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

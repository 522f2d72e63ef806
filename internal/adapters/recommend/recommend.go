// Package recommend sources continuation candidates from YouTube
// Music, with a plain YouTube search fallback for seeds the music
// index does not know.
package recommend

import (
	"context"
	"strconv"
	"strings"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/soundfold/maestro/pkg/maestro"
)

const maxPerSeed = 10

// Engine implements the Recommender port.
type Engine struct {
	search *ytsearch.Client
}

// New builds an engine with a default HTTP client.
func New() *Engine {
	return &Engine{search: ytsearch.NewClient(nil)}
}

// Recommend queries the music index once per seed and merges the
// results, de-duplicating by video ID.
func (e *Engine) Recommend(ctx context.Context, seeds []maestro.TrackInfo) ([]maestro.TrackInfo, error) {
	seen := make(map[string]struct{})
	var out []maestro.TrackInfo
	for _, seed := range seeds {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		s := ytmusic.TrackSearch(seedQuery(seed))
		r, err := s.Next()
		if err != nil {
			continue
		}
		added := 0
		for _, v := range r.Tracks {
			if v.VideoID == "" || added >= maxPerSeed {
				continue
			}
			if _, dup := seen[v.VideoID]; dup {
				continue
			}
			seen[v.VideoID] = struct{}{}
			out = append(out, trackFromMusic(v))
			added++
		}
	}
	return out, nil
}

// Related falls back to a plain video search keyed on a single seed.
func (e *Engine) Related(ctx context.Context, seed maestro.TrackInfo) ([]maestro.TrackInfo, error) {
	r, err := e.search.Search(ctx, seedQuery(seed))
	if err != nil {
		return nil, err
	}
	var out []maestro.TrackInfo
	for _, v := range r.Results {
		if v.VideoID == "" || v.VideoID == seed.ID {
			continue
		}
		out = append(out, maestro.TrackInfo{
			ID:         v.VideoID,
			Title:      v.Title,
			Author:     v.Channel,
			URI:        "https://www.youtube.com/watch?v=" + v.VideoID,
			Source:     "youtube",
			DurationMS: parseClockDuration(v.Duration),
		})
		if len(out) >= maxPerSeed {
			break
		}
	}
	return out, nil
}

func seedQuery(seed maestro.TrackInfo) string {
	if seed.Author != "" {
		return seed.Title + " " + seed.Author
	}
	return seed.Title
}

func trackFromMusic(v *ytmusic.TrackItem) maestro.TrackInfo {
	author := ""
	if len(v.Artists) > 0 {
		author = v.Artists[0].Name
	}
	return maestro.TrackInfo{
		ID:         v.VideoID,
		Title:      v.Title,
		Author:     author,
		URI:        "https://music.youtube.com/watch?v=" + v.VideoID,
		Source:     "ytmusic",
		DurationMS: int64(v.Duration) * 1000,
	}
}

// parseClockDuration converts "3:20" or "1:05:20" to milliseconds.
func parseClockDuration(s string) int64 {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0
		}
		total = total*60 + int64(n)
	}
	return total * 1000
}

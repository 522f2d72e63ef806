package localnode

import (
	"context"
	"strconv"
	"strings"

	"github.com/ppalone/ytsearch"

	"github.com/soundfold/maestro/pkg/maestro"
)

const defaultSearchLimit = 5

// defaultSearch resolves direct URLs as-is and everything else through
// a YouTube video search.
func defaultSearch() SearchFunc {
	client := ytsearch.NewClient(nil)
	return func(ctx context.Context, query string, limit int) ([]maestro.TrackInfo, error) {
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		query = strings.TrimSpace(query)

		if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
			// Arbitrary URLs have no known length until the
			// pipeline opens them; treat them as live.
			return []maestro.TrackInfo{{
				Title:  query,
				URI:    query,
				Source: "http",
				Stream: true,
			}}, nil
		}

		r, err := client.Search(ctx, query)
		if err != nil {
			return nil, err
		}
		var out []maestro.TrackInfo
		for _, v := range r.Results {
			if v.VideoID == "" {
				continue
			}
			out = append(out, maestro.TrackInfo{
				Title:      v.Title,
				Author:     v.Channel,
				URI:        "https://www.youtube.com/watch?v=" + v.VideoID,
				Source:     "youtube",
				DurationMS: clockToMS(v.Duration),
			})
			if len(out) >= limit {
				break
			}
		}
		return out, nil
	}
}

// clockToMS converts "3:20" or "1:05:20" to milliseconds.
func clockToMS(s string) int64 {
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

// Package feed loads RSS and Atom feeds into playable queue entries,
// so a whole podcast or episode list can be queued with one command.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/soundfold/maestro/internal/session"
)

// Loader fetches and parses audio feeds.
type Loader struct {
	log  *zap.Logger
	http *http.Client
}

// NewLoader builds a loader with the given timeout.
func NewLoader(log *zap.Logger, timeout time.Duration) *Loader {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Loader{
		log:  log.Named("feed"),
		http: &http.Client{Timeout: timeout},
	}
}

// Load fetches a feed URL and returns its audio entries as unresolved
// tracks sharing one playlist reference. Entries without an audio
// enclosure are skipped. limit caps the number of tracks; zero means
// all.
func (l *Loader) Load(ctx context.Context, feedURL string, requester string, limit int) ([]*session.Track, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	playlist := &session.Playlist{
		Name:      strings.TrimSpace(parsed.Title),
		URL:       feedURL,
		Thumbnail: feedImage(parsed),
	}
	if playlist.Name == "" {
		playlist.Name = feedURL
	}
	author := feedAuthor(parsed)

	var tracks []*session.Track
	for _, item := range parsed.Items {
		audioURL := pickEnclosure(item)
		if audioURL == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = audioURL
		}
		t := session.NewTrack("", audioURL, title, itemAuthor(item, author))
		t.DurationHintMS = itemDurationMS(item)
		t.Thumbnail = itemImage(item, playlist.Thumbnail)
		t.Playlist = playlist
		t.Requester = requester
		tracks = append(tracks, t)
		if limit > 0 && len(tracks) >= limit {
			break
		}
	}
	l.log.Info("feed loaded",
		zap.String("feed", playlist.Name),
		zap.Int("tracks", len(tracks)))
	return tracks, nil
}

func pickEnclosure(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if enc.Type == "" || strings.HasPrefix(enc.Type, "audio/") {
			return enc.URL
		}
	}
	return ""
}

func feedAuthor(feed *gofeed.Feed) string {
	if feed == nil {
		return ""
	}
	if feed.Author != nil && feed.Author.Name != "" {
		return strings.TrimSpace(feed.Author.Name)
	}
	if feed.ITunesExt != nil && feed.ITunesExt.Author != "" {
		return strings.TrimSpace(feed.ITunesExt.Author)
	}
	return ""
}

func itemAuthor(item *gofeed.Item, fallback string) string {
	if item != nil && item.Author != nil && item.Author.Name != "" {
		return strings.TrimSpace(item.Author.Name)
	}
	if item != nil && item.ITunesExt != nil && item.ITunesExt.Author != "" {
		return strings.TrimSpace(item.ITunesExt.Author)
	}
	return fallback
}

func feedImage(feed *gofeed.Feed) string {
	if feed == nil {
		return ""
	}
	if feed.Image != nil && feed.Image.URL != "" {
		return feed.Image.URL
	}
	if feed.ITunesExt != nil && feed.ITunesExt.Image != "" {
		return feed.ITunesExt.Image
	}
	return ""
}

func itemImage(item *gofeed.Item, fallback string) string {
	if item != nil && item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	if item != nil && item.ITunesExt != nil && item.ITunesExt.Image != "" {
		return item.ITunesExt.Image
	}
	return fallback
}

func itemDurationMS(item *gofeed.Item) int64 {
	if item == nil || item.ITunesExt == nil {
		return 0
	}
	raw := strings.TrimSpace(item.ITunesExt.Duration)
	if raw == "" {
		return 0
	}
	if strings.Contains(raw, ":") {
		total := 0
		for _, part := range strings.Split(raw, ":") {
			n := 0
			fmt.Sscanf(part, "%d", &n)
			total = total*60 + n
		}
		return int64(total) * 1000
	}
	seconds := 0
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err == nil {
		return int64(seconds) * 1000
	}
	return 0
}

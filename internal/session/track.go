package session

import (
	"errors"
	"strings"

	"github.com/soundfold/maestro/pkg/maestro"
)

// Playlist carries playlist-level metadata shared by the queue entries
// that were loaded from it. Never mutated after construction.
type Playlist struct {
	Name      string
	URL       string
	Thumbnail string
}

// RelatedInfo links an autoplay-derived track back to the seed it was
// recommended from.
type RelatedInfo struct {
	Title string
	URI   string
}

// Track is a queue entry. It starts unresolved (search terms or an
// external URI plus display metadata) and gains a playable handle and
// authoritative duration exactly once, on resolution.
type Track struct {
	RequestID string
	Query     string
	Title     string
	Author    string
	URI       string
	Thumbnail string
	Requester string

	// DurationHintMS is display-only until the track resolves.
	DurationHintMS int64

	Playlist *Playlist
	Related  *RelatedInfo

	// Loops is the remaining per-track repeat count.
	Loops int

	// Autoplay marks tracks derived from the autoplay engine rather
	// than an explicit request.
	Autoplay bool

	resolved *maestro.TrackInfo
}

// ErrAlreadyResolved is returned when resolving a resolved track.
var ErrAlreadyResolved = errors.New("track already resolved")

// NewTrack builds an unresolved track from a query or URI.
func NewTrack(requestID string, query string, title string, author string) *Track {
	uri := ""
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		uri = query
	}
	return &Track{
		RequestID: requestID,
		Query:     query,
		Title:     title,
		Author:    author,
		URI:       uri,
	}
}

// FromInfo builds an already-resolved track from node search output.
func FromInfo(requestID string, info maestro.TrackInfo) *Track {
	t := &Track{
		RequestID: requestID,
		Title:     info.Title,
		Author:    info.Author,
		URI:       info.URI,
		Thumbnail: info.Thumbnail,
	}
	t.resolved = &info
	return t
}

// Resolved reports whether a playable handle has been obtained.
func (t *Track) Resolved() bool {
	return t.resolved != nil
}

// Resolve attaches the playable handle and authoritative duration.
// A track resolves at most once.
func (t *Track) Resolve(info maestro.TrackInfo) error {
	if t.resolved != nil {
		return ErrAlreadyResolved
	}
	t.resolved = &info
	if t.Title == "" {
		t.Title = info.Title
	}
	if t.Author == "" {
		t.Author = info.Author
	}
	if t.URI == "" {
		t.URI = info.URI
	}
	if t.Thumbnail == "" {
		t.Thumbnail = info.Thumbnail
	}
	return nil
}

// Handle returns the rendering-node handle, empty while unresolved.
func (t *Track) Handle() string {
	if t.resolved == nil {
		return ""
	}
	return t.resolved.ID
}

// DurationMS returns the authoritative duration when resolved, the
// display hint otherwise.
func (t *Track) DurationMS() int64 {
	if t.resolved != nil {
		return t.resolved.DurationMS
	}
	return t.DurationHintMS
}

// Stream reports whether the track is a live/continuous stream.
func (t *Track) Stream() bool {
	return t.resolved != nil && t.resolved.Stream
}

// Source returns the source tag of the resolved handle.
func (t *Track) Source() string {
	if t.resolved == nil {
		return ""
	}
	return t.resolved.Source
}

// ExternalID is a stable identifier usable for de-duplication: the
// URI when known, the handle otherwise.
func (t *Track) ExternalID() string {
	if t.URI != "" {
		return t.URI
	}
	if t.resolved != nil {
		return t.resolved.ID
	}
	return t.Query
}

// DisplayName is the best human label for the track.
func (t *Track) DisplayName() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Query
}

// Info returns the track as wire metadata for snapshots and display.
func (t *Track) Info() maestro.TrackInfo {
	if t.resolved != nil {
		info := *t.resolved
		if info.Title == "" {
			info.Title = t.Title
		}
		return info
	}
	return maestro.TrackInfo{
		Title:      t.Title,
		Author:     t.Author,
		URI:        t.URI,
		DurationMS: t.DurationHintMS,
		Thumbnail:  t.Thumbnail,
	}
}

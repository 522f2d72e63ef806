// Package skin turns room state into display text. A skin is a pure
// function of the state snapshot; callers pick one by config key and
// unknown keys fall back to the default.
package skin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soundfold/maestro/pkg/maestro"
)

// Renderer renders a room state snapshot for display.
type Renderer interface {
	Name() string
	Render(state maestro.RoomState) (string, error)
}

// DefaultKey selects the skin used when no key is configured.
const DefaultKey = "classic"

var registry = map[string]Renderer{
	"classic": Classic{},
	"compact": Compact{},
	"json":    JSON{},
}

// ForKey returns the named skin, falling back to the default for
// unknown or empty keys.
func ForKey(key string) Renderer {
	if r, ok := registry[strings.ToLower(strings.TrimSpace(key))]; ok {
		return r
	}
	return registry[DefaultKey]
}

// Keys lists the available skin keys.
func Keys() []string {
	return []string{"classic", "compact", "json"}
}

// Classic is the multi-line default skin.
type Classic struct{}

// Name returns the config key.
func (Classic) Name() string { return "classic" }

// Render renders the state across several lines.
func (Classic) Render(state maestro.RoomState) (string, error) {
	switch {
	case state.Closed != nil:
		reason := state.Closed.Reason
		if reason == "" {
			reason = "session ended"
		}
		return fmt.Sprintf("Room %s closed: %s", state.Room, reason), nil
	case state.Playing != nil:
		p := state.Playing
		var b strings.Builder
		verb := "Now playing"
		if p.AutoPaused {
			verb = "On hold (room empty)"
		} else if p.Paused {
			verb = "Paused"
		}
		fmt.Fprintf(&b, "%s: %s", verb, trackLine(p.Track))
		fmt.Fprintf(&b, "\n  %s", positionLine(p.PositionMS, p.Track.DurationMS, p.Track.Stream))
		fmt.Fprintf(&b, "  vol %d%%", p.Volume)
		if p.LoopMode != "" && p.LoopMode != "off" {
			fmt.Fprintf(&b, "  loop:%s", p.LoopMode)
		}
		if p.Autoplay {
			b.WriteString("  autoplay")
		}
		fmt.Fprintf(&b, "\n  %d queued on %s", p.QueueLength, p.NodeID)
		if p.CommandLog != "" {
			fmt.Fprintf(&b, "\n  last action: %s", p.CommandLog)
		}
		return b.String(), nil
	case state.Idle != nil:
		if state.Idle.QueueLength > 0 {
			return fmt.Sprintf("Room %s idle with %d tracks queued", state.Room, state.Idle.QueueLength), nil
		}
		return fmt.Sprintf("Room %s idle", state.Room), nil
	default:
		return fmt.Sprintf("Room %s: no state", state.Room), nil
	}
}

// Compact is a single-line skin for dashboards and status bars.
type Compact struct{}

// Name returns the config key.
func (Compact) Name() string { return "compact" }

// Render renders a single line.
func (Compact) Render(state maestro.RoomState) (string, error) {
	switch {
	case state.Closed != nil:
		return fmt.Sprintf("[%s] closed", state.Room), nil
	case state.Playing != nil:
		p := state.Playing
		marker := "▶"
		if p.Paused || p.AutoPaused {
			marker = "⏸"
		}
		return fmt.Sprintf("[%s] %s %s %s (+%d)",
			state.Room, marker, trackLine(p.Track),
			positionLine(p.PositionMS, p.Track.DurationMS, p.Track.Stream),
			p.QueueLength), nil
	default:
		return fmt.Sprintf("[%s] idle", state.Room), nil
	}
}

// JSON emits the raw state for machine consumers.
type JSON struct{}

// Name returns the config key.
func (JSON) Name() string { return "json" }

// Render marshals the state.
func (JSON) Render(state maestro.RoomState) (string, error) {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func trackLine(t maestro.TrackInfo) string {
	if t.Author != "" {
		return fmt.Sprintf("%s - %s", t.Title, t.Author)
	}
	return t.Title
}

func positionLine(positionMS, durationMS int64, stream bool) string {
	if stream {
		return "live"
	}
	if durationMS <= 0 {
		return formatMS(positionMS)
	}
	return formatMS(positionMS) + "/" + formatMS(durationMS)
}

func formatMS(ms int64) string {
	total := ms / 1000
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

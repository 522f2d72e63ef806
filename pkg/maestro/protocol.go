package maestro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix for the protocol.
const BaseTopic = "maestro/v1"

// Command types understood by rendering nodes.
const (
	CmdSearch     = "node.search"
	CmdPlay       = "player.play"
	CmdStop       = "player.stop"
	CmdPause      = "player.pause"
	CmdResume     = "player.resume"
	CmdSetVolume  = "player.setVolume"
	CmdSetFilters = "player.setFilters"
	CmdDestroy    = "player.destroy"
)

// Event types emitted by rendering nodes.
const (
	EventTrackStarted    = "trackStarted"
	EventTrackEnded      = "trackEnded"
	EventTrackException  = "trackException"
	EventTrackStuck      = "trackStuck"
	EventTransportClosed = "transportClosed"
)

// Track-end reasons.
const (
	EndReasonFinished = "finished"
	EndReasonStopped  = "stopped"
	EndReasonOther    = "other"
)

// CommandEnvelope is the controller-to-node command envelope.
type CommandEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	From    string          `json:"from"`
	Room    string          `json:"room,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// ReplyEnvelope is the node-to-controller response envelope.
type ReplyEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	OK   bool            `json:"ok"`
	TS   int64           `json:"ts"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  *ReplyError     `json:"err,omitempty"`
}

// ReplyError describes an error response.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Presence is the retained liveness payload of a rendering node.
type Presence struct {
	NodeID  string `json:"nodeId"`
	Name    string `json:"name"`
	Region  string `json:"region,omitempty"`
	Players int    `json:"players"`
	PingMS  int64  `json:"pingMs,omitempty"`
	TS      int64  `json:"ts"`
}

// Event is a player lifecycle event for one room on one node.
type Event struct {
	Type     string `json:"type"`
	NodeID   string `json:"nodeId"`
	Room     string `json:"room"`
	TrackID  string `json:"trackId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
	Code     int    `json:"code,omitempty"`
	TS       int64  `json:"ts"`
}

// NewCommand builds a command envelope with a JSON body.
func NewCommand(cmdType string, body any) (CommandEnvelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return CommandEnvelope{}, fmt.Errorf("marshal body: %w", err)
	}

	return CommandEnvelope{
		Type: cmdType,
		Body: payload,
	}, nil
}

// ValidateCommandEnvelope validates required envelope fields.
func ValidateCommandEnvelope(cmd CommandEnvelope) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(cmd.Type) == "" {
		return errors.New("type is required")
	}
	if cmd.TS <= 0 {
		return errors.New("ts must be a positive unix timestamp")
	}
	if strings.TrimSpace(cmd.From) == "" {
		return errors.New("from is required")
	}
	if len(cmd.Body) == 0 {
		return errors.New("body is required")
	}
	if CommandNeedsRoom(cmd.Type) && strings.TrimSpace(cmd.Room) == "" {
		return errors.New("room is required for player commands")
	}
	return nil
}

// CommandNeedsRoom reports whether a command targets a per-room player.
func CommandNeedsRoom(cmdType string) bool {
	switch cmdType {
	case CmdPlay, CmdStop, CmdPause, CmdResume, CmdSetVolume, CmdSetFilters, CmdDestroy:
		return true
	default:
		return false
	}
}

// TopicPresence builds the presence topic for a node.
func TopicPresence(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/presence", topicBase, nodeID)
}

// TopicCommands builds the command topic for a node.
func TopicCommands(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/cmd", topicBase, nodeID)
}

// TopicEvents builds the event topic for one room on a node.
func TopicEvents(topicBase, nodeID, room string) string {
	return fmt.Sprintf("%s/node/%s/room/%s/evt", topicBase, nodeID, room)
}

// TopicRoomState builds the retained observer-state topic for a room.
func TopicRoomState(topicBase, room string) string {
	return fmt.Sprintf("%s/room/%s/state", topicBase, room)
}

// TopicReply builds the reply topic for a controller instance.
func TopicReply(topicBase, controllerID string) string {
	return fmt.Sprintf("%s/reply/%s", topicBase, controllerID)
}

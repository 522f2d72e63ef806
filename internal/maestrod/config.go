// Package maestrod holds daemon-level plumbing: configuration,
// logging and the module supervisor.
package maestrod

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for maestrod.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Session SessionConfig `toml:"session"`
	Modules ModulesConfig `toml:"modules"`
	Feeds   []FeedConfig  `toml:"feeds"`
}

// ServerConfig defines shared daemon settings.
type ServerConfig struct {
	Broker       string     `toml:"broker"`
	ControllerID string     `toml:"controller_id"`
	TopicBase    string     `toml:"topic_base"`
	LogLevel     string     `toml:"log_level"`
	LogFormat    string     `toml:"log_format"`
	SnapshotPath string     `toml:"snapshot_path"`
	TLS          TLSConfig  `toml:"tls"`
	Auth         AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// SessionConfig holds per-room session defaults.
type SessionConfig struct {
	IdleTimeoutS      int64  `toml:"idle_timeout_s"`
	EmptyRoomTimeoutS int64  `toml:"empty_room_timeout_s"`
	ListenerPollS     int64  `toml:"listener_poll_s"`
	CommandTimeoutS   int64  `toml:"command_timeout_s"`
	HeartbeatS        int64  `toml:"heartbeat_s"`
	SnapshotIntervalS int64  `toml:"snapshot_interval_s"`
	DefaultVolume     int    `toml:"default_volume"`
	KeepConnected     bool   `toml:"keep_connected"`
	Skin              string `toml:"skin"`
}

// ModulesConfig holds optional in-process module configurations.
type ModulesConfig struct {
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
	LocalNode    LocalNodeConfig    `toml:"local_node"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// LocalNodeConfig configures the built-in rendering node.
type LocalNodeConfig struct {
	Enabled  bool   `toml:"enabled"`
	NodeID   string `toml:"node_id"`
	Name     string `toml:"name"`
	Region   string `toml:"region"`
	Pipeline string `toml:"pipeline"`
	Device   string `toml:"device"`
}

// FeedConfig seeds a room's queue from an RSS/Atom feed at startup.
type FeedConfig struct {
	Room  string `toml:"room"`
	URL   string `toml:"url"`
	Limit int    `toml:"limit"`
}

// Duration helpers with fallbacks for unset values.
func (c SessionConfig) IdleTimeout() time.Duration      { return secondsOr(c.IdleTimeoutS, 0) }
func (c SessionConfig) EmptyRoomTimeout() time.Duration { return secondsOr(c.EmptyRoomTimeoutS, 0) }
func (c SessionConfig) ListenerPoll() time.Duration     { return secondsOr(c.ListenerPollS, 0) }
func (c SessionConfig) CommandTimeout() time.Duration   { return secondsOr(c.CommandTimeoutS, 0) }
func (c SessionConfig) Heartbeat() time.Duration        { return secondsOr(c.HeartbeatS, 0) }
func (c SessionConfig) SnapshotInterval() time.Duration { return secondsOr(c.SnapshotIntervalS, 60) }

func secondsOr(s int64, fallback int64) time.Duration {
	if s <= 0 {
		s = fallback
	}
	return time.Duration(s) * time.Second
}

// LoadConfig loads a config file from path.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "maestro", "maestrod.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "maestro", "maestrod.toml"), nil
}

// DefaultSnapshotPath returns the default sqlite location.
func DefaultSnapshotPath() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "maestro", "snapshots.db"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "maestro", "snapshots.db"), nil
}

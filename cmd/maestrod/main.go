package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/soundfold/maestro/internal/adapters/chat"
	"github.com/soundfold/maestro/internal/adapters/clock"
	"github.com/soundfold/maestro/internal/adapters/idgen"
	"github.com/soundfold/maestro/internal/adapters/mqttclient"
	"github.com/soundfold/maestro/internal/adapters/nodebus"
	"github.com/soundfold/maestro/internal/adapters/recommend"
	"github.com/soundfold/maestro/internal/adapters/snapshotdb"
	"github.com/soundfold/maestro/internal/maestrod"
	"github.com/soundfold/maestro/internal/modules/embeddedmqtt"
	"github.com/soundfold/maestro/internal/modules/localnode"
	"github.com/soundfold/maestro/internal/session"
	"github.com/soundfold/maestro/internal/sources/feed"
	"github.com/soundfold/maestro/pkg/maestro"
)

const nodeStaleAfter = 45 * time.Second

func main() {
	var (
		configPath   string
		broker       string
		controllerID string
		topicBase    string
		logLevel     string
		logFormat    string
		snapshotPath string
		dryRun       bool
	)

	defaultConfig, err := maestrod.DefaultConfigPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&configPath, "config", defaultConfig, "config file path")
	flag.StringVar(&broker, "broker", "", "MQTT broker URL override")
	flag.StringVar(&controllerID, "controller-id", "", "controller identity override")
	flag.StringVar(&topicBase, "topic-base", "", "topic base override")
	flag.StringVar(&logLevel, "log-level", "", "log level override")
	flag.StringVar(&logFormat, "log-format", "", "log format override (json|console)")
	flag.StringVar(&snapshotPath, "snapshot-path", "", "sqlite snapshot path override")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	// .env overlay for broker credentials; absence is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath, configPath != defaultConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(&cfg, broker, controllerID, topicBase, logLevel, logFormat, snapshotPath)
	applyEnv(&cfg)

	if dryRun {
		return
	}

	logger, err := maestrod.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("maestrod exited", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string, required bool) (maestrod.Config, error) {
	cfg, err := maestrod.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	// A missing default config means run on flags and env alone.
	if !required && errors.Is(err, os.ErrNotExist) {
		return maestrod.Config{}, nil
	}
	return maestrod.Config{}, err
}

func applyOverrides(cfg *maestrod.Config, broker, controllerID, topicBase, logLevel, logFormat, snapshotPath string) {
	if broker != "" {
		cfg.Server.Broker = broker
	}
	if controllerID != "" {
		cfg.Server.ControllerID = controllerID
	}
	if topicBase != "" {
		cfg.Server.TopicBase = topicBase
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Server.LogFormat = logFormat
	}
	if snapshotPath != "" {
		cfg.Server.SnapshotPath = snapshotPath
	}
}

func applyEnv(cfg *maestrod.Config) {
	if v := os.Getenv("MAESTRO_BROKER"); v != "" && cfg.Server.Broker == "" {
		cfg.Server.Broker = v
	}
	if v := os.Getenv("MAESTRO_MQTT_USER"); v != "" {
		cfg.Server.Auth.User = v
	}
	if v := os.Getenv("MAESTRO_MQTT_PASS"); v != "" {
		cfg.Server.Auth.Pass = v
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg maestrod.Config) error {
	if cfg.Server.ControllerID == "" {
		host, _ := os.Hostname()
		cfg.Server.ControllerID = "maestrod-" + host
	}
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = maestro.BaseTopic
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		listen := cfg.Modules.EmbeddedMQTT.Listen
		if listen == "" {
			listen = "127.0.0.1:1883"
			cfg.Modules.EmbeddedMQTT.Listen = listen
		}
		cfg.Server.Broker = embeddedmqtt.BrokerURL(listen, cfg.Modules.EmbeddedMQTT.TLSCert != "")
	}
	if cfg.Server.Broker == "" {
		return errors.New("no broker configured; set server.broker or enable modules.embedded_mqtt")
	}
	if cfg.Server.SnapshotPath == "" {
		path, err := maestrod.DefaultSnapshotPath()
		if err != nil {
			return err
		}
		cfg.Server.SnapshotPath = path
	}

	var modules []maestrod.ModuleRunner

	if cfg.Modules.EmbeddedMQTT.Enabled {
		m, err := embeddedmqtt.NewModule(logger.Named("embedded_mqtt"), embeddedmqtt.Config{
			Listen:         cfg.Modules.EmbeddedMQTT.Listen,
			AllowAnonymous: cfg.Modules.EmbeddedMQTT.AllowAnonymous,
			Username:       cfg.Modules.EmbeddedMQTT.Username,
			Password:       cfg.Modules.EmbeddedMQTT.Password,
			TLSCA:          cfg.Modules.EmbeddedMQTT.TLSCA,
			TLSCert:        cfg.Modules.EmbeddedMQTT.TLSCert,
			TLSKey:         cfg.Modules.EmbeddedMQTT.TLSKey,
		})
		if err != nil {
			return err
		}
		modules = append(modules, maestrod.ModuleRunner{Name: "embedded_mqtt", Run: m.Run})
	}

	modules = append(modules, maestrod.ModuleRunner{Name: "controller", Run: func(ctx context.Context) error {
		return runController(ctx, logger, cfg)
	}})

	supervisor := maestrod.Supervisor{Logger: logger}
	return supervisor.Run(ctx, modules)
}

func runController(ctx context.Context, logger *zap.Logger, cfg maestrod.Config) error {
	bus, err := connectBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bus.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Server.SnapshotPath), 0o755); err != nil {
		return err
	}
	snapshots, err := snapshotdb.Open(cfg.Server.SnapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() { _ = snapshots.Close() }()

	nodes := session.NewNodeRegistry(nodeStaleAfter)
	deps := session.Deps{
		Log:       logger,
		Bus:       bus,
		Chat:      chat.NewLocal(logger.Named("chat")),
		Nodes:     nodes,
		Autoplay:  session.NewAutoplayEngine(recommend.New(), logger.Named("autoplay")),
		Snapshots: snapshots,
		Clock:     clock.Clock{},
		Policy:    session.DefaultPolicy(),
	}
	registry := session.NewRegistry(logger, deps, session.Config{
		IdleTimeout:      cfg.Session.IdleTimeout(),
		EmptyRoomTimeout: cfg.Session.EmptyRoomTimeout(),
		ListenerPoll:     cfg.Session.ListenerPoll(),
		CommandTimeout:   cfg.Session.CommandTimeout(),
		Heartbeat:        cfg.Session.Heartbeat(),
		KeepConnected:    cfg.Session.KeepConnected,
		DefaultVolume:    cfg.Session.DefaultVolume,
	})

	if cfg.Modules.LocalNode.Enabled {
		if err := startLocalNode(ctx, logger, cfg); err != nil {
			return err
		}
	}

	presence, err := bus.WatchPresence(ctx)
	if err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}
	go func() {
		for p := range presence {
			nodes.Upsert(p, time.Now())
		}
	}()

	if err := waitForNodes(ctx, nodes); err != nil {
		logger.Warn("no rendering nodes announced yet", zap.Error(err))
	}

	restoreSessions(ctx, logger, registry, snapshots)
	seedFeeds(ctx, logger, registry, cfg.Feeds)

	ticker := time.NewTicker(cfg.Session.SnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			registry.ShutdownAll(shutdownCtx, "daemon shutdown")
			cancel()
			return nil
		case <-ticker.C:
			registry.SaveAll(ctx)
		}
	}
}

// connectBus retries briefly so the controller can race the embedded
// broker's listener coming up.
func connectBus(ctx context.Context, cfg maestrod.Config) (*nodebus.Client, error) {
	opts := nodebus.Options{
		BrokerURL:    cfg.Server.Broker,
		ControllerID: cfg.Server.ControllerID,
		Username:     cfg.Server.Auth.User,
		Password:     cfg.Server.Auth.Pass,
		TLSCA:        cfg.Server.TLS.CA,
		TLSCert:      cfg.Server.TLS.Cert,
		TLSKey:       cfg.Server.TLS.Key,
		TopicBase:    cfg.Server.TopicBase,
		Timeout:      cfg.Session.CommandTimeout(),
		Clock:        clock.Clock{},
		IDs:          idgen.Generator{},
	}

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		bus, err := nodebus.NewClient(opts)
		if err == nil {
			return bus, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func startLocalNode(ctx context.Context, logger *zap.Logger, cfg maestrod.Config) error {
	nodeID := cfg.Modules.LocalNode.NodeID
	if nodeID == "" {
		nodeID = "local"
	}
	client, err := mqttclient.NewClient(mqttclient.Options{
		BrokerURL: cfg.Server.Broker,
		ClientID:  nodeID,
		Username:  cfg.Server.Auth.User,
		Password:  cfg.Server.Auth.Pass,
		TLSCA:     cfg.Server.TLS.CA,
		TLSCert:   cfg.Server.TLS.Cert,
		TLSKey:    cfg.Server.TLS.Key,
		Logger:    logger.Named("local_node"),
	})
	if err != nil {
		return fmt.Errorf("local node connect: %w", err)
	}
	node, err := localnode.NewModule(logger.Named("local_node"), client, clock.Clock{}, idgen.Generator{}, localnode.Config{
		NodeID:    nodeID,
		Name:      cfg.Modules.LocalNode.Name,
		Region:    cfg.Modules.LocalNode.Region,
		TopicBase: cfg.Server.TopicBase,
		Pipeline:  cfg.Modules.LocalNode.Pipeline,
		Device:    cfg.Modules.LocalNode.Device,
	})
	if err != nil {
		client.Close()
		return err
	}
	go func() {
		defer client.Close()
		if err := node.Run(ctx); err != nil {
			logger.Error("local node exited", zap.Error(err))
		}
	}()
	return nil
}

func waitForNodes(ctx context.Context, nodes *session.NodeRegistry) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(nodes.List()) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return errors.New("timed out waiting for node presence")
}

// restoreSessions revives saved sessions. Playback only resumes after
// the room rebinds to a live node; rooms with nothing saved mid-track
// come back idle.
func restoreSessions(ctx context.Context, logger *zap.Logger, registry *session.Registry, snapshots *snapshotdb.Store) {
	rooms, err := snapshots.Rooms(ctx)
	if err != nil {
		logger.Warn("list saved rooms failed", zap.Error(err))
		return
	}
	for _, room := range rooms {
		snap, ok, err := snapshots.Load(ctx, room)
		if err != nil || !ok {
			continue
		}
		s, err := registry.GetOrCreate(ctx, room)
		if err != nil {
			logger.Warn("restore skipped", zap.String("room", room), zap.Error(err))
			continue
		}
		s.Restore(snap)
		s.ResumeFromRestore(ctx)
		logger.Info("session restored", zap.String("room", room))
	}
}

func seedFeeds(ctx context.Context, logger *zap.Logger, registry *session.Registry, feeds []maestrod.FeedConfig) {
	if len(feeds) == 0 {
		return
	}
	loader := feed.NewLoader(logger.Named("feed"), 15*time.Second)
	for _, f := range feeds {
		if f.Room == "" || f.URL == "" {
			continue
		}
		tracks, err := loader.Load(ctx, f.URL, "feed", f.Limit)
		if err != nil {
			logger.Warn("feed load failed", zap.String("url", f.URL), zap.Error(err))
			continue
		}
		s, err := registry.GetOrCreate(ctx, f.Room)
		if err != nil {
			logger.Warn("feed room unavailable", zap.String("room", f.Room), zap.Error(err))
			continue
		}
		for _, t := range tracks {
			if err := s.Play(ctx, t, false); err != nil {
				logger.Warn("feed enqueue failed", zap.String("room", f.Room), zap.Error(err))
				break
			}
		}
		logger.Info("feed seeded", zap.String("room", f.Room), zap.Int("tracks", len(tracks)))
	}
}

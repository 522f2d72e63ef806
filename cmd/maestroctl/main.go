package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soundfold/maestro/internal/adapters/mqttclient"
	"github.com/soundfold/maestro/pkg/maestro"
)

type app struct {
	client    *mqttclient.Client
	topicBase string
	timeout   time.Duration
	jsonOut   bool
}

type appKey struct{}

func fromContext(cmd *cobra.Command) *app {
	val := cmd.Context().Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

func main() {
	root := &cobra.Command{
		Use:           "maestroctl",
		Short:         "Inspect maestro rooms and rendering nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		broker    string
		topicBase string
		timeout   time.Duration
		jsonOut   bool
		noColor   bool
		tlsCA     string
		tlsCert   string
		tlsKey    string
		userOpt   string
		passOpt   string
	)

	root.PersistentFlags().StringVarP(&broker, "broker", "b", "", "MQTT broker URL")
	root.PersistentFlags().StringVar(&topicBase, "topic-base", maestro.BaseTopic, "MQTT topic base")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "collection window / command timeout")
	root.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "output raw json")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color")
	root.PersistentFlags().StringVar(&tlsCA, "tls-ca", "", "TLS CA path")
	root.PersistentFlags().StringVar(&tlsCert, "tls-cert", "", "TLS cert path")
	root.PersistentFlags().StringVar(&tlsKey, "tls-key", "", "TLS key path")
	root.PersistentFlags().StringVar(&userOpt, "user", "", "MQTT username")
	root.PersistentFlags().StringVar(&passOpt, "pass", "", "MQTT password")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if noColor {
			pterm.DisableColor()
		}

		_ = godotenv.Load()
		if broker == "" {
			broker = os.Getenv("MAESTRO_BROKER")
		}
		if broker == "" {
			return errors.New("broker is required (set --broker or MAESTRO_BROKER)")
		}
		if userOpt == "" {
			userOpt = os.Getenv("MAESTRO_MQTT_USER")
		}
		if passOpt == "" {
			passOpt = os.Getenv("MAESTRO_MQTT_PASS")
		}

		client, err := mqttclient.NewClient(mqttclient.Options{
			BrokerURL: broker,
			ClientID:  fmt.Sprintf("maestroctl-%d", time.Now().UnixNano()),
			Username:  userOpt,
			Password:  passOpt,
			TLSCA:     tlsCA,
			TLSCert:   tlsCert,
			TLSKey:    tlsKey,
			Timeout:   timeout,
			Logger:    zap.NewNop(),
		})
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}

		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, &app{
			client:    client,
			topicBase: topicBase,
			timeout:   timeout,
			jsonOut:   jsonOut,
		}))
		return nil
	}
	root.PersistentPostRun = func(cmd *cobra.Command, _ []string) {
		if a := fromContext(cmd); a != nil {
			a.client.Close()
		}
	}

	root.AddCommand(statusCommand())
	root.AddCommand(roomsCommand())
	root.AddCommand(nodesCommand())

	if err := root.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// collectRetained gathers retained payloads under a topic filter for
// one collection window.
func (a *app) collectRetained(topic string) ([][]byte, error) {
	var mu sync.Mutex
	var out [][]byte

	handler := func(_ paho.Client, msg paho.Message) {
		buf := make([]byte, len(msg.Payload()))
		copy(buf, msg.Payload())
		mu.Lock()
		out = append(out, buf)
		mu.Unlock()
	}
	if err := a.client.Subscribe(topic, 1, handler); err != nil {
		return nil, err
	}
	defer func() { _ = a.client.Unsubscribe(topic) }()

	time.Sleep(a.timeout)

	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

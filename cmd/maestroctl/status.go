package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/soundfold/maestro/internal/skin"
	"github.com/soundfold/maestro/pkg/maestro"
)

func statusCommand() *cobra.Command {
	var (
		skinKey string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "status <room>",
		Short: "Show a room's playback state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromContext(cmd)
			room := args[0]
			topic := maestro.TopicRoomState(a.topicBase, room)

			states := make(chan maestro.RoomState, 8)
			handler := func(_ paho.Client, msg paho.Message) {
				var state maestro.RoomState
				if err := json.Unmarshal(msg.Payload(), &state); err != nil {
					return
				}
				select {
				case states <- state:
				default:
				}
			}
			if err := a.client.Subscribe(topic, 1, handler); err != nil {
				return err
			}
			defer func() { _ = a.client.Unsubscribe(topic) }()

			select {
			case state := <-states:
				if err := printState(a, skinKey, state); err != nil {
					return err
				}
			case <-time.After(a.timeout):
				return fmt.Errorf("no state published for room %s", room)
			}

			if !watch {
				return nil
			}
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			for {
				select {
				case state := <-states:
					if err := printState(a, skinKey, state); err != nil {
						return err
					}
				case <-sig:
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&skinKey, "skin", skin.DefaultKey, "display skin: "+joinKeys())
	cmd.Flags().BoolVar(&watch, "watch", false, "keep printing state updates")

	return cmd
}

func printState(a *app, skinKey string, state maestro.RoomState) error {
	if a.jsonOut {
		payload, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	}
	text, err := skin.ForKey(skinKey).Render(state)
	if err != nil {
		return err
	}
	pterm.DefaultBox.WithTitle("room "+state.Room).Println(text)
	return nil
}

func joinKeys() string {
	return strings.Join(skin.Keys(), "|")
}

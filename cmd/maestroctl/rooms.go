package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/soundfold/maestro/internal/skin"
	"github.com/soundfold/maestro/pkg/maestro"
)

func roomsCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms with published state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := fromContext(cmd)
			payloads, err := a.collectRetained(a.topicBase + "/room/+/state")
			if err != nil {
				return err
			}

			byRoom := map[string]maestro.RoomState{}
			for _, raw := range payloads {
				var state maestro.RoomState
				if json.Unmarshal(raw, &state) == nil && state.Room != "" {
					byRoom[state.Room] = state
				}
			}

			states := make([]maestro.RoomState, 0, len(byRoom))
			for _, state := range byRoom {
				if state.Closed != nil && !all {
					continue
				}
				states = append(states, state)
			}
			if len(states) == 0 {
				pterm.Warning.Println("no active rooms")
				return nil
			}
			sort.Slice(states, func(i, j int) bool { return states[i].Room < states[j].Room })

			if a.jsonOut {
				payload, err := json.MarshalIndent(states, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				return nil
			}

			compact := skin.ForKey("compact")
			table := pterm.TableData{{"ROOM", "STATE", "DETAIL"}}
			for _, state := range states {
				detail, err := compact.Render(state)
				if err != nil {
					detail = err.Error()
				}
				table = append(table, []string{state.Room, stateLabel(state), detail})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include closed rooms")

	return cmd
}

func stateLabel(state maestro.RoomState) string {
	switch {
	case state.Closed != nil:
		return "closed"
	case state.Playing != nil && state.Playing.AutoPaused:
		return "auto-paused"
	case state.Playing != nil && state.Playing.Paused:
		return "paused"
	case state.Playing != nil:
		return "playing"
	default:
		return "idle"
	}
}

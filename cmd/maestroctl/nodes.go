package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/soundfold/maestro/pkg/maestro"
)

func nodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List rendering nodes announced on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := fromContext(cmd)
			payloads, err := a.collectRetained(a.topicBase + "/node/+/presence")
			if err != nil {
				return err
			}

			byID := map[string]maestro.Presence{}
			for _, raw := range payloads {
				var p maestro.Presence
				if json.Unmarshal(raw, &p) == nil && p.NodeID != "" {
					byID[p.NodeID] = p
				}
			}
			if len(byID) == 0 {
				pterm.Warning.Println("no nodes announced")
				return nil
			}

			nodes := make([]maestro.Presence, 0, len(byID))
			for _, p := range byID {
				nodes = append(nodes, p)
			}
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

			if a.jsonOut {
				payload, err := json.MarshalIndent(nodes, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				return nil
			}

			table := pterm.TableData{{"NODE", "NAME", "REGION", "PLAYERS", "PING", "LAST SEEN"}}
			now := time.Now().Unix()
			for _, p := range nodes {
				ping := "-"
				if p.PingMS > 0 {
					ping = fmt.Sprintf("%dms", p.PingMS)
				}
				table = append(table, []string{
					p.NodeID,
					p.Name,
					p.Region,
					fmt.Sprintf("%d", p.Players),
					ping,
					fmt.Sprintf("%ds ago", now-p.TS),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		},
	}
}

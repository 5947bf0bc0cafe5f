package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cnrmurphy/sentinel/internal/config"
	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/store"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		limit     int
		session   string
		typeFlag  string
		agentFlag string
		raw       bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View captured events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if _, err := os.Stat(cfg.DBPath()); err != nil {
				fmt.Println("No logs found. Run 'sentinel start' first to capture some traffic.")
				return nil
			}

			st, err := store.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			var evts []events.Event
			switch {
			case session != "":
				evts, err = st.EventsBySession(ctx, session)
			case agentFlag != "":
				evts, err = st.EventsByAgent(ctx, agentFlag)
			default:
				evts, err = st.RecentEvents(ctx, limit, typeFlag)
				reverseEvents(evts)
			}
			if err != nil {
				return err
			}

			if len(evts) == 0 {
				fmt.Println("No events found.")
				return nil
			}

			for _, e := range evts {
				printEvent(e, raw)
			}
			fmt.Printf("\n(%d events shown)\n", len(evts))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of events to show")
	cmd.Flags().StringVar(&session, "session", "", "filter by session id")
	cmd.Flags().StringVarP(&typeFlag, "type", "t", "", "filter by payload type")
	cmd.Flags().StringVar(&agentFlag, "agent", "", "filter by agent name")
	cmd.Flags().BoolVar(&raw, "raw", false, "show raw JSON payloads")
	return cmd
}

func printEvent(e events.Event, raw bool) {
	indicator := "·"
	switch e.Payload.Type() {
	case events.TypeUserMessage:
		indicator = "→"
	case events.TypeAssistantResponse:
		indicator = "←"
	case events.TypeError:
		indicator = "✗"
	}

	fmt.Printf("\n%s %s [%s] #%d %s\n",
		e.Timestamp.Format("2006-01-02 15:04:05"), indicator, e.Payload.Type(), e.Seq, shortID(e.ID))
	if e.Agent != "" {
		fmt.Printf("  Agent: %s\n", e.Agent)
	}
	if e.Topic != "" {
		fmt.Printf("  Topic: %s\n", e.Topic)
	}

	if raw {
		data, err := json.MarshalIndent(e.Payload, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}

	switch p := e.Payload; {
	case p.UserMessage != nil:
		fmt.Printf("  Model: %s\n", orDash(p.UserMessage.Model))
		fmt.Printf("  Text: %s\n", truncate(p.UserMessage.Text, 80))
	case p.AssistantResponse != nil:
		r := p.AssistantResponse
		fmt.Printf("  Model: %s  Stop: %s\n", orDash(r.Model), orDash(r.StopReason))
		if r.Text != "" {
			fmt.Printf("  Text: %s\n", truncate(r.Text, 80))
		}
		for _, tc := range r.ToolCalls {
			fmt.Printf("  Tool: %s (%s)\n", tc.Name, tc.ID)
		}
		if r.Usage.InputTokens != nil && r.Usage.OutputTokens != nil {
			fmt.Printf("  Tokens: %d in / %d out\n", *r.Usage.InputTokens, *r.Usage.OutputTokens)
		}
	case p.Error != nil:
		fmt.Printf("  Error (%s): %s\n", p.Error.Source, p.Error.Message)
	case p.Label != nil:
		fmt.Printf("  Label: %s=%s\n", p.Label.Kind, p.Label.Value)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func reverseEvents(evts []events.Event) {
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
}

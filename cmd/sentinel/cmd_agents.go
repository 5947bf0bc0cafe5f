package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cnrmurphy/sentinel/internal/agents"
	"github.com/cnrmurphy/sentinel/internal/config"
	"github.com/cnrmurphy/sentinel/internal/store"

	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List tracked agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if _, err := os.Stat(cfg.DBPath()); err != nil {
				fmt.Println("No agents found. Run 'sentinel start' first to capture some traffic.")
				return nil
			}

			st, err := store.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			registry := agents.NewRegistry(st, cfg.IdleAfter)
			list, err := registry.List(context.Background())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No agents tracked yet.")
				return nil
			}

			fmt.Printf("%-15s %-10s %-20s %s\n", "NAME", "STATUS", "LAST SEEN", "WORKING DIR")
			fmt.Println(strings.Repeat("-", 70))
			for _, a := range list {
				fmt.Printf("%-15s %-10s %-20s %s\n",
					a.Name, a.Status,
					a.LastSeenAt.Format("2006-01-02 15:04"),
					truncatePath(a.WorkingDirectory, 30))
			}
			fmt.Printf("\n(%d agents)\n", len(list))
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a Claude Code session by agent name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if _, err := os.Stat(cfg.DBPath()); err != nil {
				return fmt.Errorf("no agents found; run 'sentinel start' first")
			}

			st, err := store.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			agent, err := st.GetAgentByName(context.Background(), args[0])
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("agent %q not found; run 'sentinel agents' to see available agents", args[0])
			}

			fmt.Printf("Resuming agent %q (session: %s)\n", agent.Name, agent.SessionID)

			claude := exec.Command("claude", "--resume", agent.SessionID)
			claude.Stdin = os.Stdin
			claude.Stdout = os.Stdout
			claude.Stderr = os.Stderr
			return claude.Run()
		},
	}
}

func truncatePath(path string, max int) string {
	if path == "" {
		return "-"
	}
	if len(path) <= max {
		return path
	}
	return "..." + path[len(path)-(max-3):]
}

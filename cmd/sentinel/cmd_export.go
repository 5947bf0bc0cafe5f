package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cnrmurphy/sentinel/internal/config"
	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/store"

	"github.com/spf13/cobra"
)

// checkpointDoc is the export file shape: one session's events in seq
// order plus enough context to replay them elsewhere.
type checkpointDoc struct {
	Checkpoint string         `json:"checkpoint"`
	ExportedAt time.Time      `json:"exported_at"`
	EventCount int            `json:"event_count"`
	Events     []events.Event `json:"events"`
}

func newExportCmd() *cobra.Command {
	var (
		checkpoint string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a session checkpoint as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpoint == "" {
				return fmt.Errorf("--checkpoint is required")
			}

			cfg := config.Load()
			st, err := store.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			evts, err := st.EventsBySession(context.Background(), checkpoint)
			if err != nil {
				return err
			}
			if len(evts) == 0 {
				return fmt.Errorf("no events recorded for checkpoint %q", checkpoint)
			}

			doc := checkpointDoc{
				Checkpoint: checkpoint,
				ExportedAt: time.Now().UTC().Truncate(time.Millisecond),
				EventCount: len(evts),
				Events:     evts,
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal checkpoint: %w", err)
			}

			if out == "" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write checkpoint file: %w", err)
			}
			fmt.Printf("Exported %d events to %s\n", len(evts), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "session id to export")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when omitted)")
	return cmd
}

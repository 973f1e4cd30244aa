package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/events"
)

func buildEventsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect session event logs",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "arbor.db", "Path to the event database")

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the session's lineage, root to head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			history, err := store.GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(history)
			}
			for _, e := range history {
				printEvent(e)
			}
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print raw event JSON")

	var interval time.Duration
	tail := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Follow the session's lineage as events append",
		Long: `Print the session's recent events and keep polling for new ones until
interrupted. Reads go straight to the database, so this works while the
server is running or after it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			sessionID := args[0]
			history, err := store.GetHistory(ctx, sessionID)
			if err != nil {
				return err
			}
			var lastID string
			start := len(history) - 10
			if start < 0 {
				start = 0
			}
			for _, e := range history[start:] {
				printEvent(e)
			}
			if len(history) > 0 {
				lastID = history[len(history)-1].ID
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				fresh, err := store.GetSince(ctx, sessionID, lastID)
				if errors.Is(err, events.ErrNotFound) {
					// Head moved behind us (message delete rewrites
					// lineage); restart from the full history.
					history, err = store.GetHistory(ctx, sessionID)
					if err != nil {
						return err
					}
					if len(history) > 0 {
						lastID = history[len(history)-1].ID
					}
					continue
				}
				if err != nil {
					return err
				}
				for _, e := range fresh {
					printEvent(e)
					lastID = e.ID
				}
			}
		},
	}
	tail.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Poll interval")

	cmd.AddCommand(show, tail)
	return cmd
}

// payloadPreviewLen bounds the inline payload column.
const payloadPreviewLen = 96

func printEvent(e *events.Event) {
	preview := string(e.Payload)
	if len(preview) > payloadPreviewLen {
		preview = preview[:payloadPreviewLen] + "…"
	}
	fmt.Printf("%s  %-24s %s  %s\n",
		e.Timestamp.Format("15:04:05.000"), string(e.Type), e.ID, preview)
}

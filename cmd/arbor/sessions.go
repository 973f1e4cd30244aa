package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/observability"
)

func buildSessionsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete session logs",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "arbor.db", "Path to the event database")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest activity first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tEVENTS\tLAST ACTIVITY\tHEAD")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					info.SessionID, info.EventCount,
					info.LastActivity.Format("2006-01-02 15:04:05"), info.HeadID)
			}
			return w.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}

// openStore opens the database for maintenance commands, wrapped in the
// fork view so lineage reads stitch branches the way the server does.
func openStore(path string) (*events.ForkView, error) {
	log := observability.NewNopLogger()
	store, err := events.OpenSQLite(path, log.Slog())
	if err != nil {
		return nil, err
	}
	return events.NewForkView(store), nil
}

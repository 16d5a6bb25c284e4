package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bluart/internal/capture"
)

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or delete recorded sessions",
	Long: `Lists the sessions recorded in a capture database, newest first, with their
packet and byte counts.

Example:
  bluart sessions --db capture.db
  bluart sessions --db capture.db --json
  bluart sessions --db capture.db --delete 01J9Z3K4T5`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var (
	sessionsDatabase string
	sessionsJSON     bool
	sessionsDelete   []string
)

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDatabase, "db", "", "SQLite capture file (default: capture.database from the config)")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print sessions as JSON")
	sessionsCmd.Flags().StringSliceVar(&sessionsDelete, "delete", nil, "Delete these sessions and their packets")
}

func runSessions(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setupCommand(cmd)
	if err != nil {
		return err
	}

	dbPath := sessionsDatabase
	if dbPath == "" {
		dbPath = cfg.Capture.Database
	}
	if dbPath == "" {
		return errors.New("no capture database: pass --db or set capture.database")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	db, err := openExistingCapture(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if len(sessionsDelete) > 0 {
		for _, id := range sessionsDelete {
			if err := db.DeleteSession(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted session %s\n", id)
		}
		return nil
	}

	sessions, err := db.Sessions(ctx)
	if err != nil {
		return err
	}

	if sessionsJSON {
		if sessions == nil {
			sessions = []capture.SessionInfo{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	return writeSessionsTable(out, sessions)
}

func writeSessionsTable(w io.Writer, sessions []capture.SessionInfo) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tNAME\tSTARTED\tDURATION\tPACKETS\tRX\tTX")
	fmt.Fprintln(tw, strings.Repeat("-", 100))

	for _, s := range sessions {
		duration := "running"
		if !s.EndedAt.IsZero() {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d B\t%d B\n",
			s.ID, s.Address, s.Name, s.StartedAt.Local().Format(time.DateTime), duration,
			s.Packets, s.RxBytes, s.TxBytes)
	}
	return tw.Flush()
}

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/journal"
)

type journalListFlags struct {
	path      string
	sessionID string
	relayID   string
	eventType string
	limit     int
	asJSON    bool
}

func newJournalCommand(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the relay lifecycle journal",
	}
	cmd.AddCommand(newJournalListCommand(rf))
	return cmd
}

func newJournalListCommand(rf *rootFlags) *cobra.Command {
	lf := &journalListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent journal entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, rf, nil)
			if err != nil {
				return err
			}
			path := s.Journal.Path
			if cmd.Flags().Changed("path") {
				path = lf.path
			}
			dsn, err := journal.DSNForFile(path)
			if err != nil {
				return err
			}
			store, err := journal.New(dsn)
			if err != nil {
				return errors.Wrap(err, "open journal")
			}
			defer func() { _ = store.Close() }()

			items, err := store.List(cmd.Context(), journal.Query{
				SessionID: lf.sessionID,
				RelayID:   lf.relayID,
				Type:      lf.eventType,
				Limit:     lf.limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if lf.asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "AT\tTYPE\tSESSION\tRELAY\tFRAGMENTS\tREPLY_BYTES\tDURATION\tREASON")
			for _, e := range items {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					time.UnixMilli(e.AtMs).Format(time.RFC3339),
					e.Type, e.SessionID, e.RelayID, e.Fragments, e.ReplyBytes,
					(time.Duration(e.DurationMs) * time.Millisecond).String(), e.Reason)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&lf.path, "path", "", "SQLite journal file (defaults to journal.path)")
	f.StringVar(&lf.sessionID, "session-id", "", "Only entries for this session")
	f.StringVar(&lf.relayID, "relay-id", "", "Only entries for this relay invocation")
	f.StringVar(&lf.eventType, "type", "", "Only entries of this type (e.g. relay.completed)")
	f.IntVar(&lf.limit, "limit", 20, "Maximum number of entries")
	f.BoolVar(&lf.asJSON, "json", false, "Print entries as JSON")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra/host/internal/server"
	"github.com/orchestra/host/internal/storage"
)

// liveTimeout bounds the request to a running host.
const liveTimeout = 5 * time.Second

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		live  bool
		token string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List session history, or live sessions of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if live {
				return listLiveSessions(cmd.OutOrStdout(), "http://"+cfg.Addr, token)
			}
			return listSessionHistory(cmd.OutOrStdout(), cfg.DBPath, limit)
		},
	}

	f := cmd.Flags()
	f.IntVar(&limit, "limit", 20, "maximum rows to show (0 for all)")
	f.BoolVar(&live, "live", false, "query the running host instead of the history")
	f.StringVar(&token, "token", "", "token for a host that requires authentication")
	return cmd
}

func listSessionHistory(out io.Writer, dbPath string, limit int) error {
	store, err := storage.NewSQLiteStore(dbPath, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListSessions(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKTREE\tSTATUS\tSTARTED\tENDED\tREASON")
	for _, rec := range records {
		ended := "-"
		if !rec.ClosedAt.IsZero() {
			ended = rec.ClosedAt.Local().Format(time.DateTime)
		}
		reason := rec.CloseReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Worktree, rec.Status,
			rec.StartedAt.Local().Format(time.DateTime), ended, reason)
	}
	return w.Flush()
}

func listLiveSessions(out io.Writer, baseURL, token string) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/sessions", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: liveTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("host not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host returned %s", resp.Status)
	}

	var list server.SessionListPayload
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decode session list: %w", err)
	}
	if len(list.Sessions) == 0 {
		fmt.Fprintf(out, "No live sessions (limit %d).\n", list.MaxSessions)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKTREE\tSTATE\tPID\tVIEWERS\tBUFFERED\tSTARTED")
	for _, s := range list.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.ID, s.Seed, s.State, s.Pid, s.Viewers, s.BufferedBytes,
			time.UnixMilli(s.CreatedAt).Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d sessions\n", len(list.Sessions), list.MaxSessions)
	return nil
}

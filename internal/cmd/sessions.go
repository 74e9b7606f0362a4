package cmd

import (
	"encoding/json"
	"errors"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iuriikogan/rlm-sandbox/internal/config"
	"github.com/iuriikogan/rlm-sandbox/internal/store"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded sessions",
		Long:  "Commands for reading sessions saved to the store configured under store.path",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 1 {
				return errors.New("--limit must be positive")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printf(tw, "ID\tSTATUS\tITERATIONS\tCREATED\tQUERY\n")
			for _, r := range rows {
				status := string(r.Status)
				if r.FailureCode != "" {
					status += " (" + string(r.FailureCode) + ")"
				}
				printf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, status, r.Iterations, r.CreatedAt.Format(time.RFC3339), clip(r.Query, 60))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntP("limit", "n", 20, "maximum number of sessions")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one session with its transcript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return storeFor(cfg)
}

func storeFor(cfg *config.Config) (*store.Store, error) {
	if cfg.Store.Path == "" {
		return nil, errors.New("session persistence is disabled; set store.path or RLM_STORE_PATH")
	}
	return store.Open(cfg.Store.Path)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

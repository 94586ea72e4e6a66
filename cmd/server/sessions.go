package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/perry-workspaces/backend/internal/model"
)

var listWorkspace string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg, log)
		if err != nil {
			return err
		}
		defer reg.Close()

		var records []*model.SessionRecord
		if listWorkspace != "" {
			records, err = reg.GetSessionsForWorkspace(cmd.Context(), listWorkspace)
		} else {
			records, err = reg.GetAllSessions(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWORKSPACE\tAGENT\tAGENT SESSION\tPROJECT\tLAST ACTIVITY")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.PerrySessionID,
				r.WorkspaceName,
				r.AgentType,
				orDash(r.AgentSession()),
				orDash(r.Project()),
				r.LastActivity.Local().Format(time.DateTime),
			)
		}
		return w.Flush()
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Forget a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg, log)
		if err != nil {
			return err
		}
		defer reg.Close()

		if err := reg.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	sessionsListCmd.Flags().StringVarP(&listWorkspace, "workspace", "w", "", "Only list sessions of this workspace")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

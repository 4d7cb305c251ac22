package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	listSkip  int
	listLimit int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored transcription sessions",
}

var listSessionsCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored sessions, newest first",
	Args:    cobra.NoArgs,
	RunE:    runListSessions,
}

var getSessionCmd = &cobra.Command{
	Use:   "get <sessionID>",
	Short: "Print one stored session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetSession,
}

var deleteSessionCmd = &cobra.Command{
	Use:     "delete <sessionID>",
	Aliases: []string{"rm"},
	Short:   "Delete a stored session",
	Args:    cobra.ExactArgs(1),
	RunE:    runDeleteSession,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the configured retention policy once",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	listSessionsCmd.Flags().IntVar(&listSkip, "skip", 0, "Number of sessions to skip")
	listSessionsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum sessions to list")
	sessionsCmd.AddCommand(listSessionsCmd, getSessionCmd, deleteSessionCmd)
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return store.Open(cmd.Context(), cfg.Store, logger)
}

func runListSessions(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.List(cmd.Context(), store.ListOptions{Offset: listSkip, Limit: listLimit})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Words", "Duration", "End Reason", "Transcript"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, rec := range records {
		table.Append([]string{
			rec.ID,
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(rec.WordCount),
			fmt.Sprintf("%.2f s", rec.Duration),
			rec.Metadata["end_reason"],
			truncate(rec.Transcript, 60),
		})
	}
	table.Render()
	return nil
}

func runGetSession(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get session %s: %w", args[0], err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runDeleteSession(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete session %s: %w", args[0], err)
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Prune(cmd.Context())
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Printf("removed %d sessions\n", n)
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

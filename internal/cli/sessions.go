package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/raphaelgruber/journalchat/internal/chat"
	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/models"
	"github.com/spf13/cobra"
)

var (
	sessionsPage     int
	sessionsPageSize int
	sessionsSort     string
	sessionsDir      string
	sessionsStats    bool
	sessionsForce    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage chat sessions",
	Long: `List and manage chat sessions.

Subcommands:
  list    List sessions (default)
  show    Print a session transcript
  rename  Rename a session
  delete  Delete a session

Examples:
  journalchat sessions
  journalchat sessions list --sort title --dir asc --stats
  journalchat sessions show 7f3c2a
  journalchat sessions rename 7f3c2a "Sleep review"
  journalchat sessions delete 7f3c2a --force`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <title>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSessionsRename,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	for _, cmd := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		cmd.Flags().IntVar(&sessionsPage, "page", 1, "page number")
		cmd.Flags().IntVarP(&sessionsPageSize, "page-size", "n", 20, "sessions per page")
		cmd.Flags().StringVar(&sessionsSort, "sort", "", "sort field ("+strings.Join(client.SessionSortFields, ", ")+")")
		cmd.Flags().StringVar(&sessionsDir, "dir", "", "sort direction (asc, desc)")
		cmd.Flags().BoolVar(&sessionsStats, "stats", false, "include message counts")
	}
	sessionsDeleteCmd.Flags().BoolVarP(&sessionsForce, "force", "f", false, "skip confirmation")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRenameCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	page, err := apiClient.ListSessions(ctx, client.ListSessionsOptions{
		Page:     sessionsPage,
		PageSize: sessionsPageSize,
		SortBy:   sessionsSort,
		SortDir:  sessionsDir,
	})
	if err != nil {
		return err
	}

	if len(page.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	var stats map[string]models.SessionStats
	if sessionsStats {
		ids := make([]string, len(page.Sessions))
		for i, s := range page.Sessions {
			ids[i] = s.ID
		}
		stats, err = apiClient.GetStatsForSessions(ctx, ids)
		if err != nil {
			// Stats only enrich the listing.
			logger.Warn("could not load session stats", "error", err)
		}
	}

	fmt.Printf("Sessions (page %d, %d of %d):\n\n", page.Page, len(page.Sessions), page.Total)
	for _, s := range page.Sessions {
		var st *models.SessionStats
		if v, ok := stats[s.ID]; ok {
			st = &v
		}
		fmt.Println(formatSession(s, st))
	}

	if page.PageSize > 0 && page.Page*page.PageSize < page.Total {
		fmt.Printf("\nMore sessions available, use --page %d\n", page.Page+1)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	session, err := apiClient.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	messages, err := apiClient.ListMessages(ctx, session.ID)
	if err != nil {
		return err
	}

	fmt.Println(defaultTheme.assistantStyle().Render(session.Title))
	fmt.Printf("ID: %s  Created: %s\n", session.ID, session.CreatedAt.Format("2006-01-02 15:04"))
	if session.PersonaID != nil {
		fmt.Printf("Persona: %s\n", *session.PersonaID)
	}
	fmt.Println()

	width := 0
	if isTerminal(os.Stdout) {
		width = terminalWidth(os.Stdout)
	}
	fmt.Println(renderTranscript(defaultTheme, chat.State{Session: session, Messages: messages}, width))
	return nil
}

func runSessionsRename(cmd *cobra.Command, args []string) error {
	title := strings.Join(args[1:], " ")
	session, err := apiClient.UpdateSession(context.Background(), args[0], client.UpdateSessionInput{Title: &title})
	if err != nil {
		return err
	}
	fmt.Printf("Renamed %s to %q\n", session.ID, session.Title)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !sessionsForce {
		fmt.Printf("About to delete session %s and all its messages\n", id)
		ok, err := confirm(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := apiClient.DeleteSession(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", id)
	return nil
}

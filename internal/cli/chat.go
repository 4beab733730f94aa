package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/raphaelgruber/journalchat/internal/chat"
	"github.com/raphaelgruber/journalchat/internal/models"
	"github.com/spf13/cobra"
)

var (
	chatNew     bool
	chatTitle   string
	chatPersona string
	chatStats   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Open an interactive chat session",
	Long: `Open an interactive chat about your journal.

With a session id the existing conversation is loaded. Without one a new
session is created when you send the first message; --new creates it
immediately.

Inside the chat:
  Enter               send the message
  Esc                 cancel the answer being streamed
  /retry              resend the last message after a failure
  /rename <title>     rename the session
  /persona <name>     switch persona
  /quit, Ctrl+C       leave

Examples:
  journalchat chat
  journalchat chat 7f3c2a
  journalchat chat --new --title "Sleep review" --persona Coach`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatNew, "new", false, "create the session before opening the chat")
	chatCmd.Flags().StringVar(&chatTitle, "title", "", "title for a new session")
	chatCmd.Flags().StringVarP(&chatPersona, "persona", "p", "", "persona id or name")
	chatCmd.Flags().BoolVar(&chatStats, "stats", false, "print request and stream statistics on exit")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 && chatNew {
		return errors.New("--new cannot be combined with a session id")
	}

	personas := loadPersonas(ctx)
	personaID, err := resolvePersona(personas, chatPersona)
	if err != nil {
		return err
	}

	conv := newConversation()
	defer conv.Close()

	switch {
	case len(args) == 1:
		if err := conv.Load(ctx, args[0]); err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		if chatPersona != "" {
			if err := conv.SetPersona(ctx, personaID); err != nil {
				return fmt.Errorf("set persona: %w", err)
			}
		}
	case chatNew:
		title := chatTitle
		if title == "" {
			title = "New chat"
		}
		if _, err := conv.Start(ctx, title, personaID, ""); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	if err := runChatView(conv, chatTitle, personaID, personas); err != nil {
		return err
	}

	if chatStats {
		printStats(os.Stderr, collector.Snapshot())
	}
	return nil
}

// newConversation creates a conversation wired to the global client.
func newConversation() *chat.Conversation {
	return chat.NewConversation(apiClient, chat.Options{
		IdleTimeout: cfg.StreamIdleTimeout,
		Logger:      logger,
		Metrics:     collector,
	})
}

// loadPersonas fetches personas for name resolution. Failures are logged
// and leave the list empty.
func loadPersonas(ctx context.Context) []models.Persona {
	personas, err := apiClient.ListPersonas(ctx)
	if err != nil {
		logger.Warn("could not load personas", "error", err)
		return nil
	}
	return personas
}

// resolvePersona turns a persona id or name into an id. An empty value
// falls back to the configured default; "" leaves the choice to the backend.
func resolvePersona(personas []models.Persona, idOrName string) (string, error) {
	if idOrName == "" {
		idOrName = cfg.DefaultPersona
	}
	if idOrName == "" {
		return "", nil
	}
	if p := models.FindPersona(personas, idOrName); p != nil {
		return p.ID, nil
	}
	if len(personas) == 0 {
		// Nothing to check against; let the backend validate it.
		return idOrName, nil
	}
	return "", fmt.Errorf("unknown persona %q", idOrName)
}

func personaLabel(p models.Persona) string {
	if p.Icon != "" {
		return p.Icon + " " + p.Name
	}
	return p.Name
}

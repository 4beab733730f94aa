package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/raphaelgruber/journalchat/internal/chat"
	"github.com/raphaelgruber/journalchat/internal/models"
	"github.com/spf13/cobra"
)

var (
	askSession string
	askTitle   string
	askPersona string
	askStats   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question and stream the answer to stdout",
	Long: `Ask a single question about your journal and print the streamed answer.

Without --session a new session is created for the question. Press Ctrl+C
to stop the answer early; the partial answer is kept in the session.

Examples:
  journalchat ask "What did I write about sleep last week?"
  journalchat ask --session 7f3c2a "And the week before?"
  journalchat ask --persona Coach --title "Goals" "Which goals did I mention in March?"
  journalchat ask "Summarise my travel entries" --stats`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "continue an existing session")
	askCmd.Flags().StringVar(&askTitle, "title", "", "title for the new session (default: derived from the question)")
	askCmd.Flags().StringVarP(&askPersona, "persona", "p", "", "persona id or name")
	askCmd.Flags().BoolVar(&askStats, "stats", false, "print request and stream statistics to stderr")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	question := strings.Join(args, " ")
	if askSession != "" && askTitle != "" {
		return errors.New("--title only applies to new sessions")
	}

	var personaID string
	if askPersona != "" || askSession == "" {
		var err error
		personaID, err = resolvePersona(loadPersonas(ctx), askPersona)
		if err != nil {
			return err
		}
	}

	conv := newConversation()
	defer conv.Close()

	printer := newStreamPrinter(os.Stdout, conv.Store())
	conv.Store().OnChange(printer.update)

	if askSession != "" {
		if err := conv.Load(ctx, askSession); err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		if askPersona != "" {
			if err := conv.SetPersona(ctx, personaID); err != nil {
				return fmt.Errorf("set persona: %w", err)
			}
		}
		if err := conv.Send(ctx, question); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	} else {
		session, err := conv.Start(ctx, askTitle, personaID, question)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if isTerminal(os.Stderr) {
			fmt.Fprintln(os.Stderr, defaultTheme.hintStyle().Render("Session "+session.ID))
		}
	}

	interrupted := false
	if done := conv.Done(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			interrupted = true
			conv.Cancel()
			<-done
		}
	}
	printer.update()
	fmt.Fprintln(os.Stdout)

	if msg, ok := printer.message(); ok {
		if len(msg.Citations) > 0 {
			fmt.Fprintln(os.Stdout, renderCitations(defaultTheme, msg.Citations))
		}
		if msg.Failed && !interrupted {
			fmt.Fprintln(os.Stderr, defaultTheme.errorStyle().Render("✗ "+msg.Error))
		}
	}

	if askStats {
		fmt.Fprintln(os.Stderr)
		printStats(os.Stderr, collector.Snapshot())
	}

	if interrupted {
		return errors.New("cancelled")
	}
	if err := conv.StreamErr(); err != nil {
		return err
	}
	return nil
}

// streamPrinter writes the newest assistant message to w as it grows.
// History loaded from the backend is never printed.
type streamPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	store   *chat.Store
	msgID   string
	printed int
	last    models.Message
}

func newStreamPrinter(w io.Writer, store *chat.Store) *streamPrinter {
	return &streamPrinter{w: w, store: store}
}

// update prints content added since the last call.
func (p *streamPrinter) update() {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.store.State()
	for i := len(st.Messages) - 1; i >= 0; i-- {
		msg := st.Messages[i]
		if msg.Role != models.RoleAssistant || !msg.Local {
			continue
		}
		if msg.ID != p.msgID {
			p.msgID = msg.ID
			p.printed = 0
		}
		if len(msg.Content) > p.printed {
			_, _ = io.WriteString(p.w, msg.Content[p.printed:])
			p.printed = len(msg.Content)
		}
		p.last = msg
		return
	}
}

// message returns the assistant message seen last.
func (p *streamPrinter) message() (models.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.msgID != ""
}

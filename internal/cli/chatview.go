package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textinput"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/journalchat/internal/chat"
	"github.com/raphaelgruber/journalchat/internal/models"
)

// callTimeout bounds the REST calls the view issues on user input.
const callTimeout = 30 * time.Second

// storeChangedMsg signals that the conversation store has new state.
type storeChangedMsg struct{}

// actionDoneMsg carries the result of a send, retry, rename or persona change.
type actionDoneMsg struct {
	action string
	err    error
}

// chatModel is the bubbletea model for an interactive chat session.
type chatModel struct {
	conv      *chat.Conversation
	changes   chan struct{}
	quit      chan struct{}
	input     textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	theme     Theme
	state     chat.State
	title     string
	personaID string
	personas  []models.Persona
	pending   bool
	status    string
	width     int
	height    int
}

// newChatModel creates a chat model bound to conv. newTitle and personaID
// are used when the first message creates the session.
func newChatModel(conv *chat.Conversation, newTitle, personaID string, personas []models.Persona) *chatModel {
	input := textinput.New()
	input.Placeholder = "Ask about your journal (/retry, /rename <title>, /persona <id>, /quit)"
	input.CharLimit = 4000
	input.Focus()

	m := &chatModel{
		conv:      conv,
		changes:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
		input:     input,
		viewport:  viewport.New(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		theme:     defaultTheme,
		title:     newTitle,
		personaID: personaID,
		personas:  personas,
	}
	conv.Store().OnChange(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	m.state = conv.Store().State()
	return m
}

// Init starts listening for store changes.
func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(m.waitForChange(), textinput.Blink, m.spinner.Tick)
}

// waitForChange blocks until the store reports a change.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m *chatModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return storeChangedMsg{}
		case <-m.quit:
			return nil
		}
	}
}

// Update handles messages and returns the updated model.
func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width - 4)
		m.viewport.SetWidth(msg.Width)
		m.viewport.SetHeight(max(msg.Height-5, 1))
		m.refresh()
		return m, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.exit()
		case "esc":
			if m.state.Streaming() {
				m.status = "Cancelled"
				return m, m.cancelStream()
			}
			return m, nil
		case "enter":
			return m, m.submit()
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case storeChangedMsg:
		m.state = m.conv.Store().State()
		m.refresh()
		return m, m.waitForChange()

	case actionDoneMsg:
		m.pending = false
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.status = ""
		}
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit dispatches the composer contents as a message or slash command.
func (m *chatModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.pending {
		return nil
	}
	name, arg := parseCommand(text)
	if name == "quit" {
		return m.exit()
	}
	// Sending is disabled while a response streams; Esc cancels it first.
	if m.state.Streaming() && name != "rename" && name != "persona" {
		m.status = "Still answering, press Esc to cancel"
		return nil
	}

	m.input.Reset()
	m.pending = true
	m.status = ""

	switch name {
	case "retry":
		return m.run("Retry", func(ctx context.Context) error { return m.conv.Retry(ctx) })
	case "rename":
		return m.run("Rename", func(ctx context.Context) error { return m.conv.Rename(ctx, arg) })
	case "persona":
		id := m.lookupPersona(arg)
		return m.run("Persona change", func(ctx context.Context) error { return m.conv.SetPersona(ctx, id) })
	case "":
		if m.state.Session == nil {
			return m.run("Create session", func(ctx context.Context) error {
				_, err := m.conv.Start(ctx, m.title, m.personaID, text)
				return err
			})
		}
		return m.run("Send", func(ctx context.Context) error { return m.conv.Send(ctx, text) })
	default:
		m.pending = false
		m.status = fmt.Sprintf("Unknown command /%s", name)
		return nil
	}
}

// run executes fn off the update loop and reports its outcome.
func (m *chatModel) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m *chatModel) cancelStream() tea.Cmd {
	return func() tea.Msg {
		m.conv.Cancel()
		return nil
	}
}

// exit stops the view; the caller closes the conversation once Run returns.
func (m *chatModel) exit() tea.Cmd {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	return tea.Quit
}

// refresh re-renders the transcript into the viewport, following the tail.
func (m *chatModel) refresh() {
	atBottom := m.viewport.AtBottom() || m.state.Streaming()
	m.viewport.SetContent(renderTranscript(m.theme, m.state, m.width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// View renders the chat screen.
func (m *chatModel) View() tea.View {
	v := tea.NewView(m.renderContent())
	v.AltScreen = true
	return v
}

func (m *chatModel) renderContent() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m *chatModel) header() string {
	title := m.title
	if title == "" {
		title = "New chat"
	}
	persona := m.personaID
	if s := m.state.Session; s != nil {
		title = s.Title
		if s.PersonaID != nil {
			persona = *s.PersonaID
		}
	}
	if p := models.FindPersona(m.personas, persona); p != nil {
		persona = personaLabel(*p)
	}
	line := m.theme.assistantStyle().Render(title)
	if persona != "" {
		line += " " + m.theme.hintStyle().Render("· "+persona)
	}
	return line
}

func (m *chatModel) statusLine() string {
	switch {
	case m.status != "":
		return m.theme.errorStyle().Render(m.status)
	case m.state.Error != "":
		return m.theme.errorStyle().Render(m.state.Error)
	case m.state.Streaming():
		return m.spinner.View() + " " + m.theme.hintStyle().Render("Answering... (Esc to cancel)")
	case m.pending:
		return m.theme.hintStyle().Render("Sending...")
	default:
		return m.theme.hintStyle().Render("Enter to send · Ctrl+C to quit")
	}
}

// lookupPersona maps a persona id or name typed by the user to its id.
// Names match case-insensitively. Unknown input is passed through.
func (m *chatModel) lookupPersona(nameOrID string) string {
	if p := models.FindPersona(m.personas, nameOrID); p != nil {
		return p.ID
	}
	for _, p := range m.personas {
		if strings.EqualFold(p.Name, nameOrID) {
			return p.ID
		}
	}
	return nameOrID
}

// parseCommand splits "/name arg" input. Plain text returns an empty name.
func parseCommand(text string) (name, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(text, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// runChatView runs the interactive chat UI until the user quits.
func runChatView(conv *chat.Conversation, newTitle, personaID string, personas []models.Persona) error {
	model := newChatModel(conv, newTitle, personaID, personas)
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	return nil
}

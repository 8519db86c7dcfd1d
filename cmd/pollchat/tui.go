package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/pollchat"
)

var chatStream bool

func init() {
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "Also listen on the websocket for immediate refreshes")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat client",
	RunE: func(cmd *cobra.Command, args []string) error {
		logPath, err := logFilePath()
		if err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.Wrap(err, "cannot open log file")
		}
		defer logFile.Close()

		s, err := openAuthedSession(logFile)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events := pollchat.NewEvents()
		app := pollchat.NewApp(s.client, append(s.engineOptions(), pollchat.WithEvents(events))...)
		defer app.Close()

		p := tea.NewProgram(newChatModel(ctx, app, s), tea.WithAltScreen())

		// Engine events arrive on poll goroutines; coalesce them into a
		// single pending redraw so emitters never wait on the UI loop.
		redraw := make(chan struct{}, 1)
		events.On(pollchat.EventAny, func(event string, _ any) {
			if event == pollchat.EventSessionLogout {
				go p.Send(loggedOutMsg{})
				return
			}
			select {
			case redraw <- struct{}{}:
			default:
			}
		})
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-redraw:
					p.Send(engineMsg{})
				}
			}
		}()

		_, err = p.Run()
		return err
	},
}

// ============================================================================
// Styles
// ============================================================================

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")
	activeBorder   = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1).
			MarginRight(1)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(secondaryColor).
				Bold(true).
				PaddingLeft(1).
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(secondaryColor)

	unselectedItemStyle = lipgloss.NewStyle().
				PaddingLeft(2)

	chatWindowStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().Foreground(secondaryColor)
	badgeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(errorColor).Padding(0, 1)
	ownStyle    = lipgloss.NewStyle().Foreground(secondaryColor)
	otherStyle  = lipgloss.NewStyle().Foreground(primaryColor)
	seenStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#38BDF8"))
)

// ============================================================================
// Messages
// ============================================================================

type (
	startedMsg   struct{ err error }
	engineMsg    struct{}
	loggedOutMsg struct{}
	clockMsg     time.Time
	sentMsg      struct{ err error }
	toggledMsg   struct{ err error }
	selectedMsg  struct{ err error }
)

type pane int

const (
	paneSidebar pane = iota
	paneSearch
	paneChat
)

// ============================================================================
// Model
// ============================================================================

type chatModel struct {
	ctx     context.Context
	app     *pollchat.App
	session *session

	search   textinput.Model
	input    textinput.Model
	viewport viewport.Model

	focus        pane
	cursor       int
	width        int
	height       int
	sidebarWidth int

	started bool
	notice  string
	err     error
}

func newChatModel(ctx context.Context, app *pollchat.App, s *session) chatModel {
	search := textinput.New()
	search.Placeholder = "Search users"
	search.Prompt = "/ "
	search.CharLimit = 64

	input := textinput.New()
	input.Placeholder = pollchat.PlaceholderEnabled
	input.CharLimit = 2000

	return chatModel{
		ctx:      ctx,
		app:      app,
		session:  s,
		search:   search,
		input:    input,
		viewport: viewport.New(80, 20),
	}
}

func (m chatModel) startApp() tea.Cmd {
	return func() tea.Msg {
		err := m.app.Start(m.ctx)
		if err == nil && chatStream {
			if serr := m.app.AttachStream(m.ctx, pollchat.StreamConfig{AutoReconnect: true, Logger: m.session.logger}); serr != nil {
				m.session.logger.Warn().Err(serr).Msg("stream unavailable, polling only")
			}
		}
		return startedMsg{err: err}
	}
}

func clockTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(m.startApp(), clockTick(), textinput.Blink)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case startedMsg:
		if msg.err != nil {
			if errors.Is(msg.err, pollchat.ErrLoggedOut) {
				m.err = errors.New("session expired; run 'pollchat login' again")
			} else {
				m.err = msg.err
			}
			return m, nil
		}
		m.started = true
		m.refreshConversation()

	case engineMsg:
		m.clampCursor()
		m.refreshConversation()

	case clockMsg:
		// Last-seen text is relative to now.
		cmds = append(cmds, clockTick())

	case loggedOutMsg:
		m.err = errors.New("logged out")
		return m, nil

	case selectedMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
		m.refreshConversation()

	case sentMsg:
		if msg.err != nil {
			m.notice = "send failed: " + msg.err.Error()
		} else {
			m.notice = ""
		}
		if conv := m.app.Conversation(); conv != nil {
			m.input.SetValue(conv.Draft())
		}
		m.refreshConversation()

	case toggledMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
		m.refreshConversation()

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.refreshConversation()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "ctrl+b":
		return m, m.toggleBlock()
	}
	if m.err != nil || !m.started {
		if msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil
	}

	switch m.focus {
	case paneSidebar:
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.app.Sidebar().Entries())-1 {
				m.cursor++
			}
		case "/":
			m.focus = paneSearch
			m.search.Focus()
			return m, textinput.Blink
		case "enter", "l", "right":
			return m, m.selectCurrent()
		case "tab":
			if conv := m.app.Conversation(); conv != nil && conv.Peer() != nil {
				m.focusChat()
			}
		case "L":
			m.app.Logout()
			return m, tea.Quit
		}

	case paneSearch:
		switch msg.String() {
		case "esc", "enter":
			m.focus = paneSidebar
			m.search.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		m.app.Sidebar().SetSearch(m.search.Value())
		m.cursor = 0
		return m, cmd

	case paneChat:
		conv := m.app.Conversation()
		if conv == nil {
			return m, nil
		}
		switch msg.String() {
		case "esc", "tab":
			m.focus = paneSidebar
			m.input.Blur()
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case "enter":
			if !conv.InputEnabled() {
				return m, nil
			}
			return m, func() tea.Msg {
				_, err := conv.Submit(m.ctx)
				return sentMsg{err: err}
			}
		}
		if !conv.InputEnabled() {
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		conv.SetDraft(m.input.Value())
		return m, cmd
	}
	return m, nil
}

func (m *chatModel) focusChat() {
	m.focus = paneChat
	m.input.Focus()
}

func (m *chatModel) selectCurrent() tea.Cmd {
	entries := m.app.Sidebar().Entries()
	if m.cursor >= len(entries) {
		return nil
	}
	u := entries[m.cursor].User
	m.focusChat()
	m.notice = ""
	return func() tea.Msg {
		return selectedMsg{err: m.app.SelectUser(m.ctx, &u)}
	}
}

func (m chatModel) toggleBlock() tea.Cmd {
	conv := m.app.Conversation()
	if conv == nil || !conv.CanToggleBlock() {
		return nil
	}
	return func() tea.Msg {
		return toggledMsg{err: conv.ToggleBlock(m.ctx)}
	}
}

func (m *chatModel) clampCursor() {
	n := len(m.app.Sidebar().Entries())
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *chatModel) resize(width, height int) {
	m.width, m.height = width, height
	m.sidebarWidth = width / 4
	if m.sidebarWidth < 28 {
		m.sidebarWidth = 28
	}
	chatWidth := width - m.sidebarWidth - 4
	chatHeight := height - 2

	m.viewport = viewport.New(chatWidth-4, chatHeight-7)
	m.input.Width = chatWidth - 6
	m.search.Width = m.sidebarWidth - 6
}

// refreshConversation syncs the composer and message pane with the engine.
func (m *chatModel) refreshConversation() {
	conv := m.app.Conversation()
	if conv == nil {
		return
	}
	v := conv.View()
	m.input.Placeholder = v.Placeholder
	if !v.InputEnabled {
		m.input.Blur()
	} else if m.focus == paneChat {
		m.input.Focus()
	}

	me := m.app.Me()
	if me == nil || v.Peer == nil {
		m.viewport.SetContent(mutedStyle.Render("Select a user to start chatting."))
		return
	}

	var b strings.Builder
	for _, msg := range v.Messages {
		stamp := mutedStyle.Render(pollchat.FormatTimestamp(msg.Timestamp))
		if msg.Mine(me.ID) {
			ticks, state := msg.Ticks()
			if state == pollchat.TickSeen {
				ticks = seenStyle.Render(ticks)
			} else {
				ticks = mutedStyle.Render(ticks)
			}
			fmt.Fprintf(&b, "%s %s: %s %s\n", stamp, ownStyle.Render("you"), msg.Content, ticks)
		} else {
			fmt.Fprintf(&b, "%s %s: %s\n", stamp, otherStyle.Render(v.Peer.Username), msg.Content)
		}
	}
	if len(v.Messages) == 0 {
		b.WriteString(mutedStyle.Render("No messages yet"))
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// ============================================================================
// View
// ============================================================================

func (m chatModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if !m.started {
		return mutedStyle.Render("Connecting to " + m.session.client.BaseURL() + " ...")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), m.chatView())
}

func (m chatModel) sidebarView() string {
	var b strings.Builder
	title := "Chats"
	if me := m.app.Me(); me != nil {
		title = me.Username
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(m.search.View() + "\n\n")

	entries := m.app.Sidebar().Entries()
	if len(entries) == 0 {
		b.WriteString(mutedStyle.Render("No users found"))
	}
	for i, e := range entries {
		dot := mutedStyle.Render("○")
		if e.Online {
			dot = onlineStyle.Render("●")
		}
		line := fmt.Sprintf("%s %s", dot, e.User.Username)
		if e.Unread > 0 {
			line += " " + badgeStyle.Render(fmt.Sprint(e.Unread))
		}
		preview := mutedStyle.Render(truncate(e.User.Preview(), m.sidebarWidth-10) + " " + e.User.PreviewTime())

		style := unselectedItemStyle
		if e.Active || (i == m.cursor && m.focus != paneChat) {
			style = selectedItemStyle
		}
		b.WriteString(style.Render(line+"\n"+preview) + "\n")
	}

	style := sidebarStyle.Width(m.sidebarWidth - 2).Height(m.height - 2)
	if m.focus != paneChat {
		style = style.BorderForeground(activeBorder)
	}
	return style.Render(b.String())
}

func (m chatModel) chatView() string {
	chatWidth := m.width - m.sidebarWidth - 4
	conv := m.app.Conversation()

	header := "No conversation"
	footer := mutedStyle.Render("enter: open  /: search  L: logout  q: quit")
	if conv != nil {
		if v := conv.View(); v.Peer != nil {
			header = v.Peer.Username + "  " + mutedStyle.Render(v.Status)
			hints := "enter: send  esc: back  pgup/pgdn: scroll"
			if v.CanToggle {
				hints += "  ctrl+b: " + strings.ToLower(v.BlockLabel)
			}
			footer = m.input.View() + "\n" + mutedStyle.Render(hints)
		}
	}
	if m.notice != "" {
		footer += "\n" + errorStyle.Render(m.notice)
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Width(chatWidth-2).Render(header),
		m.viewport.View(),
		footerStyle.Width(chatWidth-2).Render(footer),
	)
	style := chatWindowStyle.Width(chatWidth).Height(m.height - 2)
	if m.focus == paneChat {
		style = style.BorderForeground(activeBorder)
	}
	return style.Render(body)
}

func truncate(s string, n int) string {
	if n <= 1 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

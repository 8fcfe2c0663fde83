package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/config"
	"github.com/user/smqterm/internal/conversation"
	"github.com/user/smqterm/internal/task"
	"github.com/user/smqterm/internal/transport"
	"github.com/user/smqterm/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("session", "default", "session name")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive console session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		name, _ := cmd.Flags().GetString("session")

		p := tea.NewProgram(newChatModel(cfg, name), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("run chat: %w", err)
		}
		return nil
	},
}

type chatStyles struct {
	header      lipgloss.Style
	user        lipgloss.Style
	assistant   lipgloss.Style
	system      lipgloss.Style
	errorTurn   lipgloss.Style
	stageDone   lipgloss.Style
	stageError  lipgloss.Style
	stageActive lipgloss.Style
	status      lipgloss.Style
	footer      lipgloss.Style
}

func newChatStyles() chatStyles {
	var (
		mint  = lipgloss.Color("#05ffa1")
		blue  = lipgloss.Color("#01cdfe")
		pink  = lipgloss.Color("#ff71ce")
		muted = lipgloss.Color("#6b7089")
	)
	return chatStyles{
		header:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		user:        lipgloss.NewStyle().Foreground(mint).Bold(true),
		assistant:   lipgloss.NewStyle().Foreground(blue).Bold(true),
		system:      lipgloss.NewStyle().Foreground(muted),
		errorTurn:   lipgloss.NewStyle().Foreground(pink).Bold(true),
		stageDone:   lipgloss.NewStyle().Foreground(mint),
		stageError:  lipgloss.NewStyle().Foreground(pink),
		stageActive: lipgloss.NewStyle().Foreground(blue).Bold(true),
		status:      lipgloss.NewStyle().Foreground(blue),
		footer:      lipgloss.NewStyle().Foreground(muted),
	}
}

type chatModel struct {
	cfg         *config.Config
	sessionName string
	styles      chatStyles

	con     *console
	inbound chan tea.Msg
	counter *conversation.TokenCounter

	turns      []types.Turn
	displayed  map[types.StageID]types.StageStatus
	stageOrder []types.StageID
	connState  transport.State

	inflight bool
	waiting  bool
	status   string

	width  int
	height int

	input      textinput.Model
	transcript viewport.Model
	spinner    spinner.Model
}

type connectedMsg struct {
	con *console
	err error
}

type convMsg struct{ turns []types.Turn }

type stageMsg struct {
	displayed map[types.StageID]types.StageStatus
}

type connStateMsg struct{ state transport.State }

type outcomeMsg struct{ out task.Outcome }

func newChatModel(cfg *config.Config, sessionName string) chatModel {
	input := textinput.New()
	input.Prompt = "❯ "
	input.Placeholder = "Ask about your data"
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	counter, err := conversation.NewTokenCounter(cfg.TokenModel)
	if err != nil {
		counter = nil
	}

	return chatModel{
		cfg:         cfg,
		sessionName: sessionName,
		styles:      newChatStyles(),
		inbound:     make(chan tea.Msg, 64),
		counter:     counter,
		displayed:   map[types.StageID]types.StageStatus{},
		connState:   transport.StateConnecting,
		status:      "connecting...",
		input:       input,
		transcript:  viewport.New(0, 0),
		spinner:     sp,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, m.connectCmd())
}

func (m chatModel) connectCmd() tea.Cmd {
	cfg := m.cfg
	name := m.sessionName
	ch := m.inbound
	return func() tea.Msg {
		con, err := connect(context.Background(), cfg, name)
		if err != nil {
			return connectedMsg{err: err}
		}
		con.controller.Conversation().OnUpdate(func(turns []types.Turn) {
			ch <- convMsg{turns: turns}
		})
		con.controller.Display().OnChange(func(displayed map[types.StageID]types.StageStatus) {
			ch <- stageMsg{displayed: displayed}
		})
		con.session.OnStateChange(func(state transport.State) {
			if state == transport.StateClosed {
				con.controller.Conversation().AddSystem("Connection to the backend was lost.")
			}
			ch <- connStateMsg{state: state}
		})
		return connectedMsg{con: con}
	}
}

func waitInbound(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-ch }
}

func awaitOutcome(done <-chan task.Outcome) tea.Cmd {
	return func() tea.Msg { return outcomeMsg{out: <-done} }
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case connectedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("connect failed: %v", msg.err)
			return m, nil
		}
		m.con = msg.con
		m.connState = m.con.session.State()
		m.status = "ready"
		cmds = append(cmds, waitInbound(m.inbound))

	case convMsg:
		m.turns = msg.turns
		m.waiting = m.con != nil && m.con.controller.Pipeline().Waiting()
		m.renderTranscript()
		cmds = append(cmds, waitInbound(m.inbound))

	case stageMsg:
		m.displayed = msg.displayed
		for stage := range msg.displayed {
			if !containsStage(m.stageOrder, stage) {
				m.stageOrder = append(m.stageOrder, stage)
			}
		}
		m.waiting = m.con != nil && m.con.controller.Pipeline().Waiting()
		cmds = append(cmds, waitInbound(m.inbound))

	case connStateMsg:
		m.connState = msg.state
		cmds = append(cmds, waitInbound(m.inbound))

	case outcomeMsg:
		m.inflight = false
		m.waiting = false
		m.status = fmt.Sprintf("task %s", msg.out.Kind)
		m.renderTranscript()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.transcript.Width = msg.Width
		m.transcript.Height = maxInt(3, msg.Height-6)
		m.input.Width = maxInt(20, msg.Width-4)
		m.renderTranscript()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.con != nil {
				if m.inflight {
					_ = m.con.controller.Cancel()
				}
				m.con.close()
			}
			return m, tea.Quit
		case "esc":
			if m.con != nil && m.inflight {
				_ = m.con.controller.Cancel()
				m.status = "cancelling"
			}
		case "enter":
			if cmd := m.submit(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.transcript, cmd = m.transcript.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit sends the input line: a fresh task when idle, an answer when the
// agent is waiting on a clarification.
func (m *chatModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.con == nil {
		return nil
	}

	if m.inflight {
		if !m.waiting {
			m.status = "a task is already running (esc cancels)"
			return nil
		}
		if err := m.con.controller.Answer(text); err != nil {
			m.status = fmt.Sprintf("answer failed: %v", err)
			return nil
		}
		m.waiting = false
		m.status = "answer sent"
		m.input.Reset()
		return nil
	}

	done, err := m.con.controller.Submit(context.Background(), text, task.Options{
		PromptType: m.cfg.Backend.PromptType,
		AgentType:  m.cfg.Backend.AgentType,
	})
	if err != nil {
		m.status = fmt.Sprintf("submit failed: %v", err)
		return nil
	}
	m.inflight = true
	m.stageOrder = nil
	m.displayed = map[types.StageID]types.StageStatus{}
	m.status = "working"
	m.input.Reset()
	return awaitOutcome(done)
}

func (m *chatModel) renderTranscript() {
	var b strings.Builder
	for _, turn := range m.turns {
		b.WriteString(m.roleLabel(turn.Role))
		b.WriteString(" ")
		b.WriteString(turn.Content)
		if turn.Results != nil && turn.Results.SQLQuery != "" {
			b.WriteString("\n")
			b.WriteString(m.styles.system.Render("sql: " + turn.Results.SQLQuery))
		}
		b.WriteString("\n\n")
	}
	m.transcript.SetContent(b.String())
	m.transcript.GotoBottom()
}

func (m *chatModel) roleLabel(role types.Role) string {
	switch role {
	case types.RoleUser:
		return m.styles.user.Render("you")
	case types.RoleAssistant:
		return m.styles.assistant.Render("agent")
	case types.RoleError:
		return m.styles.errorTurn.Render("error")
	default:
		return m.styles.system.Render(string(role))
	}
}

// stageStrip renders the live pipeline as one line, in the order stages
// first appeared on screen.
func (m chatModel) stageStrip() string {
	if len(m.stageOrder) == 0 {
		return m.styles.footer.Render("pipeline idle")
	}
	parts := make([]string, 0, len(m.stageOrder))
	for _, stage := range m.stageOrder {
		status, ok := m.displayed[stage]
		if !ok {
			continue
		}
		var part string
		switch status.Status {
		case types.StageComplete:
			part = m.styles.stageDone.Render("✓ " + string(stage))
		case types.StageError:
			part = m.styles.stageError.Render("✗ " + string(stage))
		case types.StageWaiting:
			part = m.styles.stageActive.Render("? " + string(stage))
		default:
			part = m.styles.stageActive.Render(m.spinner.View() + " " + string(stage))
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return m.styles.footer.Render("pipeline idle")
	}
	return strings.Join(parts, "  ")
}

func (m chatModel) View() string {
	header := m.styles.header.Render(
		fmt.Sprintf("smqterm · %s · %s", m.sessionName, m.connState),
	)

	status := m.status
	if m.inflight {
		status = m.spinner.View() + " " + status
	}
	if m.waiting {
		status = "agent needs an answer; type it and press enter"
	}

	footer := m.styles.footer.Render("enter send · esc cancel · ctrl+c quit" + m.tokenNote())

	return strings.Join([]string{
		header,
		m.transcript.View(),
		m.stageStrip(),
		m.styles.status.Render(status),
		m.input.View(),
		footer,
	}, "\n")
}

func (m chatModel) tokenNote() string {
	if m.counter == nil || len(m.turns) == 0 {
		return ""
	}
	return fmt.Sprintf(" · ~%d tokens", m.counter.CountTranscript(m.turns))
}

func containsStage(order []types.StageID, stage types.StageID) bool {
	for _, s := range order {
		if s == stage {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

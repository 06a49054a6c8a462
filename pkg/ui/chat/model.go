package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"parley/pkg/bus"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	roleUser   = "user"
	roleBot    = "bot"
	roleError  = "error"
	roleNotice = "notice"

	wheelStep = 3
	// replyWait is how long the busy indicator shows when nothing comes back.
	replyWait = 3 * time.Second
)

// RuntimeInfo is shown in the header.
type RuntimeInfo struct {
	BotID   string
	Prefix  string
	Storage string
	Audio   bool
}

type chatMessage struct {
	id      string
	role    string
	content string
	edited  bool
}

type outboundMsg struct {
	msg bus.OutboundMessage
}

type busClosedMsg struct{}

type publishedMsg struct {
	ok bool
}

type replyWaitMsg struct {
	seq int
}

type bootTickMsg struct{}

type model struct {
	ctx     context.Context
	bus     *bus.MessageBus
	runtime RuntimeInfo

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	width     int
	height    int
	isReady   bool
	waiting   bool
	waitSeq   int
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	sent      int
	received  int
}

func newModel(ctx context.Context, messageBus *bus.MessageBus, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type a command, e.g. " + info.Prefix + "help"
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:       ctx,
		bus:       messageBus,
		runtime:   info,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  vp,
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitOutboundCmd(m.ctx, m.bus))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		m.messages = append(m.messages, chatMessage{
			role:    roleNotice,
			content: fmt.Sprintf("Connected to %s. Try %shelp.", displayOrNA(m.runtime.BotID), m.runtime.Prefix),
		})
		m.refreshViewport(true)
		return m, textinput.Blink
	case outboundMsg:
		m.applyOutbound(typed.msg)
		return m, waitOutboundCmd(m.ctx, m.bus)
	case busClosedMsg:
		return m, tea.Quit
	case publishedMsg:
		if !typed.ok {
			m.waiting = false
			m.lastErr = "bus closed"
			m.messages = append(m.messages, chatMessage{role: roleError, content: "message was not delivered"})
			m.refreshViewport(false)
		}
		return m, nil
	case replyWaitMsg:
		if typed.seq == m.waitSeq {
			m.waiting = false
		}
		return m, nil
	case tea.MouseMsg:
		if m.handleViewportMouse(typed) {
			return m, nil
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if isExitCommand(text) {
				return m, tea.Quit
			}

			m.lastErr = ""
			m.messages = append(m.messages, chatMessage{role: roleUser, content: text})
			m.input.SetValue("")
			m.waiting = true
			m.waitSeq++
			m.sent++
			m.followLog = true
			m.refreshViewport(true)
			return m, tea.Batch(m.spinner.Tick, publishCmd(m.ctx, m.bus, text), replyWaitCmd(m.waitSeq))
		}
	}

	m.input, cmd = m.input.Update(msg)

	if typed, ok := msg.(spinner.TickMsg); ok {
		if !m.waiting {
			return m, cmd
		}
		var spinCmd tea.Cmd
		m.spinner, spinCmd = m.spinner.Update(typed)
		return m, tea.Batch(cmd, spinCmd)
	}

	return m, cmd
}

// applyOutbound renders one send, edit or delete instruction from the bot.
func (m *model) applyOutbound(out bus.OutboundMessage) {
	m.waiting = false

	switch out.Op {
	case bus.OpEdit:
		if i := m.indexOf(out.MessageID); i >= 0 {
			m.messages[i].content = out.Content
			m.messages[i].edited = true
		}
	case bus.OpDelete:
		if i := m.indexOf(out.MessageID); i >= 0 {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
		}
	default:
		m.received++
		m.messages = append(m.messages, chatMessage{id: out.MessageID, role: roleBot, content: out.Content})
	}

	m.refreshViewport(false)
}

func (m *model) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, message := range m.messages {
		if message.id == id {
			return i
		}
	}

	return -1
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 Parley Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"bot:%s · prefix:%s · storage:%s · audio:%t · sent/received:%d/%d",
		displayOrNA(m.runtime.BotID),
		displayOrNA(m.runtime.Prefix),
		displayOrNA(m.runtime.Storage),
		m.runtime.Audio,
		m.sent,
		m.received,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.waiting {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for the bot...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👤 You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	for _, item := range m.messages {
		style, ok := m.theme.cards[item.role]
		if !ok {
			continue
		}
		body := strings.TrimSpace(item.content)
		if item.edited {
			body = strings.TrimSpace(body + "\n" + m.theme.hint.Render("(edited)"))
		}
		sections = append(sections, style.render(m.viewport.Width, body))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📟 Parley Console")
	meta := m.theme.headerMeta.Render("boot sequence")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ console online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func replyWaitCmd(seq int) tea.Cmd {
	return tea.Tick(replyWait, func(_ time.Time) tea.Msg {
		return replyWaitMsg{seq: seq}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.SetYOffset(m.viewport.YOffset - wheelStep)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.SetYOffset(m.viewport.YOffset + wheelStep)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] power rails stable",
		"[BOOT] loading retro renderer",
		"[BOOT] attaching message bus",
		"[BOOT] registering commands",
	}
}

func publishCmd(ctx context.Context, messageBus *bus.MessageBus, text string) tea.Cmd {
	return func() tea.Msg {
		return publishedMsg{ok: messageBus.PublishInbound(ctx, bus.InboundMessage{Content: text})}
	}
}

func waitOutboundCmd(ctx context.Context, messageBus *bus.MessageBus) tea.Cmd {
	return func() tea.Msg {
		msg, ok := messageBus.SubscribeOutbound(ctx)
		if !ok {
			return busClosedMsg{}
		}
		return outboundMsg{msg: msg}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}

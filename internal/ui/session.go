// Package ui implements the UI Client Session: a short-lived terminal
// frontend that connects to the daemon, registers, replays history, and
// renders streamed turn events. Grounded on
// other_examples/wingedpig-trellis__manager.go's channel-based event
// distribution (daemonclient.Client.Subscribe is the client-side half of
// that, consumed here as the Model's only source of daemon-originated
// messages) and on the bubbletea/bubbles terminal-editor idiom used by
// driverd12-MCP_sandbox_playground's cmd/trichat-tui and
// theRebelliousNerd-codenerd's cmd/nerd/ui pages: a single-line textinput,
// a scrolling viewport, and a waitFrame Cmd that re-arms itself after
// every frame the way trichat-tui's waitBusMsg re-arms after every bus
// event.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jelly-j/jellyj/internal/daemonclient"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/wire"
)

// exitWords are intercepted rather than honored: spec.md's UI client has
// no explicit-exit path, since it's hidden/re-shown via an external
// hotkey and the daemon is managed by the Startup Supervisor.
var exitWords = map[string]bool{"exit": true, "quit": true, "bye": true, "q": true}

// availableAliases is rendered by a bare /model for the user's reference;
// kept separate from model.ModelAlias's own definition so the UI doesn't
// need to import the closed-set constants one at a time.
var availableAliases = []model.ModelAlias{model.ModelAliasOpus, model.ModelAliasHaiku}

type styles struct {
	muted   lipgloss.Style
	errText lipgloss.Style
	tool    lipgloss.Style
	prompt  lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("110")),
		prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("79")).Bold(true),
	}
}

// Session is the UI Client Session's tea.Model. Exported so runner.go can
// construct one and so tests can drive Update directly without a real
// terminal.
type Session struct {
	client        *daemonclient.Client
	sub           chan wire.Frame
	clientID      string
	zellijSession string
	envCtx        *model.EnvContext

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	style    styles

	modelAlias model.ModelAlias
	daemonPID  int

	lineHistory []string
	historyIdx  int

	pendingRequestID string
	streaming        bool

	transcript          []string
	lastLineIsAssistant bool
	connLost            error

	width, height int
}

type frameMsg wire.Frame

type connLostMsg struct{ err error }

// NewSession builds a Session already past the register_client/
// history_snapshot handshake; runner.Run performs that handshake and
// passes its results in.
func NewSession(client *daemonclient.Client, clientID, zellijSession string, env *model.EnvContext, registered wire.RegisteredPayload, snapshot wire.HistorySnapshotPayload) *Session {
	in := textinput.New()
	in.Prompt = "> "
	in.CharLimit = 8000
	in.Placeholder = "message, or /model, /new"
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	s := &Session{
		client:     client,
		sub:        client.Subscribe(),
		clientID:   clientID,
		input:      in,
		viewport:   viewport.New(0, 0),
		spinner:    sp,
		style:      defaultStyles(),
		modelAlias: registered.Model,
		daemonPID:  registered.DaemonPID,
	}
	s.zellijSession = zellijSession
	s.envCtx = env

	for _, entry := range snapshot.Entries {
		s.transcript = append(s.transcript, s.renderHistoryEntry(entry))
	}
	return s
}

func (s *Session) renderHistoryEntry(entry model.HistoryEntry) string {
	switch entry.Role {
	case model.RoleUser:
		return s.style.prompt.Render("you>") + " " + entry.Text
	case model.RoleAssistant:
		return entry.Text
	case model.RoleError:
		return s.style.errText.Render(entry.Text)
	default:
		return s.style.muted.Render(entry.Text)
	}
}

func waitFrame(sub chan wire.Frame) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-sub
		if !ok {
			return connLostMsg{err: fmt.Errorf("ui: connection to daemon was lost")}
		}
		return frameMsg(frame)
	}
}

func (s *Session) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, s.spinner.Tick, waitFrame(s.sub))
}

func (s *Session) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width, s.height = msg.Width, msg.Height
		s.viewport.Width = msg.Width
		s.viewport.Height = msg.Height - 3
		s.input.Width = msg.Width - len(s.input.Prompt) - 1
		s.syncViewport()
		return s, nil

	case tea.KeyMsg:
		return s.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		s.spinner, cmd = s.spinner.Update(msg)
		return s, cmd

	case frameMsg:
		s.applyFrame(wire.Frame(msg))
		s.syncViewport()
		return s, waitFrame(s.sub)

	case connLostMsg:
		s.connLost = msg.err
		s.appendLine(s.style.errText.Render(msg.err.Error()))
		return s, nil
	}

	var cmd tea.Cmd
	s.input, cmd = s.input.Update(msg)
	return s, cmd
}

func (s *Session) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		s.appendLine(s.style.muted.Render("explicit exit is disabled; this client is hidden/shown via its hotkey"))
		return s, nil
	case "up":
		if strings.TrimSpace(s.input.Value()) == "" && s.historyIdx > 0 {
			s.historyIdx--
			s.input.SetValue(s.lineHistory[s.historyIdx])
			s.input.CursorEnd()
		}
		return s, nil
	case "down":
		if strings.TrimSpace(s.input.Value()) == "" || s.historyIdx < len(s.lineHistory) {
			if s.historyIdx < len(s.lineHistory)-1 {
				s.historyIdx++
				s.input.SetValue(s.lineHistory[s.historyIdx])
				s.input.CursorEnd()
			} else {
				s.historyIdx = len(s.lineHistory)
				s.input.SetValue("")
			}
		}
		return s, nil
	case "enter":
		raw := s.input.Value()
		s.input.SetValue("")
		s.historyIdx = len(s.lineHistory)
		return s, s.submit(raw)
	}

	var cmd tea.Cmd
	s.input, cmd = s.input.Update(msg)
	return s, cmd
}

// submit handles one submitted input line per spec.md §4.9: empty lines
// ignored, a leading "/" parsed as a local command, exit words
// intercepted, anything else sent as a chat_request subject to the
// single-outstanding-request policy.
func (s *Session) submit(raw string) tea.Cmd {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	s.lineHistory = append(s.lineHistory, trimmed)
	s.historyIdx = len(s.lineHistory)

	if exitWords[strings.ToLower(trimmed)] {
		s.appendLine(s.style.muted.Render("explicit exit is disabled; this client is hidden/shown via its hotkey"))
		return nil
	}

	if strings.HasPrefix(trimmed, "/") {
		return s.runCommand(trimmed)
	}

	if s.streaming {
		s.appendLine(s.style.muted.Render("a request is already in flight; wait for it to finish"))
		return nil
	}

	s.appendLine(s.style.prompt.Render("you>") + " " + trimmed)
	requestID, err := s.client.SendChat(s.clientID, trimmed, s.zellijSession, s.envCtx)
	if err != nil {
		s.appendLine(s.style.errText.Render("send failed: " + err.Error()))
		return nil
	}
	s.pendingRequestID = requestID
	s.streaming = true
	return nil
}

func (s *Session) runCommand(trimmed string) tea.Cmd {
	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/model":
		return s.runModelCommand(fields[1:])
	case "/new":
		if s.streaming {
			s.appendLine(s.style.muted.Render("a request is already in flight; /new must wait for it to finish"))
			return nil
		}
		requestID, err := s.client.NewSession(s.clientID, s.zellijSession)
		if err != nil {
			s.appendLine(s.style.errText.Render("new_session failed: " + err.Error()))
			return nil
		}
		s.pendingRequestID = requestID
		return nil
	default:
		s.appendLine(s.style.errText.Render("usage error: unrecognized command " + fields[0]))
		return nil
	}
}

func (s *Session) runModelCommand(args []string) tea.Cmd {
	if len(args) == 0 {
		names := make([]string, len(availableAliases))
		for i, a := range availableAliases {
			names[i] = string(a)
		}
		s.appendLine(s.style.muted.Render(fmt.Sprintf("current model: %s (available: %s)", s.modelAlias, strings.Join(names, ", "))))
		return nil
	}
	alias := model.ModelAlias(args[0])
	valid := false
	for _, a := range availableAliases {
		if a == alias {
			valid = true
			break
		}
	}
	if !valid {
		s.appendLine(s.style.errText.Render("usage error: unknown model alias " + args[0]))
		return nil
	}
	if alias == s.modelAlias {
		return nil
	}
	if _, err := s.client.SetModel(s.clientID, alias); err != nil {
		s.appendLine(s.style.errText.Render("set_model failed: " + err.Error()))
	}
	return nil
}

func (s *Session) applyFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.TypeStatusNote:
		var p wire.StatusNotePayload
		if frame.Decode(&p) == nil {
			s.appendLine(s.style.muted.Render(p.Message))
		}
	case wire.TypeChatStart:
		// chat_start carries no renderable text; the next chat_delta opens
		// the assistant's line.
	case wire.TypeChatDelta:
		var p wire.ChatDeltaPayload
		if frame.Decode(&p) == nil {
			s.appendDelta(p.Text)
		}
	case wire.TypeToolUse:
		var p wire.ToolUsePayload
		if frame.Decode(&p) == nil {
			s.appendLine(s.style.tool.Render("[tool] " + p.Name))
		}
	case wire.TypeResultError:
		var p wire.ResultErrorPayload
		if frame.Decode(&p) == nil {
			s.appendLine(s.style.errText.Render(strings.Join(p.Errors, "; ")))
		}
	case wire.TypeChatEnd:
		var p wire.ChatEndPayload
		if frame.Decode(&p) == nil {
			s.modelAlias = p.Model
		}
		s.streaming = false
		s.pendingRequestID = ""
	case wire.TypeModelUpdated:
		var p wire.ModelUpdatedPayload
		if frame.Decode(&p) == nil {
			s.modelAlias = p.Alias
			s.appendLine(s.style.muted.Render("model set to " + string(p.Alias)))
		}
	case wire.TypeError:
		var p wire.ErrorPayload
		if frame.Decode(&p) == nil {
			s.appendLine(s.style.errText.Render(p.Message))
		}
	}
}

// appendDelta streams text onto the current assistant line rather than
// starting a new transcript line per delta, matching spec.md's
// chat_delta-as-streamed-text rendering.
func (s *Session) appendDelta(text string) {
	if len(s.transcript) == 0 || !s.lastLineIsAssistant {
		s.transcript = append(s.transcript, "")
		s.lastLineIsAssistant = true
	}
	s.transcript[len(s.transcript)-1] += text
}

func (s *Session) appendLine(line string) {
	s.transcript = append(s.transcript, line)
	s.lastLineIsAssistant = false
}

func (s *Session) syncViewport() {
	s.viewport.SetContent(strings.Join(s.transcript, "\n"))
	s.viewport.GotoBottom()
}

func (s *Session) View() string {
	var b strings.Builder
	status := string(s.modelAlias)
	if s.streaming {
		status = s.spinner.View() + " " + status
	}
	b.WriteString(s.style.muted.Render(fmt.Sprintf("jellyj · daemon pid %d · model %s", s.daemonPID, status)))
	b.WriteString("\n")
	b.WriteString(s.viewport.View())
	b.WriteString("\n")
	if s.connLost != nil {
		b.WriteString(s.style.errText.Render("disconnected: " + s.connLost.Error()))
		b.WriteString("\n")
	}
	b.WriteString(s.input.View())
	return b.String()
}

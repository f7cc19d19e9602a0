// Package console is the interactive terminal view of the fleet.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"fleetconsole/internal/approvals"
	"fleetconsole/internal/configqueue"
	"fleetconsole/internal/fleet"
	"fleetconsole/internal/gateway"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

const deleteConfirmWindow = 3 * time.Second

type Options struct {
	Engine    *fleet.Engine
	Transport gateway.Transport
	// Lifecycle is optional; without it agent create/rename/delete are disabled.
	Lifecycle *configqueue.Lifecycle
	Queue     *configqueue.Queue
	Logf      func(format string, args ...any)
}

// Run shows the console until the user quits or ctx ends.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	if opts.Engine == nil {
		return errors.New("console requires an engine")
	}
	if f, ok := out.(*os.File); ok {
		if !term.IsTerminal(int(f.Fd())) {
			return fmt.Errorf("stdout is not a TTY; use the watch command")
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(ctx, opts)
	unsub := m.subscribe()
	defer unsub()

	prog := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	go func() {
		<-ctx.Done()
		prog.Quit()
	}()
	_, err := prog.Run()
	return err
}

type mode int

const (
	modeChat mode = iota
	modeCreate
	modeRename
)

type model struct {
	ctx       context.Context
	engine    *fleet.Engine
	store     *fleet.Store
	approvals *approvals.Queue
	lifecycle *configqueue.Lifecycle
	queue     *configqueue.Queue
	transport gateway.Transport
	logf      func(format string, args ...any)
	now       func() time.Time

	events chan tea.Msg

	width  int
	height int

	agents   []fleet.AgentState
	selected string

	input    textinput.Model
	viewport viewport.Model
	mode     mode

	notice    string
	noticeErr bool

	deleteConfirmID string
	deleteConfirmAt time.Time

	stickToBottom bool
	spinnerFrame  int
}

type storeChangedMsg struct{}

type tickMsg struct{}

type actionDoneMsg struct {
	What    string
	AgentID string
	Err     error
}

func newModel(ctx context.Context, opts Options) model {
	inp := textinput.New()
	inp.Placeholder = "Type a message…"
	inp.Prompt = "› "
	inp.CharLimit = 0
	inp.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	m := model{
		ctx:           ctx,
		engine:        opts.Engine,
		store:         opts.Engine.Store(),
		approvals:     opts.Engine.Approvals(),
		lifecycle:     opts.Lifecycle,
		queue:         opts.Queue,
		transport:     opts.Transport,
		logf:          logf,
		now:           time.Now,
		events:        make(chan tea.Msg, 1),
		input:         inp,
		viewport:      vp,
		stickToBottom: true,
	}
	m.refresh()
	return m
}

// subscribe forwards store writes to the program as a single pending refresh.
func (m model) subscribe() func() {
	events := m.events
	return m.store.Subscribe(func([]string) {
		select {
		case events <- storeChangedMsg{}:
		default:
		}
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tickCmd(), waitEventCmd(m.ctx, m.events))
}

func tickCmd() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

func waitEventCmd(ctx context.Context, ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-ch:
			return msg
		case <-ctx.Done():
			return nil
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rerender()
		return m, nil
	case storeChangedMsg:
		m.refresh()
		return m, waitEventCmd(m.ctx, m.events)
	case tickMsg:
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		if m.deleteConfirmID != "" && m.now().Sub(m.deleteConfirmAt) >= deleteConfirmWindow {
			m.deleteConfirmID = ""
			m.setNotice("", false)
		}
		m.refresh()
		return m, tickCmd()
	case actionDoneMsg:
		m.handleActionDone(msg)
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		handled, cmd := m.handleKey(msg)
		if handled {
			m.rerender()
			return m, cmd
		}
		var icmd tea.Cmd
		m.input, icmd = m.input.Update(msg)
		return m, icmd
	default:
		var icmd tea.Cmd
		m.input, icmd = m.input.Update(msg)
		return m, icmd
	}
}

func (m *model) handleKey(msg tea.KeyMsg) (bool, tea.Cmd) {
	key := msg.String()
	switch key {
	case "ctrl+c":
		return true, tea.Quit
	case "esc":
		if m.mode != modeChat {
			m.mode = modeChat
			m.restoreDraft()
			m.setNotice("", false)
		}
		return true, nil
	case "tab", "alt+down":
		m.selectAgent(1)
		return true, nil
	case "shift+tab", "alt+up":
		m.selectAgent(-1)
		return true, nil
	case "pgup":
		m.viewport.SetYOffset(m.viewport.YOffset - max(1, m.viewport.Height/2))
		m.stickToBottom = false
		return true, nil
	case "pgdown":
		m.viewport.SetYOffset(m.viewport.YOffset + max(1, m.viewport.Height/2))
		m.stickToBottom = m.viewport.AtBottom()
		return true, nil
	case "ctrl+l":
		m.stickToBottom = true
		return true, nil
	case "enter":
		return true, m.submit()
	case "ctrl+x":
		return true, m.abort()
	case "ctrl+r":
		return true, m.resetSession()
	case "ctrl+n":
		return true, m.beginPrompt(modeCreate)
	case "ctrl+e":
		return true, m.beginPrompt(modeRename)
	case "ctrl+d":
		return true, m.deleteAgent()
	}
	if m.mode == modeChat && m.input.Value() == "" {
		if decision, ok := approvalKeys[key]; ok {
			if cmd := m.decide(decision); cmd != nil {
				return true, cmd
			}
		}
	}
	return false, nil
}

var approvalKeys = map[string]approvals.Decision{
	"y": approvals.AllowOnce,
	"a": approvals.AllowAlways,
	"n": approvals.Deny,
}

func (m *model) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeErr = isErr
}

func (m *model) refresh() {
	m.agents = m.store.Snapshot()
	if _, ok := m.current(); !ok {
		m.selected = ""
		if len(m.agents) > 0 {
			m.selected = m.agents[0].AgentID
			if m.mode == modeChat {
				m.restoreDraft()
			}
		}
	}
	m.rerender()
}

func (m *model) current() (fleet.AgentState, bool) {
	for _, a := range m.agents {
		if a.AgentID == m.selected {
			return a, true
		}
	}
	return fleet.AgentState{}, false
}

func (m *model) indexOf(agentID string) int {
	for i, a := range m.agents {
		if a.AgentID == agentID {
			return i
		}
	}
	return -1
}

// selectAgent moves the selection, parking the composer text as the old agent's draft.
func (m *model) selectAgent(delta int) {
	if len(m.agents) == 0 {
		return
	}
	if m.mode == modeChat && m.selected != "" {
		m.engine.SetDraft(m.selected, m.input.Value())
	}
	idx := m.indexOf(m.selected)
	if idx < 0 {
		idx = 0
	} else {
		idx = (idx + delta + len(m.agents)) % len(m.agents)
	}
	m.selected = m.agents[idx].AgentID
	m.stickToBottom = true
	m.deleteConfirmID = ""
	if m.mode == modeChat {
		m.agents = m.store.Snapshot()
		m.restoreDraft()
	}
}

func (m *model) restoreDraft() {
	a, ok := m.store.Get(m.selected)
	if !ok {
		m.input.SetValue("")
		return
	}
	m.input.SetValue(a.Draft)
	m.input.CursorEnd()
	m.input.Placeholder = "Type a message…"
}

func (m *model) blocked(agentID string) bool {
	if m.lifecycle == nil || !m.lifecycle.IsBlocked(agentID) {
		return false
	}
	m.setNotice(agentID+" is being reconfigured; wait for the gateway restart.", true)
	return true
}

func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	switch m.mode {
	case modeCreate:
		if text == "" {
			m.setNotice("Agent name is required.", true)
			return nil
		}
		m.mode = modeChat
		m.restoreDraft()
		m.setNotice("Creating "+text+"…", false)
		lc, ctx := m.lifecycle, m.ctx
		return func() tea.Msg {
			id, err := lc.CreateAgent(ctx, text)
			return actionDoneMsg{What: "create", AgentID: id, Err: err}
		}
	case modeRename:
		id := m.selected
		if text == "" {
			m.setNotice("Agent name is required.", true)
			return nil
		}
		m.mode = modeChat
		m.restoreDraft()
		m.setNotice("Renaming "+id+"…", false)
		lc, ctx := m.lifecycle, m.ctx
		return func() tea.Msg {
			return actionDoneMsg{What: "rename", AgentID: id, Err: lc.RenameAgent(ctx, id, text)}
		}
	}

	if text == "" {
		return nil
	}
	id := m.selected
	if id == "" {
		m.setNotice("No agent selected.", true)
		return nil
	}
	if m.blocked(id) {
		return nil
	}
	m.input.Reset()
	m.stickToBottom = true
	eng, ctx := m.engine, m.ctx
	return func() tea.Msg {
		return actionDoneMsg{What: "send", AgentID: id, Err: eng.SendMessage(ctx, id, text)}
	}
}

func (m *model) abort() tea.Cmd {
	a, ok := m.current()
	if !ok || a.Status != fleet.StatusRunning {
		return nil
	}
	eng, ctx, id := m.engine, m.ctx, a.AgentID
	m.setNotice("Stopping "+id+"…", false)
	return func() tea.Msg {
		return actionDoneMsg{What: "abort", AgentID: id, Err: eng.Abort(ctx, id)}
	}
}

func (m *model) resetSession() tea.Cmd {
	id := m.selected
	if id == "" || m.blocked(id) {
		return nil
	}
	eng, ctx := m.engine, m.ctx
	return func() tea.Msg {
		return actionDoneMsg{What: "reset", AgentID: id, Err: eng.ResetSession(ctx, id)}
	}
}

func (m *model) beginPrompt(next mode) tea.Cmd {
	if m.lifecycle == nil {
		m.setNotice("Agent changes are unavailable without a gateway.", true)
		return nil
	}
	if next == modeRename && (m.selected == "" || m.blocked(m.selected)) {
		return nil
	}
	if m.mode == modeChat && m.selected != "" {
		m.engine.SetDraft(m.selected, m.input.Value())
	}
	m.mode = next
	m.input.SetValue("")
	switch next {
	case modeCreate:
		m.input.Placeholder = "New agent name (Esc to cancel)"
	case modeRename:
		m.input.Placeholder = "New name for " + m.selected + " (Esc to cancel)"
		if a, ok := m.current(); ok && a.Name != "" {
			m.input.SetValue(a.Name)
			m.input.CursorEnd()
		}
	}
	m.setNotice("", false)
	return nil
}

func (m *model) deleteAgent() tea.Cmd {
	if m.lifecycle == nil {
		m.setNotice("Agent changes are unavailable without a gateway.", true)
		return nil
	}
	id := m.selected
	if id == "" || m.blocked(id) {
		return nil
	}
	if m.deleteConfirmID == id && m.now().Sub(m.deleteConfirmAt) < deleteConfirmWindow {
		m.deleteConfirmID = ""
		m.setNotice("Deleting "+id+"…", false)
		lc, ctx := m.lifecycle, m.ctx
		return func() tea.Msg {
			return actionDoneMsg{What: "delete", AgentID: id, Err: lc.DeleteAgent(ctx, id)}
		}
	}
	m.deleteConfirmID = id
	m.deleteConfirmAt = m.now()
	m.setNotice("Press Ctrl+D again to delete "+id+".", false)
	return nil
}

func (m *model) decide(decision approvals.Decision) tea.Cmd {
	if m.approvals == nil {
		return nil
	}
	head, ok := m.approvals.Head(m.now())
	if !ok || m.approvals.Busy(head.ID) {
		return nil
	}
	q, ctx, id := m.approvals, m.ctx, head.ID
	m.setNotice(fmt.Sprintf("Sending %s for %s…", decision, id), false)
	return func() tea.Msg {
		return actionDoneMsg{What: "approval", AgentID: head.Request.AgentID, Err: q.Decide(ctx, id, decision)}
	}
}

func (m *model) handleActionDone(msg actionDoneMsg) {
	if msg.Err != nil {
		m.logf("%s %s failed: %v", msg.What, msg.AgentID, msg.Err)
		m.setNotice(fmt.Sprintf("%s failed: %v", msg.What, msg.Err), true)
		return
	}
	switch msg.What {
	case "create":
		m.selected = msg.AgentID
		m.stickToBottom = true
		m.setNotice("Created "+msg.AgentID+".", false)
	case "rename":
		m.setNotice("Renamed "+msg.AgentID+".", false)
	case "delete":
		m.setNotice("Deleted "+msg.AgentID+".", false)
	case "reset":
		m.setNotice("Started a new session for "+msg.AgentID+".", false)
	default:
		m.setNotice("", false)
	}
}

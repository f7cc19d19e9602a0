package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"fleetconsole/internal/appinfo"
	"fleetconsole/internal/approvals"
	"fleetconsole/internal/configqueue"
	"fleetconsole/internal/fleet"
	"fleetconsole/internal/gateway"
)

var (
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	traceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func (m model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return ""
	}
	leftW := m.leftWidth()
	midW := max(0, m.width-leftW)
	left := m.renderAgents(leftW, m.height)
	center := m.renderCenter(midW, m.height)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, center)
}

func (m *model) leftWidth() int { return clamp(20, m.width/4, 36) }

// rerender lays out the header and rebuilds the transcript viewport.
func (m *model) rerender() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	midW := max(0, m.width-m.leftWidth())
	header := m.headerLines(midW - 2)
	m.viewport.Width = max(0, midW-2)
	m.viewport.Height = max(1, m.height-len(header)-1)
	m.input.Width = max(10, midW-6)

	a, ok := m.current()
	if !ok {
		m.viewport.SetContent(dimStyle.Render("No agents yet. Ctrl+N creates one."))
		m.viewport.SetYOffset(0)
		return
	}
	lines := buildTranscript(a, max(10, m.viewport.Width), m.spinner())
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.stickToBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) spinner() string { return spinnerFrames[m.spinnerFrame%len(spinnerFrames)] }

func (m model) renderAgents(width, height int) string {
	style := lipgloss.NewStyle().Width(width).Height(height).BorderRight(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8"))
	inner := max(4, width-2)
	lines := []string{lipgloss.NewStyle().Bold(true).Render("Agents"), ""}
	for _, a := range m.agents {
		prefix := "  "
		if a.AgentID == m.selected {
			prefix = "> "
		}
		label := a.Name
		if label == "" {
			label = a.AgentID
		}
		if a.AvatarSeed != "" && runewidth.StringWidth(a.AvatarSeed) <= 2 {
			label = a.AvatarSeed + " " + label
		}
		if m.lifecycle != nil && m.lifecycle.IsBlocked(a.AgentID) {
			label += " ⧗"
		}
		glyph := statusStyle(a.Status).Render(statusGlyph(a.Status))
		text := runewidth.Truncate(label, inner-4, "…")
		if a.AgentID == m.selected {
			text = lipgloss.NewStyle().Bold(true).Render(text)
		}
		lines = append(lines, prefix+glyph+" "+text)
		if preview := oneLine(a.LatestUpdate()); preview != "" {
			lines = append(lines, "    "+dimStyle.Render(runewidth.Truncate(preview, inner-4, "…")))
		}
	}
	hints := []string{
		dimStyle.Render(runewidth.Truncate("Tab: next agent", inner, "…")),
		dimStyle.Render(runewidth.Truncate("Ctrl+N/E/D: new/rename/delete", inner, "…")),
		dimStyle.Render(runewidth.Truncate("Ctrl+R: new session  Ctrl+X: stop", inner, "…")),
	}
	for need := height - len(lines) - len(hints); need > 0; need-- {
		lines = append(lines, "")
	}
	lines = append(lines, hints...)
	return style.Render(strings.Join(lines, "\n"))
}

func (m model) renderCenter(width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	header := m.headerLines(width - 2)
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(header, "\n"))
	view := lipgloss.NewStyle().Padding(0, 1).Render(m.viewport.View())
	input := lipgloss.NewStyle().Width(width).Padding(0, 1).Render(m.input.View())
	return lipgloss.NewStyle().Width(width).Height(height).Render(lipgloss.JoinVertical(lipgloss.Left, body, view, input))
}

// headerLines is everything above the transcript. Its length drives the viewport height.
func (m *model) headerLines(width int) []string {
	width = max(10, width)
	title := appinfo.Display()
	if m.anyRunning() {
		title += " " + m.spinner()
	}
	lines := []string{headerStyle.Render(title) + "  " + m.gatewayLine()}

	if a, ok := m.current(); ok {
		sub := fmt.Sprintf("Agent: %s | Session: %s | %s", a.AgentID, orDash(a.SessionKey), a.Status)
		if a.RunID != "" {
			sub += " | run " + a.RunID
		}
		lines = append(lines, dimStyle.Render(runewidth.Truncate(sub, width, "…")))
	}
	if m.lifecycle != nil {
		if b, ok := m.lifecycle.Block(); ok {
			lines = append(lines, warnStyle.Render(runewidth.Truncate(blockLine(b, m.now()), width, "…")))
		} else if msg := m.lifecycle.LastError(); msg != "" {
			lines = append(lines, errorStyle.Render(runewidth.Truncate("Last agent change failed: "+msg, width, "…")))
		}
	}
	if m.queue != nil {
		if pending := m.queue.Pending(); len(pending) > 0 {
			reason := m.queue.BlockingReason()
			line := fmt.Sprintf("%d queued change(s)", len(pending))
			if reason != "" {
				line += ", " + reason
			}
			lines = append(lines, dimStyle.Render(runewidth.Truncate(line, width, "…")))
		}
	}
	lines = append(lines, m.approvalBanner(width)...)
	if m.notice != "" {
		style := okStyle
		if m.noticeErr {
			style = errorStyle
		}
		lines = append(lines, style.Render(runewidth.Truncate(m.notice, width, "…")))
	}
	lines = append(lines, "")
	return lines
}

func (m *model) anyRunning() bool {
	for _, a := range m.agents {
		if a.Status == fleet.StatusRunning {
			return true
		}
	}
	return false
}

func (m *model) gatewayLine() string {
	if m.transport == nil {
		return dimStyle.Render("gateway: offline")
	}
	st := m.transport.Status()
	text := "gateway: " + string(st)
	switch st {
	case gateway.StatusConnected:
		return okStyle.Render(text)
	case gateway.StatusConnecting:
		return warnStyle.Render(text)
	default:
		return errorStyle.Render(text)
	}
}

func (m *model) approvalBanner(width int) []string {
	if m.approvals == nil {
		return nil
	}
	now := m.now()
	pending := m.approvals.Pending(now)
	if len(pending) == 0 {
		return nil
	}
	head := pending[0]
	title := fmt.Sprintf("Exec approval %s from %s, expires in %s", head.ID, orDash(head.Request.AgentID), remaining(head, now))
	if len(pending) > 1 {
		title += fmt.Sprintf(" (+%d more)", len(pending)-1)
	}
	lines := []string{
		warnStyle.Bold(true).Render(runewidth.Truncate(title, width, "…")),
		runewidth.Truncate("$ "+oneLine(head.Request.Command), width, "…"),
	}
	if head.Request.Cwd != "" {
		lines = append(lines, dimStyle.Render(runewidth.Truncate("in "+head.Request.Cwd, width, "…")))
	}
	switch {
	case m.approvals.Busy(head.ID):
		lines = append(lines, dimStyle.Render("sending decision…"))
	case m.approvals.LastError(head.ID) != "":
		lines = append(lines, errorStyle.Render(runewidth.Truncate("decision failed: "+m.approvals.LastError(head.ID), width, "…")))
		fallthrough
	default:
		lines = append(lines, dimStyle.Render("y: allow once   a: allow always   n: deny"))
	}
	return lines
}

func remaining(e approvals.Entry, now time.Time) string {
	d := e.ExpiresAt().Sub(now).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

func blockLine(b configqueue.Block, now time.Time) string {
	target := b.Name
	if target == "" {
		target = b.AgentID
	}
	elapsed := now.Sub(b.PhaseStartedAt).Round(time.Second)
	return fmt.Sprintf("%s %s: %s (%s)", b.Kind, target, b.Phase, elapsed)
}

// buildTranscript renders an agent's lines plus its live stream, wrapped to width.
func buildTranscript(a fleet.AgentState, width int, spinner string) []string {
	var out []string
	for _, line := range a.OutputLines {
		text := fleet.LineText(line)
		switch fleet.RoleOf(line) {
		case fleet.RoleUser:
			out = append(out, wrapPrefixed("you › ", userStyle, text, width)...)
		case fleet.RoleTool:
			out = append(out, wrapPrefixed("tool ", toolStyle, text, width)...)
		case fleet.RoleTrace:
			out = append(out, wrapPrefixed("thinking ", traceStyle, text, width)...)
		default:
			out = append(out, wrapPrefixed("", assistantStyle, text, width)...)
		}
		out = append(out, "")
	}
	if a.Status == fleet.StatusRunning {
		if trace := strings.TrimSpace(a.ThinkingTrace); trace != "" && a.StreamText == "" {
			out = append(out, wrapPrefixed("thinking ", traceStyle, lastLines(trace, 3), width)...)
		}
		if a.StreamText != "" {
			out = append(out, wrapPrefixed("", assistantStyle, a.StreamText+" "+spinner, width)...)
		} else {
			out = append(out, dimStyle.Render(spinner+" working"))
		}
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func wrapPrefixed(prefix string, style lipgloss.Style, text string, width int) []string {
	pw := runewidth.StringWidth(prefix)
	inner := max(4, width-pw)
	wrapped := lipgloss.NewStyle().Width(inner).Render(strings.TrimRight(text, "\n"))
	parts := strings.Split(wrapped, "\n")
	out := make([]string, 0, len(parts))
	pad := strings.Repeat(" ", pw)
	for i, p := range parts {
		lead := pad
		if i == 0 {
			lead = prefix
		}
		out = append(out, style.Render(lead+strings.TrimRight(p, " ")))
	}
	return out
}

func statusGlyph(s fleet.Status) string {
	switch s {
	case fleet.StatusRunning:
		return "●"
	case fleet.StatusError:
		return "✗"
	default:
		return "○"
	}
}

func statusStyle(s fleet.Status) lipgloss.Style {
	switch s {
	case fleet.StatusRunning:
		return warnStyle
	case fleet.StatusError:
		return errorStyle
	default:
		return okStyle
	}
}

func lastLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string { return strings.Join(strings.Fields(s), " ") }

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func clamp(lo, v, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"fleetconsole/internal/approvals"
)

var approvalTagRe = regexp.MustCompile(`\[approval:([A-Za-z0-9._:-]+)\]`)

// ApprovalSubject tags the subject with the approval id so replies can be matched.
func ApprovalSubject(prefix string, e approvals.Entry) string {
	agent := e.Request.AgentID
	if agent == "" {
		agent = "main"
	}
	cmd := runewidth.Truncate(strings.Join(strings.Fields(e.Request.Command), " "), 60, "…")
	return strings.TrimSpace(fmt.Sprintf("%s Exec approval [approval:%s] %s: %s", prefix, e.ID, agent, cmd))
}

// ApprovalBody is the markdown body of an approval notification.
func ApprovalBody(e approvals.Entry) string {
	var b strings.Builder
	b.WriteString("An agent is waiting for approval to run a command.\n\n")
	b.WriteString("```\n" + strings.TrimSpace(e.Request.Command) + "\n```\n\n")
	row := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "- **%s:** %s\n", label, value)
		}
	}
	row("Agent", e.Request.AgentID)
	row("Session", e.Request.SessionKey)
	row("Host", e.Request.Host)
	row("Working directory", e.Request.Cwd)
	row("Security", e.Request.Security)
	if e.ExpiresAtMs > 0 {
		row("Expires", time.UnixMilli(e.ExpiresAtMs).UTC().Format(time.RFC3339))
	}
	b.WriteString("\nReply with **allow-once**, **allow-always** or **deny** on the first line.\n")
	return b.String()
}

// Reply is a decision taken from an inbound e-mail.
type Reply struct {
	ApprovalID string
	Decision   approvals.Decision
	From       string
	MessageID  string
}

// ParseReply extracts the approval id from the subject and the decision from the first
// meaningful body line. ok is false when either is missing.
func ParseReply(subject, body string) (id string, decision approvals.Decision, ok bool) {
	m := approvalTagRe.FindStringSubmatch(subject)
	if m == nil {
		return "", "", false
	}
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			break
		}
		fields := strings.Fields(line)
		// "allow always" spelled as two words
		if len(fields) > 1 {
			if d, valid := approvals.ParseDecision(trimWord(fields[0]) + "-" + trimWord(fields[1])); valid {
				return m[1], d, true
			}
		}
		if d, valid := approvals.ParseDecision(trimWord(fields[0])); valid {
			return m[1], d, true
		}
		return "", "", false
	}
	return "", "", false
}

func trimWord(s string) string { return strings.Trim(s, ".,!*_`") }

// Notifier mails new approval requests in the background.
type Notifier struct {
	mailer  *Mailer
	prefix  string
	timeout time.Duration
	logf    func(format string, args ...any)

	wg sync.WaitGroup
}

func NewNotifier(mailer *Mailer, subjectPrefix string, logf func(format string, args ...any)) *Notifier {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Notifier{mailer: mailer, prefix: subjectPrefix, timeout: 30 * time.Second, logf: logf}
}

// Approval sends the notification for e without blocking the caller.
func (n *Notifier) Approval(e approvals.Entry) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.mailer.Send(ctx, ApprovalSubject(n.prefix, e), ApprovalBody(e)); err != nil {
			n.logf("approval %s notification failed: %v", e.ID, err)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() { n.wg.Wait() }

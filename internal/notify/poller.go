package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"fleetconsole/internal/appinfo"
	"fleetconsole/internal/config"
)

func init() {
	// decode RFC2047 headers in non-UTF-8 charsets on the IMAP ENVELOPE path too
	if message.CharsetReader != nil {
		imap.CharsetReader = message.CharsetReader
	}
}

// Inbound is a parsed inbox message.
type Inbound struct {
	MessageID string
	From      string
	FromName  string
	Subject   string
	Body      string
	Date      time.Time
}

type PollerStatus struct {
	OK        bool
	Error     string
	CheckedAt time.Time
}

type PollerOptions struct {
	Config   config.NotifyConfig
	OnReply  func(Reply)
	OnStatus func(PollerStatus)
	Logf     func(format string, args ...any)
}

// ReplyPoller watches the inbox for replies to approval notifications.
type ReplyPoller struct {
	cfg      config.NotifyConfig
	onReply  func(Reply)
	onStatus func(PollerStatus)
	logf     func(format string, args ...any)
	filter   *replyFilter
}

func NewReplyPoller(opts PollerOptions) (*ReplyPoller, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.OnReply == nil {
		return nil, errors.New("OnReply callback is required")
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &ReplyPoller{
		cfg:      opts.Config,
		onReply:  opts.OnReply,
		onStatus: opts.OnStatus,
		logf:     logf,
		filter:   newReplyFilter(opts.Config.EmailAddress, opts.Config.AllowedSendersList()),
	}, nil
}

// Run polls until ctx ends, reconnecting after failures.
func (p *ReplyPoller) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval()
	var (
		c          *client.Client
		lastStatus string
	)
	defer func() {
		if c != nil {
			_ = c.Logout()
		}
	}()

	setStatus := func(ok bool, errText string) {
		st := PollerStatus{OK: ok, Error: strings.TrimSpace(errText), CheckedAt: time.Now().UTC()}
		key := fmt.Sprintf("%t|%s", st.OK, st.Error)
		if key == lastStatus {
			return
		}
		lastStatus = key
		if !ok {
			p.logf("inbox poll failed: %s", st.Error)
		}
		if p.onStatus != nil {
			p.onStatus(st)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c == nil {
			conn, err := p.connect()
			if err != nil {
				setStatus(false, err.Error())
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(min(interval, 15*time.Second)):
					continue
				}
			}
			c = conn
		}
		if err := p.pollOnce(ctx, c); err != nil {
			setStatus(false, err.Error())
			_ = c.Logout()
			c = nil
		} else {
			setStatus(true, "")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *ReplyPoller) connect() (*client.Client, error) {
	host := strings.TrimSpace(p.cfg.IMAP.Server)
	addr := fmt.Sprintf("%s:%d", host, p.cfg.IMAP.Port)
	var (
		c   *client.Client
		err error
	)
	if p.cfg.IMAP.UseSSL {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: host})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial failed: %w", err)
	}
	c.Timeout = 25 * time.Second

	if err := c.Login(strings.TrimSpace(p.cfg.EmailAddress), strings.TrimSpace(p.cfg.AuthorizationCode)); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	// some providers refuse SELECT until the client identifies itself; best-effort
	_, _ = c.Execute(&imap.Command{
		Name:      "ID",
		Arguments: []interface{}{[]interface{}{"name", appinfo.ClientID, "version", appinfo.Version}},
	}, nil)

	if _, err := c.Select("INBOX", false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap select INBOX failed: %w", err)
	}
	return c, nil
}

func (p *ReplyPoller) pollOnce(ctx context.Context, c *client.Client) error {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("imap search UNSEEN failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	msgCh := make(chan *imap.Message, min(16, len(ids)))
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- c.Fetch(seqset, items, msgCh) }()

	var handled []uint32
	for msg := range msgCh {
		if msg == nil || ctx.Err() != nil {
			continue
		}
		raw, err := readBody(msg, section)
		if err != nil {
			continue
		}
		in, ok := ParseInbound(raw)
		if !ok {
			continue
		}
		if in.From == "" && msg.Envelope != nil && len(msg.Envelope.From) > 0 && msg.Envelope.From[0] != nil {
			in.From = strings.TrimSpace(msg.Envelope.From[0].Address())
		}
		reply, use := p.filter.accept(in)
		if use || p.filter.handled(in) {
			// only messages we understood are marked seen
			handled = append(handled, msg.SeqNum)
		}
		if use {
			p.logf("reply from %s: %s %s", reply.From, reply.ApprovalID, reply.Decision)
			p.onReply(reply)
		}
	}
	if err := <-fetchErr; err != nil {
		return fmt.Errorf("imap fetch failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(handled) > 0 {
		seen := new(imap.SeqSet)
		seen.AddNum(handled...)
		if err := c.Store(seen, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.SeenFlag}, nil); err != nil {
			return fmt.Errorf("imap store \\Seen failed: %w", err)
		}
	}
	return nil
}

func readBody(msg *imap.Message, section *imap.BodySectionName) ([]byte, error) {
	r := msg.GetBody(section)
	if r == nil {
		return nil, errors.New("missing body")
	}
	return io.ReadAll(r)
}

// ParseInbound decodes a raw RFC 5322 message. The body is the first text/plain part,
// falling back to text/html.
func ParseInbound(raw []byte) (Inbound, bool) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && reader == nil {
		return Inbound{}, false
	}
	var in Inbound
	in.Subject, _ = reader.Header.Subject()
	in.Subject = strings.TrimSpace(in.Subject)
	if list, err := reader.Header.AddressList("From"); err == nil && len(list) > 0 {
		in.From = strings.ToLower(strings.TrimSpace(list[0].Address))
		in.FromName = strings.TrimSpace(list[0].Name)
	}
	if id, err := reader.Header.MessageID(); err == nil {
		in.MessageID = canonicalMessageID(id)
	}
	in.Date, _ = reader.Header.Date()
	in.Body = textBody(reader)
	return in, true
}

func textBody(r *mail.Reader) string {
	var plain, html string
	for {
		part, err := r.NextPart()
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, _ := io.ReadAll(part.Body)
		text := strings.TrimSpace(string(b))
		if text == "" {
			continue
		}
		switch strings.ToLower(ct) {
		case "text/html":
			if html == "" {
				html = text
			}
		default:
			if plain == "" {
				plain = text
			}
		}
	}
	if plain != "" {
		return plain
	}
	return html
}

// replyFilter decides which inbound messages are approval decisions.
type replyFilter struct {
	self    string
	allowed map[string]bool
	seen    map[string]bool
}

func newReplyFilter(self string, allowed []string) *replyFilter {
	f := &replyFilter{
		self:    strings.ToLower(strings.TrimSpace(self)),
		allowed: make(map[string]bool, len(allowed)),
		seen:    make(map[string]bool),
	}
	for _, addr := range allowed {
		f.allowed[strings.ToLower(addr)] = true
	}
	return f
}

func (f *replyFilter) accept(in Inbound) (Reply, bool) {
	from := strings.ToLower(strings.TrimSpace(in.From))
	if from == "" || from == f.self {
		return Reply{}, false
	}
	if len(f.allowed) > 0 && !f.allowed[from] {
		return Reply{}, false
	}
	if in.MessageID != "" && f.seen[in.MessageID] {
		return Reply{}, false
	}
	id, decision, ok := ParseReply(in.Subject, in.Body)
	if !ok {
		return Reply{}, false
	}
	if in.MessageID != "" {
		f.seen[in.MessageID] = true
	}
	return Reply{ApprovalID: id, Decision: decision, From: from, MessageID: in.MessageID}, true
}

// handled reports messages that are ours to consume even though they carry no decision:
// our own notifications and duplicates.
func (f *replyFilter) handled(in Inbound) bool {
	from := strings.ToLower(strings.TrimSpace(in.From))
	if from != "" && from == f.self {
		return approvalTagRe.MatchString(in.Subject)
	}
	return in.MessageID != "" && f.seen[in.MessageID]
}

package notify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing is one notification e-mail.
type Outgoing struct {
	From      string
	To        []string
	Subject   string
	Markdown  string
	MessageID string
	InReplyTo string
	Date      time.Time
}

// BuildMessage encodes m as multipart/alternative with the markdown source as text/plain
// and its rendered HTML as text/html.
func BuildMessage(m Outgoing) ([]byte, error) {
	if strings.TrimSpace(m.From) == "" {
		return nil, errors.New("from is required")
	}
	if len(m.To) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	plain := strings.TrimSpace(m.Markdown)
	if plain == "" {
		plain = "(empty)"
	}
	htmlBody, err := RenderHTML(m.Subject, plain, date)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	to := make([]*mail.Address, 0, len(m.To))
	for _, addr := range m.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	if id := canonicalMessageID(m.MessageID); id != "" {
		h.SetMessageID(id)
	}
	if id := canonicalMessageID(m.InReplyTo); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if err := writePart(w, "text/plain", crlf(plain)); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", htmlBody); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func canonicalMessageID(messageID string) string {
	return strings.Trim(strings.TrimSpace(messageID), "<>")
}

package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"fleetconsole/internal/appinfo"
)

const emailTemplateText = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body style="margin:0;padding:0;background:#f4f5f7;font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;color:#1f2328;">
<span style="display:none;max-height:0;overflow:hidden;">{{.Preheader}}</span>
<div style="max-width:640px;margin:24px auto;background:#ffffff;border-radius:8px;padding:24px;">
<div style="font-size:12px;color:#57606a;margin-bottom:12px;">{{.AppDisplay}}</div>
<h2 style="margin-top:0;">{{.Title}}</h2>
<div style="font-size:14px;line-height:1.5;">{{.Body}}</div>
<div style="font-size:12px;color:#8c959f;margin-top:24px;border-top:1px solid #eaeef2;padding-top:12px;">{{.Footer}}</div>
</div>
</body>
</html>
`

type emailTemplateData struct {
	AppDisplay string
	Title      string
	Preheader  string
	Body       template.HTML
	Footer     string
}

var emailTemplate = template.Must(template.New("approval").Parse(emailTemplateText))

var emailMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var emailMarkdownMu sync.Mutex

// RenderHTML renders a markdown body into the notification page.
func RenderHTML(subject, markdownBody string, now time.Time) (string, error) {
	body := strings.TrimSpace(markdownBody)
	if body == "" {
		body = "(empty)"
	}

	var content bytes.Buffer
	emailMarkdownMu.Lock()
	err := emailMarkdown.Convert([]byte(body), &content)
	emailMarkdownMu.Unlock()
	if err != nil {
		content.Reset()
		content.WriteString("<pre>")
		content.WriteString(template.HTMLEscapeString(body))
		content.WriteString("</pre>")
	}

	data := emailTemplateData{
		AppDisplay: appinfo.Display(),
		Title:      strings.TrimSpace(subject),
		Preheader:  preheader(body),
		Body:       template.HTML(content.String()),
		Footer:     fmt.Sprintf("%s • %s", appinfo.Name, now.UTC().Format(time.RFC3339)),
	}
	var out bytes.Buffer
	if err := emailTemplate.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

func preheader(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	const max = 160
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimSpace(s[:i]) + "…"
		}
		n++
	}
	return s
}

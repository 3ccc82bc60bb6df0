// Package export renders reconstructed transcripts into downloadable
// documents. Markdown is the native format; HTML is produced by running
// the markdown through goldmark, and JSON is a self-describing dump of
// the message list.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/reeve/internal/transcript"
)

// Format identifies an export output format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
)

// ErrUnknownFormat is returned by ParseFormat for values outside the
// supported set.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat maps a query-string value to a Format. The empty string
// defaults to markdown.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", string(FormatMarkdown):
		return FormatMarkdown, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatHTML):
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "text/markdown; charset=utf-8"
	}
}

// Ext returns the file extension used in download filenames.
func (f Format) Ext() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatHTML:
		return "html"
	default:
		return "md"
	}
}

// Render produces the transcript in the given format.
func Render(f Format, threadID string, msgs []transcript.ChatMessage) ([]byte, error) {
	switch f {
	case FormatJSON:
		return renderJSON(threadID, msgs)
	case FormatHTML:
		return renderHTML(threadID, msgs)
	default:
		return []byte(renderMarkdown(threadID, msgs)), nil
	}
}

// document is the JSON export envelope.
type document struct {
	ThreadID string                   `json:"thread_id"`
	Messages []transcript.ChatMessage `json:"messages"`
}

func renderJSON(threadID string, msgs []transcript.ChatMessage) ([]byte, error) {
	doc := document{ThreadID: threadID, Messages: msgs}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return out, nil
}

func renderMarkdown(threadID string, msgs []transcript.ChatMessage) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Transcript %s\n", threadID))

	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("\n## %s\n", roleHeading(m)))

		if m.Content != "" {
			sb.WriteString("\n" + m.Content + "\n")
		}

		if len(m.ToolCalls) > 0 {
			sb.WriteString("\n**Tool calls**\n\n")
			for _, tc := range m.ToolCalls {
				sb.WriteString(fmt.Sprintf("- `%s` `%s`\n", tc.Name, argsJSON(tc.Args)))
			}
		}
	}

	return sb.String()
}

// roleHeading returns the section heading for a message. Tool results
// include the tool name so adjacent results stay distinguishable.
func roleHeading(m transcript.ChatMessage) string {
	switch m.Type {
	case transcript.TypeHuman:
		return "Human"
	case transcript.TypeAI:
		return "Assistant"
	case transcript.TypeTool:
		if m.Name != "" {
			return "Tool: " + m.Name
		}
		return "Tool"
	default:
		return m.Type
	}
}

func argsJSON(args map[string]any) string {
	out, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(out)
}

func renderHTML(threadID string, msgs []transcript.ChatMessage) ([]byte, error) {
	md := renderMarkdown(threadID, msgs)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}

	// Wrap in minimal HTML envelope.
	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Transcript %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, threadID, buf.String())

	return []byte(html), nil
}

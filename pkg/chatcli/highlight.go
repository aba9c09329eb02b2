package chatcli

import (
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
)

const fence = "```"

// Highlight colors the fenced code blocks of a markdown reply for a 256-color
// terminal. Prose and unterminated fences pass through unchanged.
func Highlight(text string) string {
	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		header := start + len(fence)
		nl := strings.IndexByte(rest[header:], '\n')
		if nl < 0 {
			out.WriteString(rest)
			return out.String()
		}
		lang := strings.TrimSpace(rest[header : header+nl])
		body := header + nl + 1
		end := strings.Index(rest[body:], fence)
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		code := rest[body : body+end]

		out.WriteString(rest[:body])
		var hl strings.Builder
		if lang == "" {
			lang = "plaintext"
		}
		if err := quick.Highlight(&hl, code, lang, "terminal256", "monokai"); err != nil {
			out.WriteString(code)
		} else {
			out.WriteString(hl.String())
		}
		out.WriteString(fence)
		rest = rest[body+end+len(fence):]
	}
}

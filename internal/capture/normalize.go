// Package capture turns raw notifications from capture sources into the
// snapshot a bot sees.
package capture

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/notibot/internal/types"
)

const DefaultMaxBodyChars = 8000

var htmlTag = regexp.MustCompile(`(?i)</?(p|br|div|span|a|b|i|strong|em|ul|ol|li|h[1-6]|blockquote|pre|code|table|tr|td|img)\b[^>]*>`)

// Normalizer cleans up captured events. The input is never modified.
type Normalizer struct {
	MaxBodyChars int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Normalize returns a copy of ev with HTML bodies converted to markdown,
// whitespace trimmed, the body truncated and empty or duplicate action
// labels removed. A missing timestamp is set to the capture time.
func (n *Normalizer) Normalize(ev *types.NotificationEvent) *types.NotificationEvent {
	out := ev.Clone()
	out.Title = strings.TrimSpace(out.Title)
	out.Body = n.body(out.Body)
	out.AvailableActions = dedupe(out.AvailableActions)
	if out.Timestamp == 0 {
		now := time.Now
		if n.Now != nil {
			now = n.Now
		}
		out.Timestamp = now().UnixMilli()
	}
	return out
}

func (n *Normalizer) body(s string) string {
	if IsHTML(s) {
		md, err := htmltomarkdown.ConvertString(s)
		if err != nil {
			n.logger().Debug("html body conversion failed, keeping raw text", "error", err)
		} else {
			s = md
		}
	}
	s = strings.TrimSpace(s)

	limit := n.MaxBodyChars
	if limit <= 0 {
		limit = DefaultMaxBodyChars
	}
	if r := []rune(s); len(r) > limit {
		s = string(r[:limit]) + "\n\n[Content truncated]"
	}
	return s
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// IsHTML reports whether s contains common markup tags.
func IsHTML(s string) bool {
	return strings.Contains(s, "<") && htmlTag.MatchString(s)
}

func dedupe(actions []string) []string {
	if len(actions) == 0 {
		return actions
	}
	seen := make(map[string]bool, len(actions))
	out := actions[:0]
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

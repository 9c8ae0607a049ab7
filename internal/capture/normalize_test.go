package capture

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/notibot/internal/types"
)

func TestNormalizeHTMLBody(t *testing.T) {
	n := &Normalizer{}
	ev := &types.NotificationEvent{
		Title:     "  Weekly digest ",
		Body:      "<p>Hello <strong>there</strong></p>",
		Timestamp: 1,
	}

	out := n.Normalize(ev)
	assert.Equal(t, "Weekly digest", out.Title)
	assert.Equal(t, "Hello **there**", out.Body)
	assert.Equal(t, "<p>Hello <strong>there</strong></p>", ev.Body, "input must not change")
}

func TestNormalizePlainBodyUntouched(t *testing.T) {
	n := &Normalizer{}
	out := n.Normalize(&types.NotificationEvent{Body: "2 < 3 and 5 > 4", Timestamp: 1})
	assert.Equal(t, "2 < 3 and 5 > 4", out.Body)
}

func TestNormalizeTruncates(t *testing.T) {
	n := &Normalizer{MaxBodyChars: 10}
	out := n.Normalize(&types.NotificationEvent{Body: strings.Repeat("é", 20), Timestamp: 1})
	assert.True(t, strings.HasPrefix(out.Body, strings.Repeat("é", 10)+"\n\n"))
	assert.True(t, strings.HasSuffix(out.Body, "[Content truncated]"))
}

func TestNormalizeActionsAndTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	n := &Normalizer{Now: func() time.Time { return now }}
	ev := &types.NotificationEvent{AvailableActions: []string{"Reply", " ", "Mark read", "Reply"}}

	out := n.Normalize(ev)
	assert.Equal(t, []string{"Reply", "Mark read"}, out.AvailableActions)
	assert.Equal(t, now.UnixMilli(), out.Timestamp)
	assert.Equal(t, []string{"Reply", " ", "Mark read", "Reply"}, ev.AvailableActions)
}

func TestIsHTML(t *testing.T) {
	assert.True(t, IsHTML("line one<br>line two"))
	assert.True(t, IsHTML(`<a href="https://x">x</a>`))
	assert.False(t, IsHTML("a <b"))
	assert.False(t, IsHTML("no markup"))
}

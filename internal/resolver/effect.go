// Package resolver turns a bot's response into exactly one Effect. Invalid
// responses never escape: they resolve to Keep and leave one error line
// in the debug capture.
package resolver

import "time"

type Kind string

const (
	KindKeep    Kind = "keep"
	KindDismiss Kind = "dismiss"
	KindReply   Kind = "reply"
	KindSnooze  Kind = "snooze"
)

// Effect is one of Keep, Dismiss, Reply or Snooze.
type Effect interface {
	Kind() Kind
	isEffect()
}

// Keep leaves the notification alone.
type Keep struct {
	Reason string
}

// Dismiss suppresses the notification. Reason is diagnostic only.
type Dismiss struct {
	Reason string
}

// Reply sends Text, plus any resolved attachments, back through the
// notification's channel.
type Reply struct {
	Text        string
	Attachments []Attachment
	Reason      string
}

// Snooze re-delivers the notification after Duration.
type Snooze struct {
	Duration time.Duration
	Reason   string
}

// Attachment is a reply file that passed path and size checks.
type Attachment struct {
	Path      string
	MimeType  string
	SizeBytes int64
}

func (Keep) Kind() Kind    { return KindKeep }
func (Dismiss) Kind() Kind { return KindDismiss }
func (Reply) Kind() Kind   { return KindReply }
func (Snooze) Kind() Kind  { return KindSnooze }

func (Keep) isEffect()    {}
func (Dismiss) isEffect() {}
func (Reply) isEffect()   {}
func (Snooze) isEffect()  {}

// Minutes returns the snooze length in whole minutes.
func (s Snooze) Minutes() int { return int(s.Duration / time.Minute) }

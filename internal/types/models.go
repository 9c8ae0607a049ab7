// internal/types/models.go
package types

import "time"

// NotificationEvent is the immutable snapshot of one inbound notification.
// Capture sources build it once; everything downstream only reads it.
type NotificationEvent struct {
	ID               int64            `json:"id" yaml:"id"`
	SourceApp        string           `json:"sourceApp" yaml:"sourceApp"`
	Title            string           `json:"title" yaml:"title"`
	Body             string           `json:"body" yaml:"body"`
	Timestamp        int64            `json:"timestamp" yaml:"timestamp"`
	IsGroup          bool             `json:"isGroup" yaml:"isGroup"`
	AvailableActions []string         `json:"availableActions" yaml:"availableActions"`
	Attachments      []AttachmentInfo `json:"attachments,omitempty" yaml:"attachments,omitempty"`

	// Channel routes the resolved effect back to the surface the
	// notification came from. Never exposed to the guest.
	Channel ChannelKey `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// PostedAt returns the notification timestamp as a time.Time.
func (e *NotificationEvent) PostedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Attachment returns the attachment with the given id.
func (e *NotificationEvent) Attachment(id AttachmentID) (AttachmentInfo, bool) {
	for _, a := range e.Attachments {
		if a.ID == id {
			return a, true
		}
	}
	return AttachmentInfo{}, false
}

// Clone returns a deep copy so normalizers can derive a new snapshot
// without touching the original.
func (e *NotificationEvent) Clone() *NotificationEvent {
	out := *e
	out.AvailableActions = append([]string(nil), e.AvailableActions...)
	out.Attachments = append([]AttachmentInfo(nil), e.Attachments...)
	return &out
}

type AttachmentInfo struct {
	ID                 AttachmentID `json:"id" yaml:"id"`
	MimeType           string       `json:"mimeType" yaml:"mimeType"`
	SizeBytes          int64        `json:"sizeBytes" yaml:"sizeBytes"`
	HasRetrievableFile bool         `json:"hasRetrievableFile" yaml:"hasRetrievableFile"`
	ThumbnailBase64    string       `json:"thumbnailBase64,omitempty" yaml:"thumbnailBase64,omitempty"`
}

// AttachmentRef is a file a bot asks to send along with a reply. Path is
// relative to the attachments root.
type AttachmentRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
}

package bridge

import (
	"encoding/base64"
	"io"

	"github.com/user/notibot/internal/types"
)

// The attachment accessors report ok=false rather than failing whenever the
// capability is off, the id is not on the current notification, or the
// file was not retained.

func (s *Session) retrievable(id string) (types.AttachmentInfo, bool) {
	if !s.b.attachmentsEnabled.Load() {
		return types.AttachmentInfo{}, false
	}
	info, ok := s.event.Attachment(types.AttachmentID(id))
	if !ok {
		return types.AttachmentInfo{}, false
	}
	return info, true
}

func (s *Session) AttachmentPath(id string) (string, bool) {
	info, ok := s.retrievable(id)
	if !ok || !info.HasRetrievableFile || s.b.cfg.Attachments == nil {
		return "", false
	}
	return s.b.cfg.Attachments.Path(info.ID)
}

func (s *Session) ReadAttachmentBase64(id string) (string, bool) {
	info, ok := s.retrievable(id)
	if !ok || !info.HasRetrievableFile || s.b.cfg.Attachments == nil {
		return "", false
	}
	rc, size, err := s.b.cfg.Attachments.Open(info.ID)
	if err != nil {
		s.logger.Warn("open attachment", "attachment_id", id, "error", err)
		return "", false
	}
	defer rc.Close()

	limit := s.b.cfg.MaxReadBytes
	if size > limit {
		return "", false
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil || int64(len(data)) > limit {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// AttachmentThumbnail is independent of whether the full file was retained.
func (s *Session) AttachmentThumbnail(id string) (string, bool) {
	info, ok := s.retrievable(id)
	if !ok || info.ThumbnailBase64 == "" {
		return "", false
	}
	return info.ThumbnailBase64, true
}

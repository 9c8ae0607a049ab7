// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type RunID string
type AttachmentID string
type ChannelKey string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewAttachmentID() AttachmentID {
	return AttachmentID(uuid.New().String())
}

// NewChannelKey joins parts into a routing key such as "telegram:42".
func NewChannelKey(parts ...string) ChannelKey {
	return ChannelKey(strings.Join(parts, ":"))
}

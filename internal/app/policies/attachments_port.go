package policies

import (
	"context"
	"io"
)

// AttachmentStore keeps file message content outside the conversation log.
// Upload returns the reference stored on the File message.
type AttachmentStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (ref string, err error)
}

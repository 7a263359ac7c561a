// Package attach validates and uploads binary attachments to the blob store.
package attach

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
)

// DefaultMaxBytes caps attachment size when no limit is configured.
const DefaultMaxBytes = 10 << 20

// allowedTypes maps accepted image content types to their file extension.
var allowedTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Uploader pushes validated image attachments into blob storage and returns
// the blob key. The key is the stable reference stored on the message;
// download URLs are resolved from it at read time, since presigned URLs
// expire.
type Uploader struct {
	blobs    remote.Blobs
	maxBytes int64
	logger   *zap.Logger
}

// NewUploader creates an uploader. maxBytes <= 0 selects the default cap.
func NewUploader(blobs remote.Blobs, maxBytes int64, logger *zap.Logger) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Uploader{blobs: blobs, maxBytes: maxBytes, logger: logger}
}

// Upload validates the payload, stores it under a key scoped to the
// conversation, and returns that key. The content type is sniffed from the
// payload, never trusted from the caller.
func (u *Uploader) Upload(ctx context.Context, convID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", chat.E(chat.KindValidation, "attachment is empty")
	}
	if int64(len(data)) > u.maxBytes {
		return "", chat.E(chat.KindValidation, fmt.Sprintf("attachment is %d bytes, limit is %d", len(data), u.maxBytes))
	}

	contentType := http.DetectContentType(data)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return "", chat.E(chat.KindValidation, fmt.Sprintf("unsupported attachment type %s", contentType))
	}

	key := fmt.Sprintf("attachments/%s/%s.%s", convID, chat.NewBlobName(), ext)
	if err := u.blobs.Put(ctx, key, data, contentType); err != nil {
		return "", err
	}

	u.logger.Info("attachment uploaded",
		zap.String("conv_id", convID),
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)))
	return key, nil
}

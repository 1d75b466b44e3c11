package convsync

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// progressInterval bounds how often upload progress is written to the store.
const progressInterval = 200 * time.Millisecond

// MediaInput is a local file to send as a media message.
type MediaInput struct {
	Path string
	// ContentType defaults to the type registered for the file extension.
	ContentType string
}

// SendMedia stores a media placeholder in state sending, then uploads the file
// and sends the message in the background. Upload progress is reflected in
// the placeholder's TotalBytes and BytesUploaded.
func (r *MessageReconciler) SendMedia(ctx context.Context, conv string, in MediaInput) (*PendingSend, error) {
	if r.e.fetcher == nil {
		return nil, errors.New("send media: no content fetcher configured")
	}
	info, err := os.Stat(in.Path)
	if err != nil {
		return nil, fmt.Errorf("send media: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("send media: %s is a directory", in.Path)
	}

	m, err := r.placeholder(conv, model.MessageTypeMedia)
	if err != nil {
		return nil, err
	}
	m.MediaFileName = filepath.Base(in.Path)
	m.MediaContentType = in.ContentType
	if m.MediaContentType == "" {
		m.MediaContentType = mime.TypeByExtension(filepath.Ext(in.Path))
	}
	m.TotalBytes = info.Size()
	// the source file doubles as the local copy of an outgoing attachment
	m.MediaLocalPath = in.Path
	m.MediaDownloadStatus = model.DownloadCompleted
	return r.enqueue(ctx, m)
}

func (r *MessageReconciler) upload(ctx context.Context, m model.Message) (string, error) {
	if r.e.fetcher == nil {
		return "", errors.New("upload: no content fetcher configured")
	}
	f, err := os.Open(m.MediaLocalPath)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer f.Close()

	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	progress := remote.UploadProgress{
		Started: func() {
			r.recordUpload(ctx, m.UUID, 0)
		},
		Progress: func(sent int64) {
			if limiter.Allow() {
				r.recordUpload(ctx, m.UUID, sent)
			}
		},
	}
	meta := remote.UploadMeta{
		ConversationSid: m.ConversationSid,
		FileName:        m.MediaFileName,
		ContentType:     m.MediaContentType,
		Size:            m.TotalBytes,
	}
	sid, err := r.e.fetcher.Upload(ctx, f, meta, progress)
	r.e.metrics.RemoteCalls.WithLabelValues("upload", resultLabel(err)).Inc()
	if err != nil {
		return "", classify("upload", err)
	}
	r.recordUpload(ctx, m.UUID, m.TotalBytes)
	return sid, nil
}

func (r *MessageReconciler) recordUpload(ctx context.Context, id string, sent int64) {
	err := r.patchByUUID(ctx, id, func(m *model.Message) bool {
		if m.BytesUploaded == sent {
			return false
		}
		m.BytesUploaded = sent
		return true
	})
	if err != nil {
		r.e.logger.Warn("recording upload progress failed", zap.String("uuid", id), zap.Error(err))
	}
}

// patchByUUID applies fn to the cached message with the given uuid. Nothing is
// written when the message is gone or fn reports no change.
func (r *MessageReconciler) patchByUUID(ctx context.Context, id string, fn func(*model.Message) bool) error {
	return r.e.store.Update(ctx, func(tx *store.Tx) error {
		m, ok, err := tx.MessageByUUID(id)
		if err != nil || !ok {
			return err
		}
		if !fn(&m) {
			return nil
		}
		return tx.PutMessage(m)
	})
}

// ============================================================================
// Downloads
// ============================================================================

// StartMediaDownload downloads the attachment of the message at (conv, index)
// into the media directory and returns the local path. Concurrent calls for
// the same media share one download; a completed download is not repeated.
func (r *MessageReconciler) StartMediaDownload(ctx context.Context, conv string, index int64) (string, error) {
	m, err := r.cached("download media", conv, index)
	if err != nil {
		return "", err
	}
	if m.MediaSid == "" {
		return "", inconsistent("download media", "message has no media")
	}
	if r.e.fetcher == nil {
		return "", errors.New("download media: no content fetcher configured")
	}
	// the download outlives any single caller; each caller waits on its own ctx
	ch := r.downloads.DoChan(m.MediaSid, func() (any, error) {
		return r.download(context.WithoutCancel(ctx), conv, index)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("download media: %w", ctx.Err())
	case res := <-ch:
		if res.Shared {
			r.e.logger.Debug("joined running download", zap.String("media", m.MediaSid))
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *MessageReconciler) download(ctx context.Context, conv string, index int64) (string, error) {
	// re-read: an earlier download may have finished since the caller looked
	m, err := r.cached("download media", conv, index)
	if err != nil {
		return "", err
	}
	if m.MediaDownloadStatus == model.DownloadCompleted && fileExists(m.MediaLocalPath) {
		return m.MediaLocalPath, nil
	}

	url, err := fetch(ctx, r.e, "media url", func(ctx context.Context) (string, error) {
		return r.e.provider.MediaContentURL(ctx, conv, m.MediaSid)
	})
	if err != nil {
		r.downloadFailed(ctx, m.UUID, err)
		return "", err
	}
	err = r.patchByUUID(ctx, m.UUID, func(m *model.Message) bool {
		m.MediaURL = url
		m.MediaDownloadStatus = model.DownloadDownloading
		return true
	})
	if err != nil {
		return "", classify("download media", err)
	}

	dst := filepath.Join(r.e.mediaDir, MediaFileName(m.MediaSid, m.MediaFileName))
	if err := os.MkdirAll(r.e.mediaDir, 0o755); err != nil {
		r.downloadFailed(ctx, m.UUID, err)
		return "", fmt.Errorf("download media: %w", err)
	}
	n, err := r.e.fetcher.Download(ctx, url, dst)
	if err != nil {
		err = classify("download media", err)
		r.downloadFailed(ctx, m.UUID, err)
		return "", err
	}

	err = r.patchByUUID(context.WithoutCancel(ctx), m.UUID, func(m *model.Message) bool {
		m.MediaDownloadStatus = model.DownloadCompleted
		m.MediaLocalPath = dst
		if m.TotalBytes == 0 {
			m.TotalBytes = n
		}
		return true
	})
	if err != nil {
		return "", classify("download media", err)
	}
	r.e.metrics.Downloads.WithLabelValues("ok").Inc()
	r.e.logger.Debug("media downloaded", zap.String("media", m.MediaSid), zap.Int64("bytes", n))
	return dst, nil
}

func (r *MessageReconciler) downloadFailed(ctx context.Context, id string, cause error) {
	r.e.metrics.Downloads.WithLabelValues("error").Inc()
	r.e.logger.Warn("media download failed", zap.String("uuid", id), zap.Error(cause))
	err := r.patchByUUID(context.WithoutCancel(ctx), id, func(m *model.Message) bool {
		m.MediaDownloadStatus = model.DownloadError
		return true
	})
	if err != nil {
		r.e.logger.Warn("recording download failure failed", zap.String("uuid", id), zap.Error(err))
	}
}

// MediaFileName is the local file name of a downloaded attachment: the media
// sid followed by the sanitized original name.
func MediaFileName(mediaSid, fileName string) string {
	name := strings.TrimLeft(sanitize(filepath.Base(fileName)), ".")
	if name == "" || name == "_" {
		name = "media"
	}
	return sanitize(mediaSid) + "_" + name
}

func sanitize(s string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			return c
		}
		return '_'
	}, s)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

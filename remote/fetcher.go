package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// HTTPFetcher implements ContentFetcher over plain HTTP using the client's
// credentials for service-relative URLs.
type HTTPFetcher struct {
	client *Client
}

var _ ContentFetcher = (*HTTPFetcher)(nil)

// Fetcher returns a ContentFetcher sharing c's transport and credentials.
func (c *Client) Fetcher() *HTTPFetcher {
	return &HTTPFetcher{client: c}
}

// Download fetches url into dst. The file is written next to dst and renamed
// into place once complete, so a partial download never appears at dst.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	u := rawURL
	relative := strings.HasPrefix(rawURL, "/")
	if relative {
		u = f.client.baseURL + rawURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create download request: %w", err)
	}
	if relative {
		f.client.setAuthHeaders(req)
	}

	resp, err := f.client.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &APIError{Status: resp.StatusCode, Code: "DOWNLOAD_FAILED", Message: snippet(body)}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("write media: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("move media into place: %w", err)
	}
	return n, nil
}

// Upload streams r as a multipart form to the conversation's media endpoint.
func (f *HTTPFetcher) Upload(ctx context.Context, r io.Reader, meta UploadMeta, progress UploadProgress) (string, error) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = guessMimeType(meta.FileName)
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		part, err := w.CreatePart(map[string][]string{
			"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, meta.FileName)},
			"Content-Type":        {contentType},
		})
		if err == nil {
			_, err = io.Copy(part, &countingReader{r: r, onRead: progress.Progress})
		}
		if err == nil {
			err = w.Close()
		}
		pw.CloseWithError(err)
	}()

	u := f.client.baseURL + convPath(meta.ConversationSid, "media")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	f.client.setAuthHeaders(req)

	if progress.Started != nil {
		progress.Started()
	}
	resp, err := f.client.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil || resp.StatusCode >= 300 || !res.OK {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UPLOAD_FAILED", Message: snippet(data)}
		}
		apiErr.Status = resp.StatusCode
		return "", apiErr
	}
	var out struct {
		Sid string `json:"sid"`
	}
	if err := res.Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload: %w", err)
	}
	return out.Sid, nil
}

type countingReader struct {
	r      io.Reader
	n      int64
	onRead func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.onRead != nil {
			c.onRead(c.n)
		}
	}
	return n, err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[strings.ToLower(ext)]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

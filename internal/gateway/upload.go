package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// File is an in-memory upload payload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadResult is the backend's answer to a media upload.
type UploadResult struct {
	URL string `json:"url"`
}

// ProgressFunc receives the number of body bytes sent so far and the total.
type ProgressFunc func(sent, total int64)

// UploadFile sends f as the "file" part of a multipart POST. Uploads get
// twice the JSON timeout and are always retried on transient failures.
func (c *Client) UploadFile(ctx context.Context, path string, f File, onProgress ProgressFunc) (UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return UploadResult{}, fmt.Errorf("creating multipart part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return UploadResult{}, fmt.Errorf("writing multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("closing multipart writer: %w", err)
	}

	payload := body.Bytes()
	mkBody := func() (io.Reader, string, int64, error) {
		return bytes.NewReader(payload), mw.FormDataContentType(), int64(len(payload)), nil
	}

	var wrap func(io.Reader, int64) io.Reader
	if onProgress != nil {
		wrap = func(r io.Reader, total int64) io.Reader {
			return &progressReader{r: r, total: total, fn: onProgress}
		}
	}

	var res UploadResult
	err = c.retry(ctx, c.attempts, func() error {
		return c.attempt(ctx, http.MethodPost, path, nil, &res, 2*c.timeout, mkBody, wrap)
	})
	if err != nil {
		return UploadResult{}, err
	}
	if res.URL == "" {
		return UploadResult{}, fmt.Errorf("upload %s: response carried no url", f.Name)
	}
	return res, nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

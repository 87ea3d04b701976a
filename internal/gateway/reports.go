package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ecotrack/ecotrack/internal/media"
	"github.com/ecotrack/ecotrack/internal/model"
)

const (
	pathReports    = "/api/reports"
	pathStatistics = "/api/reports/statistics"
	pathUpload     = "/api/media/upload"
)

// ReportsAPI maps the reports REST contract onto a Client. It implements
// sync.RemoteAPI.
type ReportsAPI struct {
	c *Client

	// OnUploadProgress, when set, receives per-photo upload progress.
	OnUploadProgress func(mediaID string, sent, total int64)
}

// NewReportsAPI wraps c.
func NewReportsAPI(c *Client) *ReportsAPI {
	return &ReportsAPI{c: c}
}

// ListReports fetches the remote set with the server-side filter fields.
func (a *ReportsAPI) ListReports(ctx context.Context, f model.Filter) ([]*model.Report, error) {
	var wire []model.WireReport
	if err := a.c.Get(ctx, pathReports, f.Query(), &wire); err != nil {
		return nil, err
	}
	out := make([]*model.Report, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.Report())
	}
	return out, nil
}

// GetReport fetches a single report. A missing report surfaces as a
// KindClient error for which IsNotFound is true.
func (a *ReportsAPI) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var w model.WireReport
	if err := a.c.Get(ctx, reportPath(id), nil, &w); err != nil {
		return nil, err
	}
	return w.Report(), nil
}

// SaveReport creates or replaces the report under its client-generated id.
// The backend de-duplicates by id, so the POST is retried like an idempotent
// call.
func (a *ReportsAPI) SaveReport(ctx context.Context, r *model.Report) error {
	return a.c.Do(ctx, http.MethodPost, pathReports, r.Wire(), nil, Idempotent())
}

// DeleteReport removes a report from the backend.
func (a *ReportsAPI) DeleteReport(ctx context.Context, id string) error {
	return a.c.Do(ctx, http.MethodDelete, reportPath(id), nil, nil)
}

// UploadPhoto uploads a prepared blob and returns its remote URL.
func (a *ReportsAPI) UploadPhoto(ctx context.Context, b *media.Blob) (string, error) {
	var progress ProgressFunc
	if a.OnUploadProgress != nil {
		progress = func(sent, total int64) { a.OnUploadProgress(b.ID, sent, total) }
	}
	res, err := a.c.UploadFile(ctx, pathUpload, File{
		Name:        b.Filename,
		ContentType: b.ContentType,
		Data:        b.Data,
	}, progress)
	if err != nil {
		return "", fmt.Errorf("uploading photo %s: %w", b.ID, err)
	}
	return res.URL, nil
}

// Statistics fetches the server-computed aggregate.
func (a *ReportsAPI) Statistics(ctx context.Context) (model.Statistics, error) {
	var st model.Statistics
	if err := a.c.Get(ctx, pathStatistics, nil, &st); err != nil {
		return model.Statistics{}, err
	}
	st.Source = model.SourceRemote
	return st, nil
}

// reportPath joins id unescaped; the client escapes the path when it builds
// the request URL.
func reportPath(id string) string {
	return pathReports + "/" + id
}

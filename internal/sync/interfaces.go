// Package sync implements the offline-first report queue. Every write lands
// in the local store before any network attempt; pending reports are pushed
// to the backend by per-report syncs and by batch passes; reads merge local
// pending reports with the backend's copy.
//
// The package contains two main components:
//
//   - [Synchronizer] is the data-access surface: list, get, submit, update,
//     delete, sync and statistics, plus change listeners.
//   - [Engine] runs the periodic connectivity probe and batch sync loop.
package sync

import (
	"context"
	"encoding/json"

	"github.com/ecotrack/ecotrack/internal/media"
	"github.com/ecotrack/ecotrack/internal/model"
	"github.com/ecotrack/ecotrack/internal/store"
)

// LocalStore is the durable key-value store.
// Implemented by [store.Store].
type LocalStore interface {
	Put(ctx context.Context, c store.Collection, rec store.Record) error
	Get(ctx context.Context, c store.Collection, key string, dst any) (bool, error)
	GetAll(ctx context.Context, c store.Collection) ([]json.RawMessage, error)
	Delete(ctx context.Context, c store.Collection, key string) error
}

// RemoteAPI is the backend's reports contract.
// Implemented by [gateway.ReportsAPI]. Errors are classified by the gateway
// package; nothing here inspects their text.
type RemoteAPI interface {
	ListReports(ctx context.Context, f model.Filter) ([]*model.Report, error)
	GetReport(ctx context.Context, id string) (*model.Report, error)
	SaveReport(ctx context.Context, r *model.Report) error
	DeleteReport(ctx context.Context, id string) error
	UploadPhoto(ctx context.Context, b *media.Blob) (string, error)
	Statistics(ctx context.Context) (model.Statistics, error)
}

// Connectivity reports whether the backend is believed reachable.
// Implemented by [gateway.Client].
type Connectivity interface {
	Online() bool
}

// MediaPreparer normalises captured photos.
// Implemented by [media.Preparer].
type MediaPreparer interface {
	Prepare(data []byte, filename string) (*media.Blob, error)
}

// Prober actively checks reachability.
// Implemented by [gateway.Client].
type Prober interface {
	Probe(ctx context.Context) error
}

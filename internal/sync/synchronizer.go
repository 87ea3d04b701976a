package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ecotrack/ecotrack/internal/gateway"
	"github.com/ecotrack/ecotrack/internal/geo"
	"github.com/ecotrack/ecotrack/internal/media"
	"github.com/ecotrack/ecotrack/internal/model"
	"github.com/ecotrack/ecotrack/internal/store"
)

var (
	// ErrNotFound means the report exists neither locally nor on the backend.
	ErrNotFound = errors.New("report not found")

	// ErrMediaMissing means a pending photo's blob is gone from the media
	// collection, so the report cannot be uploaded as stored.
	ErrMediaMissing = errors.New("photo blob missing")
)

// PhotoInput is a captured photo before preparation.
type PhotoInput struct {
	Filename string
	Data     []byte
}

// NewReport is the caller-supplied part of a submission. Id, timestamp and
// status are assigned by Submit.
type NewReport struct {
	Type        model.IncidentType
	Description string
	Location    model.Location
	Severity    model.Severity
	Anonymous   bool
	Photos      []PhotoInput
}

// Patch lists the fields Update changes. Nil fields are left alone;
// AddPhotos are appended after the existing photos.
type Patch struct {
	Type        *model.IncidentType
	Description *string
	Location    *model.Location
	Severity    *model.Severity
	Anonymous   *bool
	AddPhotos   []PhotoInput
}

// SyncResult summarises one batch pass.
type SyncResult struct {
	// Skipped is set when another pass was already running.
	Skipped bool
	// Offline is set by the Engine when the probe failed and no pass ran.
	Offline bool

	Attempted int
	Synced    int
	Failed    int

	TombstonesCleared   int
	TombstonesRemaining int

	// Failures maps report id to the error that kept it pending.
	Failures map[string]error
	Duration time.Duration
}

// tombstone marks a report deleted locally whose remote copy may survive.
type tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (t *tombstone) RecordKey() string { return t.ID }

// Options tunes a Synchronizer. Zero values take defaults.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Synchronizer is the data-access surface for reports. Create one with
// [New] at startup and share it; it holds no package-level state.
type Synchronizer struct {
	local  LocalStore
	remote RemoteAPI
	conn   Connectivity
	media  MediaPreparer
	log    *slog.Logger
	now    func() time.Time
	newID  func() string

	events listeners
	locks  keyLock

	syncing atomic.Bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	cacheMu     sync.Mutex
	cached      []*model.Report
	cacheFilter model.Filter
}

// New wires a Synchronizer. A nil prep uses a default [media.Preparer].
func New(local LocalStore, remote RemoteAPI, conn Connectivity, prep MediaPreparer, opts Options) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if prep == nil {
		prep = media.New(media.Options{Logger: logger})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		local:    local,
		remote:   remote,
		conn:     conn,
		media:    prep,
		log:      logger,
		now:      now,
		newID:    newID,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Subscribe registers fn for every future event. The returned function
// unregisters it and is safe to call more than once.
func (s *Synchronizer) Subscribe(fn Listener) (unsubscribe func()) {
	return s.events.subscribe(fn)
}

// Wait blocks until background syncs dispatched by Submit and Update finish.
func (s *Synchronizer) Wait() {
	s.bg.Wait()
}

// Close cancels background syncs and waits for them to return.
func (s *Synchronizer) Close() {
	s.bgCancel()
	s.bg.Wait()
}

// Syncing reports whether a batch pass is running.
func (s *Synchronizer) Syncing() bool {
	return s.syncing.Load()
}

// --- Reads -------------------------------------------------------------------

// List returns local pending reports merged with the backend's copy when
// online. A remote failure is logged and the local view returned. Local
// pending copies win over remote ones, tombstoned ids are hidden, and the
// result is sorted newest first with ties broken by id.
func (s *Synchronizer) List(ctx context.Context, f model.Filter) ([]*model.Report, error) {
	var remote []*model.Report
	if s.conn.Online() {
		rs, err := s.remote.ListReports(ctx, f)
		if err != nil {
			s.log.Warn("remote list failed, showing local reports", "kind", gateway.KindOf(err), "error", err)
		} else {
			remote = rs
		}
	}

	local, err := s.pendingReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	hidden, err := s.tombstoned(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	merged := mergeReports(remote, local, hidden)
	out := merged[:0]
	for _, r := range merged {
		if f.MatchesAttributes(r) && geo.Within(r.Location, f.Near) {
			out = append(out, r)
		}
	}
	sortReports(out)

	s.cacheMu.Lock()
	s.cached = cloneAll(out)
	s.cacheFilter = f
	s.cacheMu.Unlock()

	s.events.emit(Event{Kind: EventReports, Reports: cloneAll(out)})
	return cloneAll(out), nil
}

// Cached returns the last listing, adjusted by writes made since.
func (s *Synchronizer) Cached() []*model.Report {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return cloneAll(s.cached)
}

// Get returns a report from the local store, falling back to the backend.
func (s *Synchronizer) Get(ctx context.Context, id string) (*model.Report, error) {
	r, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// load finds id locally first, then remotely. local reports whether the
// report came from the store.
func (s *Synchronizer) load(ctx context.Context, id string) (r *model.Report, local bool, err error) {
	var stored model.Report
	found, err := s.local.Get(ctx, store.Reports, id, &stored)
	if err != nil {
		return nil, false, fmt.Errorf("loading report %s: %w", id, err)
	}
	if found {
		return &stored, true, nil
	}

	var tomb tombstone
	if deleted, err := s.local.Get(ctx, store.Tombstones, id, &tomb); err != nil {
		return nil, false, fmt.Errorf("loading report %s: %w", id, err)
	} else if deleted {
		return nil, false, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}

	if !s.conn.Online() {
		return nil, false, fmt.Errorf("report %s (not stored locally, backend offline): %w", id, ErrNotFound)
	}
	remote, err := s.remote.GetReport(ctx, id)
	if gateway.IsNotFound(err) {
		return nil, false, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetching report %s: %w", id, err)
	}
	return remote, false, nil
}

// Statistics returns the backend's aggregate when online, otherwise counts
// computed from the local pending set. Listeners are notified either way.
func (s *Synchronizer) Statistics(ctx context.Context) (model.Statistics, error) {
	if s.conn.Online() {
		st, err := s.remote.Statistics(ctx)
		if err == nil {
			st.Source = model.SourceRemote
			s.events.emit(Event{Kind: EventStatistics, Statistics: &st})
			return st, nil
		}
		s.log.Warn("remote statistics failed, computing locally", "kind", gateway.KindOf(err), "error", err)
	}

	pending, err := s.pendingReports(ctx)
	if err != nil {
		return model.Statistics{}, fmt.Errorf("computing statistics: %w", err)
	}
	st := model.ComputeStatistics(pending, model.SourceLocal)
	s.events.emit(Event{Kind: EventStatistics, Statistics: &st})
	return st, nil
}

// --- Writes ------------------------------------------------------------------

// Submit validates and durably queues a new report. Photos are prepared and
// stored as blobs first. When online a background sync is dispatched; its
// failure never fails the submit.
func (s *Synchronizer) Submit(ctx context.Context, in NewReport) (*model.Report, error) {
	severity := in.Severity
	if severity == "" {
		severity = model.SeverityMedium
	}
	r := &model.Report{
		ID:          s.newID(),
		Type:        in.Type,
		Description: strings.TrimSpace(in.Description),
		Location:    in.Location,
		Photos:      []model.Photo{},
		Severity:    severity,
		Anonymous:   in.Anonymous,
		Status:      model.StatusPending,
		Timestamp:   s.now().UTC().Truncate(time.Millisecond),
	}

	blobs, err := s.preparePhotos(in.Photos)
	if err != nil {
		return nil, err
	}
	for _, b := range blobs {
		r.Photos = append(r.Photos, model.Photo{MediaID: b.ID})
		if r.Location.IsZero() && b.Location != nil {
			r.Location.Lat, r.Location.Lng = b.Location.Lat, b.Location.Lng
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	if err := s.storeBlobs(ctx, blobs); err != nil {
		return nil, err
	}
	if err := s.local.Put(ctx, store.Reports, r); err != nil {
		s.dropBlobs(ctx, blobs)
		return nil, fmt.Errorf("saving report %s: %w", r.ID, err)
	}
	s.log.Info("report queued", "report_id", r.ID, "type", r.Type, "photos", len(r.Photos))

	s.upsertCached(r)
	s.events.emit(Event{Kind: EventReportSaved, Report: r.Clone()})
	s.dispatchSync(r.ID)
	return r.Clone(), nil
}

// Update applies patch to an existing report, local or remote, and queues the
// result as pending again.
func (s *Synchronizer) Update(ctx context.Context, id string, patch Patch) (*model.Report, error) {
	unlock := s.locks.lock(id)
	r, local, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if !local {
		// The backend holds a copy, which matters for delete.
		now := s.now().UTC()
		r.LastSyncedAt = &now
	}

	if patch.Type != nil {
		r.Type = *patch.Type
	}
	if patch.Description != nil {
		r.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Location != nil {
		r.Location = *patch.Location
	}
	if patch.Severity != nil {
		r.Severity = *patch.Severity
	}
	if patch.Anonymous != nil {
		r.Anonymous = *patch.Anonymous
	}

	blobs, err := s.preparePhotos(patch.AddPhotos)
	if err != nil {
		unlock()
		return nil, err
	}
	for _, b := range blobs {
		r.Photos = append(r.Photos, model.Photo{MediaID: b.ID})
	}
	r.Status = model.StatusPending
	if err := r.Validate(); err != nil {
		unlock()
		return nil, err
	}

	if err := s.storeBlobs(ctx, blobs); err != nil {
		unlock()
		return nil, err
	}
	if err := s.local.Put(ctx, store.Reports, r); err != nil {
		s.dropBlobs(ctx, blobs)
		unlock()
		return nil, fmt.Errorf("saving report %s: %w", id, err)
	}
	unlock()
	s.log.Info("report updated", "report_id", id, "added_photos", len(blobs))

	s.upsertCached(r)
	s.events.emit(Event{Kind: EventReportSaved, Report: r.Clone()})
	s.dispatchSync(id)
	return r.Clone(), nil
}

// Delete removes a report. When online the backend copy is deleted first (a
// 404 counts as done). The local copy and its blobs are always removed. If
// the remote delete was not confirmed and the backend may hold the report, a
// tombstone hides it from listings until a batch pass confirms the delete.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	var r model.Report
	found, err := s.local.Get(ctx, store.Reports, id, &r)
	if err != nil {
		return fmt.Errorf("deleting report %s: %w", id, err)
	}

	confirmed, absentRemotely := false, false
	if s.conn.Online() {
		err := s.remote.DeleteReport(ctx, id)
		switch {
		case err == nil:
			confirmed = true
		case gateway.IsNotFound(err):
			confirmed, absentRemotely = true, true
		default:
			s.log.Warn("remote delete failed", "report_id", id, "kind", gateway.KindOf(err), "error", err)
		}
	}

	if found {
		for _, p := range r.Photos {
			if p.MediaID == "" {
				continue
			}
			if err := s.local.Delete(ctx, store.Media, p.MediaID); err != nil {
				return fmt.Errorf("deleting photo %s of report %s: %w", p.MediaID, id, err)
			}
		}
		if err := s.local.Delete(ctx, store.Reports, id); err != nil {
			return fmt.Errorf("deleting report %s: %w", id, err)
		}
	}

	switch {
	case confirmed:
		if err := s.local.Delete(ctx, store.Tombstones, id); err != nil {
			return fmt.Errorf("clearing tombstone %s: %w", id, err)
		}
	case !found || r.EverSynced():
		t := &tombstone{ID: id, DeletedAt: s.now().UTC()}
		if err := s.local.Put(ctx, store.Tombstones, t); err != nil {
			return fmt.Errorf("recording tombstone %s: %w", id, err)
		}
		s.log.Info("report deleted locally, remote delete deferred", "report_id", id)
	}

	if !found && absentRemotely {
		return fmt.Errorf("deleting report %s: %w", id, ErrNotFound)
	}

	s.removeCached(id)
	s.events.emit(Event{Kind: EventReportDeleted, ReportID: id})
	return nil
}

// --- Sync --------------------------------------------------------------------

// SyncOne pushes one stored report: each photo not yet uploaded is sent and
// its URL recorded on the stored copy immediately, so an interrupted sync
// resumes where it stopped; then the report is posted and marked synced and
// its blobs are dropped. Any failure is returned and the report stays
// pending.
func (s *Synchronizer) SyncOne(ctx context.Context, report *model.Report) error {
	return s.syncByID(ctx, report.ID)
}

func (s *Synchronizer) syncByID(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	var r model.Report
	found, err := s.local.Get(ctx, store.Reports, id, &r)
	if err != nil {
		return fmt.Errorf("loading report %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("syncing report %s: %w", id, ErrNotFound)
	}
	if r.Status == model.StatusSynced {
		return nil
	}

	for i := range r.Photos {
		if r.Photos[i].Remote() {
			continue
		}
		mediaID := r.Photos[i].MediaID
		var blob media.Blob
		found, err := s.local.Get(ctx, store.Media, mediaID, &blob)
		if err != nil {
			return fmt.Errorf("loading photo %s of report %s: %w", mediaID, id, err)
		}
		if !found {
			return fmt.Errorf("report %s photo %s: %w", id, mediaID, ErrMediaMissing)
		}
		url, err := s.remote.UploadPhoto(ctx, &blob)
		if err != nil {
			return fmt.Errorf("report %s photo %d: %w", id, i+1, err)
		}
		r.Photos[i].URL = url
		if err := s.local.Put(ctx, store.Reports, &r); err != nil {
			return fmt.Errorf("recording upload for report %s: %w", id, err)
		}
	}

	if err := s.remote.SaveReport(ctx, &r); err != nil {
		return fmt.Errorf("posting report %s: %w", id, err)
	}

	now := s.now().UTC()
	r.Status = model.StatusSynced
	r.LastSyncedAt = &now
	var uploaded []string
	for i := range r.Photos {
		if r.Photos[i].MediaID != "" {
			uploaded = append(uploaded, r.Photos[i].MediaID)
			r.Photos[i].MediaID = ""
		}
	}
	if err := s.local.Put(ctx, store.Reports, &r); err != nil {
		return fmt.Errorf("marking report %s synced: %w", id, err)
	}
	for _, mediaID := range uploaded {
		if err := s.local.Delete(ctx, store.Media, mediaID); err != nil {
			s.log.Warn("dropping uploaded photo blob", "report_id", id, "media_id", mediaID, "error", err)
		}
	}
	s.log.Info("report synced", "report_id", id, "photos", len(r.Photos))

	s.upsertCached(&r)
	s.events.emit(Event{Kind: EventReportSaved, Report: r.Clone()})
	return nil
}

// SyncAll drains tombstones and pushes every pending report, oldest first.
// Individual failures are counted and logged; only a failure to read the
// pending set is returned. A call made while another pass is running
// returns at once with Skipped set.
func (s *Synchronizer) SyncAll(ctx context.Context) (SyncResult, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.Debug("sync already in progress, skipping")
		return SyncResult{Skipped: true}, nil
	}
	defer s.syncing.Store(false)

	start := s.now()
	res := SyncResult{Failures: make(map[string]error)}
	s.events.emit(Event{Kind: EventSyncStarted})
	defer func() {
		res.Duration = s.now().Sub(start)
		final := res
		s.events.emit(Event{Kind: EventSyncFinished, Result: &final})
	}()

	s.drainTombstones(ctx, &res)

	pending, err := s.pendingReports(ctx)
	if err != nil {
		return res, fmt.Errorf("loading pending reports: %w", err)
	}

	for _, r := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		err := s.syncByID(ctx, r.ID)
		switch {
		case err == nil:
			res.Synced++
		case errors.Is(err, ErrNotFound):
			// Deleted while the pass was running.
			res.Attempted--
		default:
			res.Failed++
			res.Failures[r.ID] = err
			s.log.Warn("report sync failed, will retry", "report_id", r.ID, "kind", gateway.KindOf(err), "error", err)
		}
	}

	s.log.Info("sync pass complete",
		"attempted", res.Attempted,
		"synced", res.Synced,
		"failed", res.Failed,
		"tombstones_cleared", res.TombstonesCleared,
	)

	if _, err := s.List(ctx, s.currentFilter()); err != nil {
		s.log.Warn("refreshing report list after sync", "error", err)
	}
	return res, nil
}

func (s *Synchronizer) drainTombstones(ctx context.Context, res *SyncResult) {
	tombs, err := store.All[tombstone](ctx, s.local, store.Tombstones)
	if err != nil {
		s.log.Warn("loading tombstones", "error", err)
		return
	}
	for _, t := range tombs {
		err := s.remote.DeleteReport(ctx, t.ID)
		if err != nil && !gateway.IsNotFound(err) {
			res.TombstonesRemaining++
			s.log.Warn("deferred remote delete failed", "report_id", t.ID, "kind", gateway.KindOf(err), "error", err)
			continue
		}
		if err := s.local.Delete(ctx, store.Tombstones, t.ID); err != nil {
			res.TombstonesRemaining++
			s.log.Warn("clearing tombstone", "report_id", t.ID, "error", err)
			continue
		}
		res.TombstonesCleared++
	}
}

// dispatchSync starts a best-effort background sync of id when online.
func (s *Synchronizer) dispatchSync(id string) {
	if !s.conn.Online() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		err := s.syncByID(s.bgCtx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound), errors.Is(err, context.Canceled):
			s.log.Debug("background sync abandoned", "report_id", id, "error", err)
		default:
			s.log.Warn("background sync failed, report stays queued", "report_id", id, "kind", gateway.KindOf(err), "error", err)
		}
	}()
}

// --- Helpers -----------------------------------------------------------------

func (s *Synchronizer) preparePhotos(inputs []PhotoInput) ([]*media.Blob, error) {
	blobs := make([]*media.Blob, 0, len(inputs))
	for _, in := range inputs {
		b, err := s.media.Prepare(in.Data, in.Filename)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}

// storeBlobs writes every blob or none.
func (s *Synchronizer) storeBlobs(ctx context.Context, blobs []*media.Blob) error {
	for i, b := range blobs {
		if err := s.local.Put(ctx, store.Media, b); err != nil {
			s.dropBlobs(ctx, blobs[:i])
			return fmt.Errorf("saving photo %s: %w", b.Filename, err)
		}
	}
	return nil
}

func (s *Synchronizer) dropBlobs(ctx context.Context, blobs []*media.Blob) {
	for _, b := range blobs {
		if err := s.local.Delete(ctx, store.Media, b.ID); err != nil {
			s.log.Warn("dropping orphaned photo blob", "media_id", b.ID, "error", err)
		}
	}
}

// pendingReports returns stored pending reports, oldest first.
func (s *Synchronizer) pendingReports(ctx context.Context) ([]*model.Report, error) {
	all, err := store.All[model.Report](ctx, s.local, store.Reports)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, r := range all {
		if r.Status == model.StatusPending {
			pending = append(pending, r)
		}
	}
	slices.SortFunc(pending, func(a, b *model.Report) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return pending, nil
}

func (s *Synchronizer) tombstoned(ctx context.Context) (map[string]bool, error) {
	tombs, err := store.All[tombstone](ctx, s.local, store.Tombstones)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(tombs))
	for _, t := range tombs {
		ids[t.ID] = true
	}
	return ids, nil
}

func (s *Synchronizer) currentFilter() model.Filter {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheFilter
}

// upsertCached replaces or inserts r in the cached listing when it matches
// the listing's filter.
func (s *Synchronizer) upsertCached(r *model.Report) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cached = slices.DeleteFunc(s.cached, func(c *model.Report) bool { return c.ID == r.ID })
	if s.cacheFilter.MatchesAttributes(r) && geo.Within(r.Location, s.cacheFilter.Near) {
		s.cached = append(s.cached, r.Clone())
		sortReports(s.cached)
	}
}

func (s *Synchronizer) removeCached(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cached = slices.DeleteFunc(s.cached, func(c *model.Report) bool { return c.ID == id })
}

// mergeReports combines remote and local copies by id. Local copies replace
// remote ones; hidden ids are dropped from the remote side.
func mergeReports(remote, local []*model.Report, hidden map[string]bool) []*model.Report {
	byID := make(map[string]*model.Report, len(remote)+len(local))
	order := make([]string, 0, len(remote)+len(local))
	add := func(r *model.Report) {
		if _, seen := byID[r.ID]; !seen {
			order = append(order, r.ID)
		}
		byID[r.ID] = r
	}
	for _, r := range remote {
		if !hidden[r.ID] {
			add(r)
		}
	}
	for _, r := range local {
		add(r)
	}

	out := make([]*model.Report, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// sortReports orders newest first; equal timestamps fall back to id.
func sortReports(rs []*model.Report) {
	slices.SortFunc(rs, func(a, b *model.Report) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func cloneAll(rs []*model.Report) []*model.Report {
	out := make([]*model.Report, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

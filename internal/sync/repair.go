package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/ecotrack/ecotrack/internal/media"
	"github.com/ecotrack/ecotrack/internal/model"
	"github.com/ecotrack/ecotrack/internal/store"
)

// Repair reconciles the media collection against the photo references held
// by stored reports. It prints what it found and, after confirmation, drops
// orphaned blobs and strips dangling photo references so a pending report no
// longer fails every pass with [ErrMediaMissing].
type Repair struct {
	local  LocalStore
	log    *slog.Logger
	reader io.Reader // confirmation prompt (os.Stdin in production)
	writer io.Writer // summary output (os.Stdout in production)
}

// NewRepair creates a Repair over the given store. reader and writer control
// the confirmation prompt; a nil reader confirms automatically.
func NewRepair(local LocalStore, logger *slog.Logger, reader io.Reader, writer io.Writer) *Repair {
	return &Repair{local: local, log: logger, reader: reader, writer: writer}
}

// RepairResult counts what a repair changed.
type RepairResult struct {
	OrphanedBlobs   int
	DanglingPhotos  int
	ReportsDropped  int
	ReportsModified int
}

// Clean reports whether nothing needed repair.
func (r RepairResult) Clean() bool {
	return r.OrphanedBlobs == 0 && r.DanglingPhotos == 0
}

// scanResult holds the mismatches between reports and blobs.
type scanResult struct {
	orphans  []string            // blob ids no report references
	dangling map[string][]string // report id → media ids without a blob
	reports  map[string]*model.Report
}

// Run scans the store, prints a summary and applies the fix when confirmed.
// It returns the zero result when nothing needed repair or the prompt was
// declined.
func (r *Repair) Run(ctx context.Context) (RepairResult, error) {
	scan, err := r.scan(ctx)
	if err != nil {
		return RepairResult{}, err
	}
	if len(scan.orphans) == 0 && len(scan.dangling) == 0 {
		r.log.Debug("local store consistent, nothing to repair")
		return RepairResult{}, nil
	}

	r.printSummary(scan)
	if !r.confirm() {
		r.log.Info("repair cancelled by user")
		return RepairResult{}, nil
	}

	res, err := r.execute(ctx, scan)
	if err != nil {
		return res, fmt.Errorf("executing repair: %w", err)
	}
	r.log.Info("repair complete",
		"orphaned_blobs", res.OrphanedBlobs,
		"dangling_photos", res.DanglingPhotos,
		"reports_dropped", res.ReportsDropped,
	)
	return res, nil
}

func (r *Repair) scan(ctx context.Context) (scanResult, error) {
	reports, err := store.All[model.Report](ctx, r.local, store.Reports)
	if err != nil {
		return scanResult{}, fmt.Errorf("loading reports: %w", err)
	}
	blobs, err := store.All[media.Blob](ctx, r.local, store.Media)
	if err != nil {
		return scanResult{}, fmt.Errorf("loading photo blobs: %w", err)
	}

	haveBlob := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		haveBlob[b.ID] = true
	}

	res := scanResult{
		dangling: make(map[string][]string),
		reports:  make(map[string]*model.Report, len(reports)),
	}
	referenced := make(map[string]bool)
	for _, rep := range reports {
		res.reports[rep.ID] = rep
		for _, p := range rep.Photos {
			if p.MediaID == "" {
				continue
			}
			referenced[p.MediaID] = true
			if !haveBlob[p.MediaID] && !p.Remote() {
				res.dangling[rep.ID] = append(res.dangling[rep.ID], p.MediaID)
			}
		}
	}
	for _, b := range blobs {
		if !referenced[b.ID] {
			res.orphans = append(res.orphans, b.ID)
		}
	}
	slices.Sort(res.orphans)
	return res, nil
}

func (r *Repair) printSummary(scan scanResult) {
	_, _ = fmt.Fprintf(r.writer, "\n--- Local Store Repair ---\n\n")

	if len(scan.orphans) > 0 {
		_, _ = fmt.Fprintf(r.writer, "Photo blobs no report references (will delete): %d\n", len(scan.orphans))
		for _, id := range scan.orphans {
			_, _ = fmt.Fprintf(r.writer, "    ✗ %s\n", id)
		}
		_, _ = fmt.Fprintln(r.writer)
	}

	if len(scan.dangling) > 0 {
		_, _ = fmt.Fprintf(r.writer, "Reports with missing photos (photos will be removed): %d\n", len(scan.dangling))
		for _, id := range sortedKeys(scan.dangling) {
			_, _ = fmt.Fprintf(r.writer, "    → %s: %s\n", id, strings.Join(scan.dangling[id], ", "))
		}
		_, _ = fmt.Fprintln(r.writer)
	}
}

// confirm reads a y/n response from the reader.
func (r *Repair) confirm() bool {
	if r.reader == nil {
		return true
	}
	_, _ = fmt.Fprintf(r.writer, "Proceed with repair? [y/N] ")
	scanner := bufio.NewScanner(r.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

func (r *Repair) execute(ctx context.Context, scan scanResult) (RepairResult, error) {
	var res RepairResult

	for _, id := range scan.orphans {
		if err := r.local.Delete(ctx, store.Media, id); err != nil {
			return res, fmt.Errorf("deleting orphaned blob %s: %w", id, err)
		}
		res.OrphanedBlobs++
	}

	for _, id := range sortedKeys(scan.dangling) {
		rep := scan.reports[id]
		missing := scan.dangling[id]
		rep.Photos = slices.DeleteFunc(rep.Photos, func(p model.Photo) bool {
			return slices.Contains(missing, p.MediaID)
		})
		res.DanglingPhotos += len(missing)

		// The photos were the report's only content.
		if rep.CheckContent() != nil {
			if err := r.local.Delete(ctx, store.Reports, id); err != nil {
				return res, fmt.Errorf("dropping report %s: %w", id, err)
			}
			res.ReportsDropped++
			r.log.Warn("dropped report left without content", "report_id", id)
			continue
		}
		if err := r.local.Put(ctx, store.Reports, rep); err != nil {
			return res, fmt.Errorf("saving report %s: %w", id, err)
		}
		res.ReportsModified++
	}
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

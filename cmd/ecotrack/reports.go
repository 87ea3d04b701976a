package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ecotrack/ecotrack/internal/geo"
	"github.com/ecotrack/ecotrack/internal/model"
	syncp "github.com/ecotrack/ecotrack/internal/sync"
)

// --- Flag helpers ------------------------------------------------------------

// filterFlags are shared by list and export.
type filterFlags struct {
	typ, status, severity string
	from, to              string
	near                  string
}

func addFilterFlags(fs *flag.FlagSet) *filterFlags {
	f := &filterFlags{}
	fs.StringVar(&f.typ, "type", "", "only this incident type")
	fs.StringVar(&f.status, "status", "", "pending or synced")
	fs.StringVar(&f.severity, "severity", "", "low, medium or high")
	fs.StringVar(&f.from, "from", "", "earliest timestamp (RFC 3339 or YYYY-MM-DD)")
	fs.StringVar(&f.to, "to", "", "latest timestamp (RFC 3339 or YYYY-MM-DD, inclusive)")
	fs.StringVar(&f.near, "near", "", "lat,lng,radius_m")
	return f
}

func (f *filterFlags) build() (model.Filter, error) {
	var out model.Filter
	var err error
	if f.typ != "" {
		if out.Type, err = model.ParseIncidentType(f.typ); err != nil {
			return out, err
		}
	}
	switch model.Status(strings.ToLower(f.status)) {
	case "":
	case model.StatusPending:
		out.Status = model.StatusPending
	case model.StatusSynced:
		out.Status = model.StatusSynced
	default:
		return out, fmt.Errorf("unknown status %q", f.status)
	}
	if f.severity != "" {
		if out.Severity, err = model.ParseSeverity(f.severity); err != nil {
			return out, err
		}
	}
	if out.From, err = parseTimeFlag(f.from, false); err != nil {
		return out, fmt.Errorf("--from: %w", err)
	}
	if out.To, err = parseTimeFlag(f.to, true); err != nil {
		return out, fmt.Errorf("--to: %w", err)
	}
	if out.Near, err = parseNear(f.near); err != nil {
		return out, fmt.Errorf("--near: %w", err)
	}
	return out, nil
}

// parseTimeFlag accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeFlag(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

func parseNear(s string) (*model.Near, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("want lat,lng,radius_m, got %q", s)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", p)
		}
		vals[i] = v
	}
	if vals[0] < -90 || vals[0] > 90 || vals[1] < -180 || vals[1] > 180 || vals[2] <= 0 {
		return nil, fmt.Errorf("%q is out of range", s)
	}
	return &model.Near{Lat: vals[0], Lng: vals[1], RadiusM: vals[2]}, nil
}

// photoFlag collects repeated --photo paths.
type photoFlag []string

func (p *photoFlag) String() string     { return strings.Join(*p, ",") }
func (p *photoFlag) Set(v string) error { *p = append(*p, v); return nil }

func (p photoFlag) read() ([]syncp.PhotoInput, error) {
	out := make([]syncp.PhotoInput, 0, len(p))
	for _, path := range p {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading photo: %w", err)
		}
		out = append(out, syncp.PhotoInput{Filename: filepath.Base(path), Data: data})
	}
	return out, nil
}

// oneArg returns the single positional argument or a usage error.
func oneArg(fs *flag.FlagSet, what string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("usage: ecotrack %s [flags] <%s>", fs.Name(), what)
	}
	return fs.Arg(0), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// describeError turns the sentinel errors into something a user can act on.
func describeError(err error) error {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return fmt.Errorf("invalid report: %w", err)
	case errors.Is(err, syncp.ErrNotFound):
		return fmt.Errorf("%w (it may only exist on the backend; check connectivity)", err)
	default:
		return err
	}
}

// --- Report commands ---------------------------------------------------------

func runSubmit(args []string) error {
	fs, g := newFlagSet("submit")
	typ := fs.String("type", "", "incident type: pollution, waste, wildlife, deforestation, water or other")
	desc := fs.String("description", "", "what was observed")
	lat := fs.Float64("lat", 0, "latitude")
	lng := fs.Float64("lng", 0, "longitude")
	address := fs.String("address", "", "address; geocoded when --lat/--lng are omitted")
	severity := fs.String("severity", "", "low, medium or high (default medium)")
	anonymous := fs.Bool("anonymous", false, "submit without identifying the reporter")
	var photos photoFlag
	fs.Var(&photos, "photo", "path to a photo (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := syncp.NewReport{
		Description: *desc,
		Location:    model.Location{Lat: *lat, Lng: *lng, Address: *address},
		Anonymous:   *anonymous,
	}
	var err error
	if in.Type, err = model.ParseIncidentType(*typ); err != nil {
		return err
	}
	if in.Severity, err = model.ParseSeverity(*severity); err != nil {
		return err
	}
	if in.Photos, err = photos.read(); err != nil {
		return err
	}
	draft := model.Report{Description: in.Description, Photos: make([]model.Photo, len(in.Photos))}
	if err := draft.CheckContent(); err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	a.resolveLocation(ctx, &in.Location)

	r, err := a.sync.Submit(ctx, in)
	if err != nil {
		return describeError(err)
	}
	a.sync.Wait()

	if cur, err := a.sync.Get(ctx, r.ID); err == nil {
		r = cur
	}
	fmt.Printf("Report %s %s.\n", r.ID, statusPhrase(r.Status))
	return nil
}

func statusPhrase(s model.Status) string {
	if s == model.StatusSynced {
		return "sent to the backend"
	}
	return "queued, it will be sent when the backend is reachable"
}

func runList(args []string) error {
	fs, g := newFlagSet("list")
	ff := addFilterFlags(fs)
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := ff.build()
	if err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	reports, err := a.sync.List(ctx, filter)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(os.Stdout, reports)
	}
	printReports(os.Stdout, reports)
	return nil
}

func printReports(w io.Writer, reports []*model.Report) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No reports.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tTYPE\tSEVERITY\tSTATUS\tPHOTOS\tDESCRIPTION")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(r.ID),
			r.Timestamp.Local().Format("2006-01-02 15:04"),
			r.Type,
			r.Severity,
			r.Status,
			len(r.Photos),
			truncate(r.Description, 40),
		)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runGet(args []string) error {
	fs, g := newFlagSet("get")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneArg(fs, "id")
	if err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	r, err := a.sync.Get(ctx, id)
	if err != nil {
		return describeError(err)
	}
	return writeJSON(os.Stdout, r)
}

func runUpdate(args []string) error {
	fs, g := newFlagSet("update")
	typ := fs.String("type", "", "new incident type")
	desc := fs.String("description", "", "new description")
	lat := fs.Float64("lat", 0, "new latitude")
	lng := fs.Float64("lng", 0, "new longitude")
	address := fs.String("address", "", "new address")
	severity := fs.String("severity", "", "new severity")
	anonymous := fs.Bool("anonymous", false, "submit without identifying the reporter")
	var photos photoFlag
	fs.Var(&photos, "photo", "path to a photo to add (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneArg(fs, "id")
	if err != nil {
		return err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var patch syncp.Patch
	if set["type"] {
		t, err := model.ParseIncidentType(*typ)
		if err != nil {
			return err
		}
		patch.Type = &t
	}
	if set["description"] {
		patch.Description = desc
	}
	if set["severity"] {
		s, err := model.ParseSeverity(*severity)
		if err != nil {
			return err
		}
		patch.Severity = &s
	}
	if set["anonymous"] {
		patch.Anonymous = anonymous
	}
	if patch.AddPhotos, err = photos.read(); err != nil {
		return err
	}
	locationSet := set["lat"] || set["lng"] || set["address"]
	if set["lat"] != set["lng"] {
		return fmt.Errorf("--lat and --lng must be given together")
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if locationSet {
		loc := model.Location{Lat: *lat, Lng: *lng, Address: *address}
		if !set["lat"] {
			cur, err := a.sync.Get(ctx, id)
			if err != nil {
				return describeError(err)
			}
			loc.Lat, loc.Lng = cur.Location.Lat, cur.Location.Lng
			if !set["address"] {
				loc.Address = cur.Location.Address
			}
		}
		a.resolveLocation(ctx, &loc)
		patch.Location = &loc
	}

	r, err := a.sync.Update(ctx, id, patch)
	if err != nil {
		return describeError(err)
	}
	a.sync.Wait()
	if cur, err := a.sync.Get(ctx, r.ID); err == nil {
		r = cur
	}
	fmt.Printf("Report %s updated and %s.\n", r.ID, statusPhrase(r.Status))
	return nil
}

func runDelete(args []string) error {
	fs, g := newFlagSet("delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneArg(fs, "id")
	if err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := a.sync.Delete(ctx, id); err != nil {
		return describeError(err)
	}
	fmt.Printf("Report %s deleted.\n", id)
	return nil
}

func runStats(args []string) error {
	fs, g := newFlagSet("stats")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	st, err := a.sync.Statistics(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(os.Stdout, st)
	}

	fmt.Printf("Reports: %d (%d pending, %d synced) [%s]\n", st.Total, st.Pending, st.Synced, st.Source)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, t := range model.IncidentTypes {
		if n := st.ByType[t]; n > 0 {
			fmt.Fprintf(tw, "  %s\t%d\n", t, n)
		}
	}
	for _, s := range []model.Severity{model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		if n := st.BySeverity[s]; n > 0 {
			fmt.Fprintf(tw, "  severity %s\t%d\n", s, n)
		}
	}
	return tw.Flush()
}

func runExport(args []string) error {
	fs, g := newFlagSet("export")
	ff := addFilterFlags(fs)
	out := fs.String("out", "-", "output file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := ff.build()
	if err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	reports, err := a.sync.List(ctx, filter)
	if err != nil {
		return err
	}
	data, err := geo.MarshalFeatureCollection(reports)
	if err != nil {
		return err
	}
	if *out == "-" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d report(s) to %s\n", len(reports), *out)
	return nil
}

func runRepair(args []string) error {
	fs, g := newFlagSet("repair")
	yes := fs.Bool("yes", false, "apply without asking")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	var in io.Reader = os.Stdin
	if *yes {
		in = nil
	}
	res, err := syncp.NewRepair(a.store, a.log, in, os.Stdout).Run(ctx)
	if err != nil {
		return fmt.Errorf("repairing local store: %w", err)
	}
	if !res.Clean() {
		fmt.Printf("Removed %d orphaned blob(s) and %d missing photo reference(s); %d report(s) dropped.\n",
			res.OrphanedBlobs, res.DanglingPhotos, res.ReportsDropped)
	}
	return nil
}

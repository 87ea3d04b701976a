package main

import (
	"bytes"
	"flag"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ecotrack/ecotrack/internal/model"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 << 20, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("2026-03-01", true)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 23, 59, 59, 999999999, time.UTC); !got.Equal(want) {
		t.Errorf("end of day = %v, want %v", got, want)
	}

	got, err = parseTimeFlag("2026-03-01T10:00:00Z", true)
	if err != nil || got.Hour() != 10 {
		t.Errorf("RFC 3339 = %v, %v", got, err)
	}

	if got, err := parseTimeFlag("", false); err != nil || !got.IsZero() {
		t.Errorf("empty = %v, %v", got, err)
	}
	if _, err := parseTimeFlag("yesterday", false); err == nil {
		t.Error("expected error for free text")
	}
}

func TestParseNear(t *testing.T) {
	n, err := parseNear("51.5, -0.12, 500")
	if err != nil {
		t.Fatal(err)
	}
	if n.Lat != 51.5 || n.Lng != -0.12 || n.RadiusM != 500 {
		t.Errorf("near = %+v", n)
	}

	for _, bad := range []string{"51.5,-0.12", "a,b,c", "91,0,10", "0,0,0"} {
		if _, err := parseNear(bad); err == nil {
			t.Errorf("parseNear(%q) succeeded", bad)
		}
	}
	if n, err := parseNear(""); n != nil || err != nil {
		t.Errorf("empty = %v, %v", n, err)
	}
}

func TestFilterFlags(t *testing.T) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ff := addFilterFlags(fs)
	if err := fs.Parse([]string{"--type", "Waste", "--status", "pending", "--from", "2026-03-01"}); err != nil {
		t.Fatal(err)
	}
	f, err := ff.build()
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != model.TypeWaste || f.Status != model.StatusPending || f.From.IsZero() || f.Near != nil {
		t.Errorf("filter = %+v", f)
	}

	ff.status = "lost"
	if _, err := ff.build(); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestPrintReports(t *testing.T) {
	var buf bytes.Buffer
	printReports(&buf, []*model.Report{{
		ID:          "0123456789abcdef",
		Type:        model.TypeWater,
		Description: "a long description that certainly exceeds the forty rune column",
		Severity:    model.SeverityHigh,
		Status:      model.StatusPending,
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	if !strings.Contains(out, "01234567 ") || strings.Contains(out, "0123456789") {
		t.Errorf("id not shortened:\n%s", out)
	}
	if !strings.Contains(out, "…") {
		t.Errorf("description not truncated:\n%s", out)
	}

	buf.Reset()
	printReports(&buf, nil)
	if buf.String() != "No reports.\n" {
		t.Errorf("empty listing = %q", buf.String())
	}
}

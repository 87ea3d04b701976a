package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ecotrack/ecotrack/internal/config"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPrompter_String(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n\nvalue\n"), &out)

	if got := p.String("With default", "dflt"); got != "dflt" {
		t.Errorf("default = %q", got)
	}
	if got := p.String("Required", ""); got != "value" {
		t.Errorf("required = %q", got)
	}
	if !strings.Contains(out.String(), "required") {
		t.Error("empty answer to a required prompt was not rejected")
	}
}

func TestPrompter_Optional(t *testing.T) {
	p := NewPrompter(strings.NewReader("\n  tok  \n"), io.Discard)
	if got := p.Optional("a"); got != "" {
		t.Errorf("first = %q, want empty", got)
	}
	if got := p.Optional("b"); got != "tok" {
		t.Errorf("second = %q, want trimmed", got)
	}
	if got := p.Optional("c"); got != "" {
		t.Errorf("at EOF = %q, want empty", got)
	}
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"", true, true},
	}
	for _, tt := range tests {
		p := NewPrompter(strings.NewReader(tt.input), io.Discard)
		if got := p.Confirm("ok?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestPrompter_Int(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n-5\nlots\n64\n"), &out)
	if got := p.Int("quota", 10); got != 10 {
		t.Errorf("default = %d", got)
	}
	if got := p.Int("quota", 0); got != 64 {
		t.Errorf("after retries = %d, want 64", got)
	}
	if strings.Count(out.String(), "whole number") != 2 {
		t.Errorf("invalid numbers not rejected:\n%s", out.String())
	}
	if got := p.Int("quota", 3); got != 3 {
		t.Errorf("at EOF = %d, want default", got)
	}
}

func TestPrompter_Select(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("7\nabc\n2\n"), &out)
	idx, err := p.Select("Pick", []string{"a", "b", "c"})
	if err != nil || idx != 1 {
		t.Fatalf("Select = %d, %v; want 1", idx, err)
	}
	if strings.Count(out.String(), "enter a number") != 2 {
		t.Errorf("invalid choices not rejected:\n%s", out.String())
	}

	if _, err := NewPrompter(strings.NewReader(""), io.Discard).Select("x", nil); err == nil {
		t.Error("expected error for no options")
	}
}

func newTestWizard(t *testing.T, input string, discover discoverFunc) (*Wizard, *bytes.Buffer, string) {
	t.Helper()
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "config.yaml")
	wiz := NewWizard(strings.NewReader(input), &out, path, quietLogger)
	wiz.discover = discover
	return wiz, &out, path
}

func reachable(context.Context, string, string, *slog.Logger) (BackendInfo, error) {
	return BackendInfo{Reports: 12, Latency: 20 * time.Millisecond}, nil
}

func unreachable(context.Context, string, string, *slog.Logger) (BackendInfo, error) {
	return BackendInfo{}, errors.New("connection refused")
}

func TestWizard_WritesConfig(t *testing.T) {
	input := strings.Join([]string{
		"https://api.ecotrack.example", // API URL
		"secret-token",                 // token
		"2",                            // sync interval: 1m
		"/tmp/eco-test.db",             // database
		"64",                           // quota MB
	}, "\n") + "\n"
	wiz, out, path := newTestWizard(t, input, reachable)

	cfg, err := wiz.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "12 report(s) on server") {
		t.Errorf("backend summary missing:\n%s", out.String())
	}

	t.Setenv("ECOTRACK_API_TOKEN", "")
	os.Unsetenv("ECOTRACK_API_TOKEN")
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading written config: %v", err)
	}
	if loaded.APIURL != "https://api.ecotrack.example" || loaded.APIToken != "secret-token" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %v, want 1m", loaded.SyncInterval)
	}
	if loaded.DBPath != "/tmp/eco-test.db" || loaded.StorageQuota != 64<<20 {
		t.Errorf("storage = %q / %d", loaded.DBPath, loaded.StorageQuota)
	}
	if cfg.APIURL != loaded.APIURL {
		t.Error("returned config differs from the written one")
	}
}

func TestWizard_UnreachableBackendCanStillSave(t *testing.T) {
	input := "http://offline.example\n\n\n1\n\n\n"
	wiz, out, path := newTestWizard(t, input, unreachable)

	cfg, err := wiz.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "connection refused") {
		t.Errorf("discovery error not shown:\n%s", out.String())
	}
	if cfg.SyncInterval != 30*time.Second || cfg.APIToken != "" {
		t.Errorf("cfg = %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config not written: %v", err)
	}
}

func TestWizard_UnreachableBackendDeclined(t *testing.T) {
	wiz, _, path := newTestWizard(t, "http://offline.example\n\nn\n", unreachable)

	if _, err := wiz.Run(context.Background()); err == nil {
		t.Fatal("expected error when the user declines")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("config written despite declining")
	}
}

func TestWizard_KeepsExistingConfig(t *testing.T) {
	wiz, _, path := newTestWizard(t, "\n", reachable)
	if err := os.WriteFile(path, []byte("api_url: http://keep.example\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := wiz.Run(context.Background())
	if err != nil || cfg != nil {
		t.Fatalf("Run = %v, %v; want nil, nil", cfg, err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "keep.example") {
		t.Error("existing config overwritten")
	}
}

func TestDiscoverBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			w.WriteHeader(http.StatusOK)
		case "/api/reports/statistics":
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"total": 7})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	info, err := DiscoverBackend(context.Background(), srv.URL, "good", quietLogger)
	if err != nil {
		t.Fatalf("DiscoverBackend: %v", err)
	}
	if info.Reports != 7 {
		t.Errorf("Reports = %d, want 7", info.Reports)
	}

	if _, err := DiscoverBackend(context.Background(), srv.URL, "bad", quietLogger); err == nil ||
		!strings.Contains(err.Error(), "invalid access token") {
		t.Errorf("bad token err = %v", err)
	}

	srv.Close()
	if _, err := DiscoverBackend(context.Background(), srv.URL, "", quietLogger); err == nil {
		t.Error("expected error for a closed server")
	}
}

package telemetry

import (
	"context"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantName    string
		wantVersion string
	}{
		{"defaults", Config{}, "ecotrack", ""},
		{"overrides", Config{ServiceName: "ecotrack-field", ServiceVersion: "1.4.0"}, "ecotrack-field", "1.4.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newResource(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			name, _ := res.Set().Value(semconv.ServiceNameKey)
			if name.AsString() != tt.wantName {
				t.Errorf("service.name = %q, want %q", name.AsString(), tt.wantName)
			}
			version, ok := res.Set().Value(semconv.ServiceVersionKey)
			if tt.wantVersion == "" && ok {
				t.Errorf("service.version set to %q", version.AsString())
			}
			if tt.wantVersion != "" && version.AsString() != tt.wantVersion {
				t.Errorf("service.version = %q, want %q", version.AsString(), tt.wantVersion)
			}
		})
	}
}

func TestSetup_RequiresEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error without an endpoint")
	}
	if shutdown == nil || shutdown(context.Background()) != nil {
		t.Error("shutdown must be a usable no-op after a failed setup")
	}
}

// Package model defines the shared types used by the store, gateway, and
// report synchronizer.
package model

import (
	"fmt"
	"strings"
	"time"
)

// IncidentType classifies what kind of environmental incident was reported.
type IncidentType string

const (
	TypePollution     IncidentType = "pollution"
	TypeWaste         IncidentType = "waste"
	TypeWildlife      IncidentType = "wildlife"
	TypeDeforestation IncidentType = "deforestation"
	TypeWater         IncidentType = "water"
	TypeOther         IncidentType = "other"
)

// IncidentTypes lists every known incident type in display order.
var IncidentTypes = []IncidentType{
	TypePollution, TypeWaste, TypeWildlife, TypeDeforestation, TypeWater, TypeOther,
}

// Valid reports whether t is one of the known incident types.
func (t IncidentType) Valid() bool {
	for _, k := range IncidentTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ParseIncidentType maps a case-insensitive name to an IncidentType.
func ParseIncidentType(s string) (IncidentType, error) {
	t := IncidentType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown incident type %q", s)
	}
	return t, nil
}

// Severity is informational only; no invariant depends on it.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity maps a case-insensitive name to a Severity. An empty string
// yields SeverityMedium.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case "", SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	case SeverityHigh:
		return SeverityHigh, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Status tracks whether the backend has confirmed a report.
type Status string

const (
	// StatusPending means the report is written locally but not yet accepted
	// by the backend.
	StatusPending Status = "pending"
	// StatusSynced means the backend accepted the report and every photo
	// points at a remote URL.
	StatusSynced Status = "synced"
)

// Location is a WGS84 coordinate with an optional human-readable address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// IsZero reports whether no coordinate has been set.
func (l Location) IsZero() bool {
	return l.Lat == 0 && l.Lng == 0
}

// Photo is a report attachment. Before sync it references a blob in the
// local media collection; after upload it carries the remote URL.
type Photo struct {
	MediaID string `json:"media_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Remote reports whether the photo has already been uploaded.
func (p Photo) Remote() bool {
	return p.URL != ""
}

// Report is a single incident submission.
type Report struct {
	ID          string       `json:"id"`
	Type        IncidentType `json:"type"`
	Description string       `json:"description"`
	Location    Location     `json:"location"`
	Photos      []Photo      `json:"photos"`
	Severity    Severity     `json:"severity"`
	Anonymous   bool         `json:"anonymous"`
	Status      Status       `json:"status"`
	Timestamp   time.Time    `json:"timestamp"`

	// LastSyncedAt is local bookkeeping: when this report last reached the
	// backend. It is never sent to the server.
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// RecordKey implements store.Record.
func (r *Report) RecordKey() string { return r.ID }

// Clone returns a deep copy so callers can mutate photos without aliasing
// the cached value.
func (r *Report) Clone() *Report {
	cp := *r
	cp.Photos = append([]Photo(nil), r.Photos...)
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	return &cp
}

// PhotoURLs returns the remote URLs in order. Photos not yet uploaded are
// skipped.
func (r *Report) PhotoURLs() []string {
	urls := make([]string, 0, len(r.Photos))
	for _, p := range r.Photos {
		if p.Remote() {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

// EverSynced reports whether any version of the report reached the backend.
func (r *Report) EverSynced() bool {
	return r.Status == StatusSynced || r.LastSyncedAt != nil
}

// Validate checks the fields a report needs to be stored and synced. It does
// not require content; see [Report.CheckContent].
func (r *Report) Validate() error {
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown incident type %q", r.Type)}
	}
	if r.Location.Lat < -90 || r.Location.Lat > 90 {
		return &ValidationError{Field: "location.lat", Reason: "must be between -90 and 90"}
	}
	if r.Location.Lng < -180 || r.Location.Lng > 180 {
		return &ValidationError{Field: "location.lng", Reason: "must be between -180 and 180"}
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	return nil
}

// CheckContent is the form-level rule applied by interactive front ends: a
// report should carry a description or at least one photo.
func (r *Report) CheckContent() error {
	if strings.TrimSpace(r.Description) == "" && len(r.Photos) == 0 {
		return &ValidationError{Field: "description", Reason: "a description or at least one photo is required"}
	}
	return nil
}

// ValidationError reports caller-supplied data the core refuses to store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

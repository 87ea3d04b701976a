package model

import (
	"net/url"
	"time"
)

// Near restricts results to a radius around a point.
type Near struct {
	Lat     float64
	Lng     float64
	RadiusM float64
}

// Filter narrows a report listing. Zero-valued fields match everything.
type Filter struct {
	Type     IncidentType
	Status   Status
	Severity Severity
	From     time.Time
	To       time.Time
	Near     *Near
}

// Query encodes the fields the backend filters on server-side.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.UTC().Format(time.RFC3339))
	}
	return q
}

// ParseFilterQuery is the inverse of [Filter.Query]. Unknown or malformed
// values are ignored.
func ParseFilterQuery(q url.Values) Filter {
	var f Filter
	if t, err := ParseIncidentType(q.Get("type")); err == nil {
		f.Type = t
	}
	switch Status(q.Get("status")) {
	case StatusPending:
		f.Status = StatusPending
	case StatusSynced:
		f.Status = StatusSynced
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = ts
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = ts
	}
	return f
}

// MatchesAttributes applies every filter field except Near, which needs
// spherical geometry and lives in the geo package.
func (f Filter) MatchesAttributes(r *Report) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// StatisticsSource says where a Statistics snapshot was computed.
type StatisticsSource string

const (
	SourceRemote StatisticsSource = "remote"
	SourceLocal  StatisticsSource = "local"
)

// Statistics aggregates report counts.
type Statistics struct {
	Total      int                  `json:"total"`
	Pending    int                  `json:"pending"`
	Synced     int                  `json:"synced"`
	ByType     map[IncidentType]int `json:"by_type"`
	BySeverity map[Severity]int     `json:"by_severity"`
	Source     StatisticsSource     `json:"source"`
}

// ComputeStatistics aggregates the given reports.
func ComputeStatistics(reports []*Report, source StatisticsSource) Statistics {
	st := Statistics{
		ByType:     make(map[IncidentType]int),
		BySeverity: make(map[Severity]int),
		Source:     source,
	}
	for _, r := range reports {
		st.Total++
		switch r.Status {
		case StatusPending:
			st.Pending++
		case StatusSynced:
			st.Synced++
		}
		st.ByType[r.Type]++
		if r.Severity != "" {
			st.BySeverity[r.Severity]++
		}
	}
	return st
}

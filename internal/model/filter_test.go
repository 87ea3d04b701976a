package model

import (
	"testing"
	"time"
)

func TestFilter_QueryRoundTrip(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{Type: TypeWater, Status: StatusSynced, From: from, To: to, Severity: SeverityLow}

	q := f.Query()
	if q.Get("severity") != "" {
		t.Error("severity must not be pushed to the server")
	}

	got := ParseFilterQuery(q)
	if got.Type != TypeWater || got.Status != StatusSynced {
		t.Errorf("got %+v", got)
	}
	if !got.From.Equal(from) || !got.To.Equal(to) {
		t.Errorf("date range = %v..%v, want %v..%v", got.From, got.To, from, to)
	}
}

func TestFilter_EmptyQuery(t *testing.T) {
	if q := (Filter{}).Query(); len(q) != 0 {
		t.Errorf("empty filter produced query %v", q)
	}
}

func TestFilter_MatchesAttributes(t *testing.T) {
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := &Report{Type: TypeWaste, Status: StatusPending, Severity: SeverityHigh, Timestamp: ts}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"type match", Filter{Type: TypeWaste}, true},
		{"type mismatch", Filter{Type: TypeWater}, false},
		{"status mismatch", Filter{Status: StatusSynced}, false},
		{"severity match", Filter{Severity: SeverityHigh}, true},
		{"before from", Filter{From: ts.Add(time.Minute)}, false},
		{"after to", Filter{To: ts.Add(-time.Minute)}, false},
		{"inside range", Filter{From: ts.Add(-time.Hour), To: ts.Add(time.Hour)}, true},
	}
	for _, tt := range tests {
		if got := tt.f.MatchesAttributes(r); got != tt.want {
			t.Errorf("%s: MatchesAttributes = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestComputeStatistics(t *testing.T) {
	reports := []*Report{
		{Type: TypeWaste, Status: StatusPending, Severity: SeverityLow},
		{Type: TypeWaste, Status: StatusSynced, Severity: SeverityHigh},
		{Type: TypeWater, Status: StatusPending, Severity: SeverityHigh},
	}
	st := ComputeStatistics(reports, SourceLocal)
	if st.Total != 3 || st.Pending != 2 || st.Synced != 1 {
		t.Errorf("totals = %d/%d/%d, want 3/2/1", st.Total, st.Pending, st.Synced)
	}
	if st.ByType[TypeWaste] != 2 || st.ByType[TypeWater] != 1 {
		t.Errorf("ByType = %v", st.ByType)
	}
	if st.BySeverity[SeverityHigh] != 2 {
		t.Errorf("BySeverity[high] = %d, want 2", st.BySeverity[SeverityHigh])
	}
	if st.Source != SourceLocal {
		t.Errorf("Source = %q, want local", st.Source)
	}
}

package model

import "time"

// WireReport is the report representation exchanged with the backend.
// Photos are plain URLs; local bookkeeping fields are not sent.
type WireReport struct {
	ID          string       `json:"id"`
	Type        IncidentType `json:"type"`
	Description string       `json:"description"`
	Location    Location     `json:"location"`
	Photos      []string     `json:"photos"`
	Severity    Severity     `json:"severity"`
	Anonymous   bool         `json:"anonymous"`
	Status      Status       `json:"status,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Wire converts r for sending. Photos that have not been uploaded are left
// out.
func (r *Report) Wire() WireReport {
	return WireReport{
		ID:          r.ID,
		Type:        r.Type,
		Description: r.Description,
		Location:    r.Location,
		Photos:      r.PhotoURLs(),
		Severity:    r.Severity,
		Anonymous:   r.Anonymous,
		Status:      r.Status,
		Timestamp:   r.Timestamp,
	}
}

// Report converts a backend copy into a Report. Anything the backend returns
// is synced unless it says otherwise.
func (w WireReport) Report() *Report {
	r := &Report{
		ID:          w.ID,
		Type:        w.Type,
		Description: w.Description,
		Location:    w.Location,
		Severity:    w.Severity,
		Anonymous:   w.Anonymous,
		Status:      w.Status,
		Timestamp:   w.Timestamp,
		Photos:      make([]Photo, 0, len(w.Photos)),
	}
	if r.Status == "" {
		r.Status = StatusSynced
	}
	for _, u := range w.Photos {
		r.Photos = append(r.Photos, Photo{URL: u})
	}
	return r
}

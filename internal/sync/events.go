package sync

import (
	"slices"
	"sync"

	"github.com/ecotrack/ecotrack/internal/model"
)

// EventKind names a state change.
type EventKind string

const (
	EventReports       EventKind = "reports"
	EventReportSaved   EventKind = "report_saved"
	EventReportDeleted EventKind = "report_deleted"
	EventSyncStarted   EventKind = "sync_started"
	EventSyncFinished  EventKind = "sync_finished"
	EventStatistics    EventKind = "statistics"
)

// Event is delivered to listeners. Only the fields relevant to Kind are set;
// reports are copies the listener may keep.
type Event struct {
	Kind       EventKind
	Reports    []*model.Report
	Report     *model.Report
	ReportID   string
	Result     *SyncResult
	Statistics *model.Statistics
}

// Listener receives events synchronously, in order. A listener must not call
// back into the Synchronizer's mutating methods from the callback.
type Listener func(Event)

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]Listener

	// dispatch serialises delivery so every listener sees events in the
	// order they were emitted.
	dispatch sync.Mutex
}

func (l *listeners) subscribe(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(e Event) {
	l.dispatch.Lock()
	defer l.dispatch.Unlock()

	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (l *listeners) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecotrack/ecotrack/internal/model"
)

type fakeProber struct {
	err   atomic.Pointer[error]
	calls atomic.Int32
}

func (p *fakeProber) Probe(context.Context) error {
	p.calls.Add(1)
	if e := p.err.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *fakeProber) fail(err error) { p.err.Store(&err) }

func TestEngine_RunOnceOfflineSkips(t *testing.T) {
	h := newHarness(t, false)
	submit(t, h, NewReport{})

	prober := &fakeProber{}
	prober.fail(errUnreachable)
	e := NewEngine(h.sync, prober, time.Minute, discardLogger())

	res, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !res.Skipped || !res.Offline {
		t.Errorf("result = %+v, want skipped offline", res)
	}
	if n := h.remote.countPrefix("save:"); n != 0 {
		t.Errorf("save calls = %d while probe fails", n)
	}
}

func TestEngine_RunOnceSyncsPending(t *testing.T) {
	h := newHarness(t, false)
	submit(t, h, NewReport{})
	submit(t, h, NewReport{Type: model.TypeWater})
	h.conn.online.Store(true)

	e := NewEngine(h.sync, &fakeProber{}, time.Minute, discardLogger())
	res, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Skipped || res.Synced != 2 {
		t.Errorf("result = %+v, want 2 synced", res)
	}
}

func TestEngine_NilProberAlwaysSyncs(t *testing.T) {
	h := newHarness(t, false)
	submit(t, h, NewReport{})

	e := NewEngine(h.sync, nil, time.Minute, discardLogger())
	res, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("result = %+v, want 1 synced", res)
	}
}

func TestEngine_RunPollsUntilCancelled(t *testing.T) {
	h := newHarness(t, true)
	prober := &fakeProber{}
	e := NewEngine(h.sync, prober, 10*time.Millisecond, discardLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	deadline := time.After(2 * time.Second)
	for prober.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d passes ran", prober.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

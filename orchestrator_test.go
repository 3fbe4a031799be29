package cloneagent

import (
	"context"
	"testing"
	"time"

	"github.com/sdcc/cloneagent/internal/gpio"
)

type fakeWatcher struct {
	src, dst SlotStatus
	stale    map[Slot]bool
}

func (w *fakeWatcher) Poll(ctx context.Context) (SlotStatus, SlotStatus) {
	return w.src, w.dst
}

func (w *fakeWatcher) IsCurrent(h DeviceHandle) bool {
	return !w.stale[h.Slot]
}

// fakeEngine completes immediately unless release is set, in which case it
// blocks until released or cancelled. Fields are read only after the job
// goroutine is awaited.
type fakeEngine struct {
	outcome Outcome
	release chan struct{}
	calls   int
	gotJob  CloneJob
}

func (e *fakeEngine) Clone(ctx context.Context, job CloneJob, onProgress ProgressFunc) Outcome {
	e.calls++
	e.gotJob = job
	if e.release != nil {
		select {
		case <-ctx.Done():
			return Outcome{Kind: OutcomeAborted, Err: ErrDeviceRemoved, Reason: "device removed"}
		case <-e.release:
		}
	}
	return e.outcome
}

func presentSlot(slot Slot, serial string, gen uint64) SlotStatus {
	return SlotStatus{State: SlotPresent, Handle: DeviceHandle{
		Slot:       slot,
		Path:       "/dev/sd" + serial,
		Serial:     serial,
		SizeBytes:  8 << 30,
		Generation: gen,
	}}
}

type orchHarness struct {
	t       *testing.T
	o       *Orchestrator
	watcher *fakeWatcher
	engine  *fakeEngine
	btn     *gpio.FakePin
	now     time.Time
}

func newOrchHarness(t *testing.T) *orchHarness {
	t.Helper()
	cfg := Config{
		Mode:         ModePartitionClone,
		TickInterval: 100 * time.Millisecond,
		PollInterval: time.Second,
		Debounce:     40 * time.Millisecond,
	}
	watcher := &fakeWatcher{
		src:   SlotStatus{State: SlotAbsent},
		dst:   SlotStatus{State: SlotAbsent},
		stale: map[Slot]bool{},
	}
	engine := &fakeEngine{outcome: Outcome{Kind: OutcomeSuccess, BytesCopied: 1 << 30}}
	btn := gpio.NewFakePin(17, true) // pull-up, released
	leds := NewLEDs(gpio.NewFakePin(22, false), gpio.NewFakePin(23, false), gpio.NewFakePin(24, false))

	h := &orchHarness{
		t:       t,
		o:       NewOrchestrator(cfg, watcher, NewButton(btn, cfg.Debounce), leds, engine, nil),
		watcher: watcher,
		engine:  engine,
		btn:     btn,
		now:     time.Unix(1700000000, 0),
	}
	// First beat primes the debouncer and runs the initial poll.
	h.tick(1)
	return h
}

// tick advances the loop by n beats of the tick interval.
func (h *orchHarness) tick(n int) {
	for i := 0; i < n; i++ {
		h.now = h.now.Add(100 * time.Millisecond)
		h.o.cycle(context.Background(), h.now)
	}
}

// poll advances past the poll interval so the next beat re-enumerates.
func (h *orchHarness) poll() {
	h.now = h.now.Add(time.Second)
	h.o.cycle(context.Background(), h.now)
}

// press pushes and releases the button with enough steady samples to clear
// the debounce window.
func (h *orchHarness) press() {
	h.btn.Set(false)
	h.tick(2)
	h.btn.Set(true)
	h.tick(2)
}

// awaitJob waits for the engine goroutine to finish, then collects the
// outcome on the next beat.
func (h *orchHarness) awaitJob() {
	h.o.jobWG.Wait()
	h.tick(1)
}

func (h *orchHarness) wantState(want State) {
	h.t.Helper()
	if got := h.o.State(); got != want {
		h.t.Fatalf("state = %v, want %v", got, want)
	}
}

func TestOrchestratorFullCloneSequence(t *testing.T) {
	h := newOrchHarness(t)
	h.wantState(StateIdle)

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = presentSlot(SlotDestination, "SSD01", 1)
	h.poll()
	h.wantState(StateReadyToClone)

	h.press()
	h.wantState(StateCloning)
	h.awaitJob()
	h.wantState(StateComplete)

	if h.engine.calls != 1 {
		t.Fatalf("engine ran %d times, want 1", h.engine.calls)
	}
	if h.engine.gotJob.Source.Serial != "CARD01" || h.engine.gotJob.Destination.Serial != "SSD01" {
		t.Fatalf("job bound %q -> %q", h.engine.gotJob.Source.Serial, h.engine.gotJob.Destination.Serial)
	}
	if out := h.o.LastOutcome(); out == nil || out.Kind != OutcomeSuccess {
		t.Fatalf("last outcome = %+v", out)
	}

	// Complete holds while both devices stay in place.
	h.poll()
	h.wantState(StateComplete)

	h.watcher.src = SlotStatus{State: SlotAbsent}
	h.poll()
	h.wantState(StateIdle)
}

func TestOrchestratorPressOutsideReadyIsDiscarded(t *testing.T) {
	h := newOrchHarness(t)

	// Press with empty slots: nothing may start, and the press must not be
	// banked for when the pair later turns ready.
	h.press()
	h.wantState(StateIdle)

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = presentSlot(SlotDestination, "SSD01", 1)
	h.poll()
	h.wantState(StateReadyToClone)
	h.tick(3)
	h.wantState(StateReadyToClone)

	if h.engine.calls != 0 {
		t.Fatalf("engine ran %d times, want 0", h.engine.calls)
	}
}

func TestOrchestratorSecondPressDuringCloneIgnored(t *testing.T) {
	h := newOrchHarness(t)
	h.engine.release = make(chan struct{})

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = presentSlot(SlotDestination, "SSD01", 1)
	h.poll()
	h.press()
	h.wantState(StateCloning)

	h.press()
	h.wantState(StateCloning)

	close(h.engine.release)
	h.awaitJob()
	h.wantState(StateComplete)
	if h.engine.calls != 1 {
		t.Fatalf("engine ran %d times, want 1", h.engine.calls)
	}
}

func TestOrchestratorRemovalDuringCloneAborts(t *testing.T) {
	h := newOrchHarness(t)
	h.engine.release = make(chan struct{})

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = presentSlot(SlotDestination, "SSD01", 1)
	h.poll()
	h.press()
	h.wantState(StateCloning)

	// Source yanked: the next poll must cancel the job.
	h.watcher.src = SlotStatus{State: SlotAbsent}
	h.watcher.stale[SlotSource] = true
	h.poll()

	h.awaitJob()
	h.wantState(StateIdle)
	if out := h.o.LastOutcome(); out == nil || out.Kind != OutcomeAborted || out.Err != ErrDeviceRemoved {
		t.Fatalf("last outcome = %+v", out)
	}
}

func TestOrchestratorFailureShowsErrorUntilRemoval(t *testing.T) {
	h := newOrchHarness(t)
	h.engine.outcome = Outcome{Kind: OutcomeFailed, Err: ErrWriteError}

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = presentSlot(SlotDestination, "SSD01", 1)
	h.poll()
	h.press()
	h.awaitJob()
	h.wantState(StateError)

	// A press in Error does nothing; only removal resets.
	h.press()
	h.wantState(StateError)
	if h.engine.calls != 1 {
		t.Fatalf("engine ran %d times, want 1", h.engine.calls)
	}

	h.watcher.dst = SlotStatus{State: SlotAbsent}
	h.poll()
	h.wantState(StateIdle)
}

func TestOrchestratorUnusablePairNeverReady(t *testing.T) {
	h := newOrchHarness(t)

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = SlotStatus{State: SlotUnusable, Reason: ErrInsufficientSpace}
	h.poll()
	h.wantState(StateIdle)

	h.press()
	h.wantState(StateIdle)
	if h.engine.calls != 0 {
		t.Fatalf("engine ran %d times, want 0", h.engine.calls)
	}
}

func TestOrchestratorReinsertionDuringCloneAborts(t *testing.T) {
	h := newOrchHarness(t)
	h.engine.release = make(chan struct{})

	h.watcher.src = presentSlot(SlotSource, "CARD01", 1)
	h.watcher.dst = presentSlot(SlotDestination, "SSD01", 1)
	h.poll()
	h.press()
	h.wantState(StateCloning)

	// Same card yanked and reinserted between polls: the slot reads Present
	// again but under a newer generation, so the bound handle is stale.
	h.watcher.src = presentSlot(SlotSource, "CARD01", 2)
	h.watcher.stale[SlotSource] = true
	h.poll()

	h.awaitJob()
	h.wantState(StateIdle)
	if out := h.o.LastOutcome(); out == nil || out.Kind != OutcomeAborted {
		t.Fatalf("last outcome = %+v", out)
	}
}

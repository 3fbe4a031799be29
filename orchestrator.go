package cloneagent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DeviceWatcher is the slot-polling surface the orchestrator drives.
// Implemented by SlotWatcher; tests inject fakes.
type DeviceWatcher interface {
	Poll(ctx context.Context) (src, dst SlotStatus)
	IsCurrent(h DeviceHandle) bool
}

// Orchestrator owns the appliance state machine. All state lives on its
// control loop goroutine; the only concurrency is the single clone job it
// may have in flight, which reports back over a channel.
type Orchestrator struct {
	cfg      Config
	watcher  DeviceWatcher
	button   *Button
	leds     *LEDs
	engine   Engine
	recorder Recorder

	state   State
	src     SlotStatus
	dst     SlotStatus
	failure ErrorKind

	job       *CloneJob
	cancelJob context.CancelFunc
	outcomes  chan Outcome
	jobWG     sync.WaitGroup

	lastPoll time.Time

	progressMu  sync.Mutex
	bytesDone   uint64
	bytesTotal  uint64
	lastPct     int
	lastOutcome *Outcome
}

// NewOrchestrator wires the control loop. recorder may be nil.
func NewOrchestrator(cfg Config, watcher DeviceWatcher, button *Button, leds *LEDs, engine Engine, recorder Recorder) *Orchestrator {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Orchestrator{
		cfg:      cfg,
		watcher:  watcher,
		button:   button,
		leds:     leds,
		engine:   engine,
		recorder: recorder,
		state:    StateIdle,
		outcomes: make(chan Outcome, 1),
	}
}

// Run drives the control loop until ctx is cancelled. On shutdown any
// in-flight job is cancelled and awaited before the LEDs are cleared.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().
		Str("mode", string(o.cfg.Mode)).
		Dur("tick", o.cfg.TickInterval).
		Dur("poll", o.cfg.PollInterval).
		Msg("orchestrator started")

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case now := <-ticker.C:
			o.cycle(ctx, now)
		}
	}
}

// cycle is one control-loop beat: sample the button, poll the slots on the
// slower cadence, collect a finished job, act on a press, refresh the LEDs.
func (o *Orchestrator) cycle(ctx context.Context, now time.Time) {
	o.button.Sample(now)

	if o.lastPoll.IsZero() || now.Sub(o.lastPoll) >= o.cfg.PollInterval {
		o.lastPoll = now
		src, dst := o.watcher.Poll(ctx)
		o.applyPoll(src, dst)
	}

	select {
	case out := <-o.outcomes:
		o.finishJob(out)
	default:
	}

	// Consume the latch every beat so a press in the wrong state is
	// discarded, not banked for the next time the pair turns ready.
	if o.button.TakeActivation() && o.state == StateReadyToClone {
		o.startJob(ctx)
	}

	o.leds.Apply(Render(o.state), now)
}

// applyPoll folds fresh slot statuses into the state machine.
func (o *Orchestrator) applyPoll(src, dst SlotStatus) {
	o.src, o.dst = src, dst

	switch o.state {
	case StateIdle, StateReadyToClone:
		next := StateIdle
		if src.State == SlotPresent && dst.State == SlotPresent {
			next = StateReadyToClone
		}
		if next != o.state {
			o.setState(next)
		}
	case StateCloning:
		// The engine guards every destructive step itself; cancelling here
		// bounds how long a yanked device keeps the job alive to one poll.
		if o.job != nil && (!o.watcher.IsCurrent(o.job.Source) || !o.watcher.IsCurrent(o.job.Destination)) {
			log.Warn().Str("job_id", o.job.ID).Msg("bound device no longer current, cancelling job")
			o.cancelJob()
		}
	case StateComplete, StateError:
		// Terminal display holds until the operator removes a device.
		if src.State == SlotAbsent || dst.State == SlotAbsent {
			o.failure = ErrNone
			o.setState(StateIdle)
		}
	}
}

func (o *Orchestrator) startJob(ctx context.Context) {
	job := NewCloneJob(o.src.Handle, o.dst.Handle, o.cfg.Mode)
	jobCtx, cancel := context.WithCancel(ctx)
	o.job = &job
	o.cancelJob = cancel
	o.setState(StateCloning)

	o.progressMu.Lock()
	o.bytesDone, o.bytesTotal, o.lastPct = 0, 0, -1
	o.progressMu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("source", job.Source.Path).
		Str("destination", job.Destination.Path).
		Str("mode", string(job.Mode)).
		Msg("clone started")
	o.recorder.JobStarted(job)

	o.jobWG.Add(1)
	go func() {
		defer o.jobWG.Done()
		o.outcomes <- o.engine.Clone(jobCtx, job, o.noteProgress)
	}()
}

func (o *Orchestrator) finishJob(out Outcome) {
	job := o.job
	if o.cancelJob != nil {
		o.cancelJob()
	}
	o.job, o.cancelJob = nil, nil

	o.progressMu.Lock()
	o.lastOutcome = &out
	o.progressMu.Unlock()

	if job != nil {
		o.recorder.JobFinished(*job, out)
	}

	switch out.Kind {
	case OutcomeSuccess:
		o.setState(StateComplete)
	case OutcomeAborted:
		// The removal already logged; the pair must be rebuilt from Idle.
		o.setState(StateIdle)
	default:
		o.failure = out.Err
		o.setState(StateError)
	}
}

func (o *Orchestrator) setState(next State) {
	if next == o.state {
		return
	}
	log.Info().Stringer("from", o.state).Stringer("to", next).Msg("state changed")
	o.state = next
}

// noteProgress runs on the engine goroutine; it only touches the mutex-
// guarded progress fields and the logger.
func (o *Orchestrator) noteProgress(done, total uint64) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.bytesDone, o.bytesTotal = done, total
	if total == 0 {
		return
	}
	pct := int(done * 100 / total)
	if pct/10 > o.lastPct/10 || o.lastPct < 0 {
		o.lastPct = pct
		log.Info().
			Uint64("bytes_done", done).
			Uint64("bytes_total", total).
			Int("percent", pct).
			Msg("clone progress")
	}
}

func (o *Orchestrator) shutdown() {
	if o.cancelJob != nil {
		o.cancelJob()
	}
	o.jobWG.Wait()
	select {
	case out := <-o.outcomes:
		o.finishJob(out)
	default:
	}
	o.leds.Off()
	log.Info().Msg("orchestrator stopped")
}

// State reports the current machine state.
func (o *Orchestrator) State() State { return o.state }

// LastOutcome returns the most recent terminal outcome, or nil before the
// first job finishes.
func (o *Orchestrator) LastOutcome() *Outcome {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	return o.lastOutcome
}

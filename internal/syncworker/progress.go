package syncworker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressVersion is bumped whenever the Progress shape changes incompatibly.
const ProgressVersion = 1

type Step string

const (
	StepStarting     Step = "starting"
	StepConnectivity Step = "checking_connectivity"
	StepConnecting   Step = "connecting"
	StepFetching     Step = "fetching"
	StepProcessing   Step = "processing"
	StepDeduplicate  Step = "checking_duplicates"
	StepSaving       Step = "saving"
	StepSyncing      Step = "syncing_devices"
	StepCompleted    Step = "completed"
	StepFailed       Step = "failed"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress is a point-in-time view of one run.
type Progress struct {
	Version    int       `json:"version"`
	RunID      string    `json:"runId"`
	Status     Status    `json:"status"`
	Step       Step      `json:"step"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	Found      int       `json:"found"`
	Processed  int       `json:"processed"`
	Saved      int       `json:"saved"`
	Errors     []string  `json:"errors"`
	UpdatedAt  time.Time `json:"updatedAt"`

	TotalDevices     int    `json:"totalDevices,omitempty"`
	ProcessedDevices int    `json:"processedDevices,omitempty"`
	CurrentDevice    string `json:"currentDevice,omitempty"`

	// Result carries the RunResult or BatchResult on the terminal event.
	Result any `json:"result,omitempty"`
}

// Terminal reports whether p is the last event of its run.
func (p Progress) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

type Observer func(Progress)

// Subscription identifies one attached observer.
type Subscription uint64

// Tracker publishes the progress of one run to its observers. Observers can
// attach and detach at any time; each receives events in order and the run
// publishes exactly one terminal event. Observers run synchronously and must
// not call back into the tracker. A nil *Tracker discards everything.
type Tracker struct {
	log zerolog.Logger

	mu        sync.Mutex
	state     Progress
	observers map[Subscription]Observer
	nextSub   Subscription
	done      chan struct{}
}

func NewTracker(log zerolog.Logger) *Tracker {
	id := uuid.NewString()
	return &Tracker{
		log: log.With().Str("run_id", id).Logger(),
		state: Progress{
			Version:   ProgressVersion,
			RunID:     id,
			Status:    StatusRunning,
			Step:      StepStarting,
			Errors:    []string{},
			UpdatedAt: time.Now(),
		},
		observers: make(map[Subscription]Observer),
		done:      make(chan struct{}),
	}
}

func (t *Tracker) RunID() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.RunID
}

// Subscribe attaches o. An observer attached after the run finished receives
// the terminal event immediately.
func (t *Tracker) Subscribe(o Observer) Subscription {
	if t == nil || o == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.observers[id] = o
	if t.state.Terminal() {
		t.deliver(o, t.snapshotLocked())
	}
	return id
}

func (t *Tracker) Unsubscribe(s Subscription) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, s)
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Progress {
	if t == nil {
		return Progress{Version: ProgressVersion}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Done is closed once the terminal event has been published.
func (t *Tracker) Done() <-chan struct{} {
	if t == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Update publishes a non-terminal step. The percentage never decreases and is
// held below 100 until the run completes.
func (t *Tracker) Update(step Step, percentage int, message, details string) {
	t.Report(func(p *Progress) {
		p.Step = step
		p.Percentage = percentage
		p.Message = message
		p.Details = details
	})
}

// Report applies mutate to the state and publishes the result. Calls after
// the terminal event are ignored.
func (t *Tracker) Report(mutate func(p *Progress)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	prev := t.state.Percentage
	mutate(&t.state)
	t.state.Status = StatusRunning
	t.state.Percentage = max(prev, min(t.state.Percentage, 99))
	t.publishLocked()
}

// AddError records a per-record problem without ending the run.
func (t *Tracker) AddError(msg string) {
	t.Report(func(p *Progress) {
		p.Errors = append(p.Errors, msg)
	})
}

// Complete publishes the terminal success event with result attached.
func (t *Tracker) Complete(message string, result any) {
	t.finish(StatusCompleted, StepCompleted, 100, message, "", result)
}

// Fail publishes the terminal failure event.
func (t *Tracker) Fail(err error, result any) {
	msg := "sync failed"
	if err != nil {
		msg = err.Error()
	}
	t.finish(StatusFailed, StepFailed, -1, msg, "", result)
}

func (t *Tracker) finish(status Status, step Step, percentage int, message, details string, result any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state.Status = status
	t.state.Step = step
	if percentage >= 0 {
		t.state.Percentage = percentage
	}
	t.state.Message = message
	t.state.Details = details
	t.state.Result = result
	if status == StatusFailed {
		t.state.Errors = append(t.state.Errors, message)
	}
	t.publishLocked()
	close(t.done)
	t.log.Debug().Str("status", string(status)).Msg("run finished")
}

func (t *Tracker) snapshotLocked() Progress {
	p := t.state
	p.Errors = append([]string(nil), t.state.Errors...)
	if p.Errors == nil {
		p.Errors = []string{}
	}
	return p
}

func (t *Tracker) publishLocked() {
	t.state.UpdatedAt = time.Now()
	snap := t.snapshotLocked()
	for _, o := range t.observers {
		t.deliver(o, snap)
	}
}

func (t *Tracker) deliver(o Observer, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Msg("progress observer panicked")
		}
	}()
	o(p)
}

package syncworker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danny20232023/hris-sub010/internal/attendance"
	"github.com/danny20232023/hris-sub010/internal/metrics"
	"github.com/danny20232023/hris-sub010/internal/punch"
	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
	"github.com/danny20232023/hris-sub010/internal/zk"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrMachineDisabled = errors.New("machine is disabled")
)

// Machines is the read-only device profile store. *sqlcgen.Queries satisfies it.
type Machines interface {
	ListEnabledMachines(ctx context.Context) ([]sqlcgen.Machine, error)
	GetMachine(ctx context.Context, id int32) (sqlcgen.Machine, error)
}

type Orchestrator struct {
	log                 zerolog.Logger
	client              zk.Connector
	engine              *attendance.Engine
	machines            Machines
	workers             int
	reachabilityWorkers int
	runTimeout          time.Duration
	metrics             *metrics.Metrics
}

type Options struct {
	// Workers bounds concurrent device runs in SyncAll; 1 runs devices one after another.
	Workers             int
	ReachabilityWorkers int
	// RunTimeout bounds one device run end to end.
	RunTimeout time.Duration
}

func New(log zerolog.Logger, client zk.Connector, engine *attendance.Engine, machines Machines, opts Options, m *metrics.Metrics) *Orchestrator {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	rw := opts.ReachabilityWorkers
	if rw <= 0 {
		rw = 8
	}
	rt := opts.RunTimeout
	if rt <= 0 {
		rt = 5 * time.Minute
	}
	return &Orchestrator{
		log:                 log,
		client:              client,
		engine:              engine,
		machines:            machines,
		workers:             workers,
		reachabilityWorkers: rw,
		runTimeout:          rt,
		metrics:             m,
	}
}

// RunOptions tunes a single sync invocation.
type RunOptions struct {
	// Preview runs everything except persistence and returns the would-be-new punches.
	Preview bool
}

// Outcome labels a finished run.
type Outcome string

const (
	OutcomeFailed       Outcome = "failed"
	OutcomeNoNewRecords Outcome = "no_new_records"
	OutcomePartial      Outcome = "partial"
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomePreview      Outcome = "preview"
)

// RunResult summarizes one device run. Success is false only when the run
// could not complete; per-record failures leave Success true with Errors set.
type RunResult struct {
	RunID        string                            `json:"runId"`
	MachineID    int32                             `json:"machineId"`
	MachineAlias string                            `json:"machineAlias"`
	Success      bool                              `json:"success"`
	Outcome      Outcome                           `json:"outcome"`
	Preview      bool                              `json:"preview"`
	Error        string                            `json:"error,omitempty"`
	ErrorKind    zk.ErrorKind                      `json:"errorKind,omitempty"`
	TotalLogs    int                               `json:"totalLogs"`
	Processed    int                               `json:"processed"`
	Saved        int                               `json:"saved"`
	Duplicates   int                               `json:"duplicates"`
	Skipped      int                               `json:"skipped"`
	Errors       []string                          `json:"errors"`
	Unregistered []attendance.UnregisteredEmployee `json:"unregistered"`
	NewPunches   []punch.Resolved                  `json:"newPunches"`
	StartedAt    time.Time                         `json:"startedAt"`
	FinishedAt   time.Time                         `json:"finishedAt"`
}

func (r *RunResult) finalize() {
	r.FinishedAt = time.Now()
	switch {
	case !r.Success:
		r.Outcome = OutcomeFailed
	case r.Preview:
		r.Outcome = OutcomePreview
	case len(r.Errors) > 0:
		r.Outcome = OutcomePartial
	case r.Saved == 0:
		r.Outcome = OutcomeNoNewRecords
	default:
		r.Outcome = OutcomeSucceeded
	}
}

// OfflineDevice is a machine skipped by the reachability pre-flight.
type OfflineDevice struct {
	MachineID    int32        `json:"machineId"`
	MachineAlias string       `json:"machineAlias"`
	Reason       string       `json:"reason"`
	Kind         zk.ErrorKind `json:"kind,omitempty"`
}

// BatchResult aggregates a SyncAll run. Results holds one entry per input
// machine in input order, offline ones included as failures.
type BatchResult struct {
	RunID            string                            `json:"runId"`
	Success          bool                              `json:"success"`
	Preview          bool                              `json:"preview"`
	TotalDevices     int                               `json:"totalDevices"`
	OnlineDevices    int                               `json:"onlineDevices"`
	SucceededDevices int                               `json:"succeededDevices"`
	FailedDevices    int                               `json:"failedDevices"`
	TotalLogs        int                               `json:"totalLogs"`
	TotalSaved       int                               `json:"totalSaved"`
	TotalDuplicates  int                               `json:"totalDuplicates"`
	TotalSkipped     int                               `json:"totalSkipped"`
	TotalErrors      int                               `json:"totalErrors"`
	Results          []RunResult                       `json:"results"`
	Offline          []OfflineDevice                   `json:"offline"`
	Unregistered     []attendance.UnregisteredEmployee `json:"unregistered"`
	StartedAt        time.Time                         `json:"startedAt"`
	FinishedAt       time.Time                         `json:"finishedAt"`
}

// Machine loads an enabled machine profile.
func (o *Orchestrator) Machine(ctx context.Context, id int32) (sqlcgen.Machine, error) {
	m, err := o.machines.GetMachine(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return sqlcgen.Machine{}, ErrMachineNotFound
	}
	if err != nil {
		return sqlcgen.Machine{}, fmt.Errorf("get machine %d: %w", id, err)
	}
	if !m.Enabled {
		return sqlcgen.Machine{}, ErrMachineDisabled
	}
	if err := m.Validate(); err != nil {
		return sqlcgen.Machine{}, err
	}
	return m, nil
}

func (o *Orchestrator) EnabledMachines(ctx context.Context) ([]sqlcgen.Machine, error) {
	ms, err := o.machines.ListEnabledMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled machines: %w", err)
	}
	return ms, nil
}

// SyncOne pulls a device's attendance log and stores the new punches:
// reachability check, connect, fetch, normalize, date filter, resolve and
// dedup, persist (skipped in preview), disconnect. It always publishes one
// terminal event on tr, including when the run panics.
func (o *Orchestrator) SyncOne(ctx context.Context, m sqlcgen.Machine, r punch.DateRange, opts RunOptions, tr *Tracker) (res RunResult) {
	runID := tr.RunID()
	if runID == "" {
		runID = uuid.NewString()
	}
	res = RunResult{
		RunID:        runID,
		MachineID:    m.ID,
		MachineAlias: m.Alias,
		Preview:      opts.Preview,
		Errors:       []string{},
		Unregistered: []attendance.UnregisteredEmployee{},
		NewPunches:   []punch.Resolved{},
		StartedAt:    time.Now(),
	}
	log := o.log.With().Str("run_id", runID).Int32("machine_id", m.ID).Str("machine", m.Alias).Logger()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("sync run panicked")
			res.Success = false
			res.Error = fmt.Sprintf("internal error: %v", p)
			res.ErrorKind = ""
			res.finalize()
			tr.Fail(errors.New(res.Error), res)
		}
		o.metrics.ObserveSyncRunDuration(time.Since(start))
		o.metrics.IncSyncRun(string(outcomeLabel(res)))
	}()

	fail := func(err error, kind zk.ErrorKind) RunResult {
		res.Success = false
		res.Error = err.Error()
		res.ErrorKind = kind
		res.finalize()
		log.Warn().Err(err).Str("kind", string(kind)).Msg("sync run failed")
		tr.Fail(err, res)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	if err := m.Validate(); err != nil {
		return fail(err, zk.KindHostUnreachable)
	}
	target := targetOf(m)

	tr.Update(StepConnectivity, 5, fmt.Sprintf("Testing connection to %s", m.Alias), target.Addr())
	reach := o.client.TestReachable(runCtx, target)
	o.metrics.SetDeviceReachable(machineLabel(m), reach.Online)
	if !reach.Online {
		return fail(fmt.Errorf("device %s is not reachable: %s", m.Alias, reach.Reason), reach.Kind)
	}

	tr.Update(StepConnecting, 10, fmt.Sprintf("Connecting to %s", m.Alias), fmt.Sprintf("latency %dms", reach.Latency.Milliseconds()))
	dev, err := o.client.Open(runCtx, target)
	if err != nil {
		return fail(err, zk.Classify(err))
	}
	defer dev.Close()

	tr.Update(StepFetching, 20, "Fetching attendance logs", "")
	raws, err := dev.FetchPunchesBetween(runCtx, windowOf(r))
	if err != nil {
		return fail(fmt.Errorf("fetch attendance from %s: %w", m.Alias, err), zk.Classify(err))
	}
	// The device is not needed past this point.
	dev.Close()

	res.TotalLogs = len(raws)
	tr.Report(func(p *Progress) {
		p.Step = StepProcessing
		p.Percentage = 30
		p.Message = fmt.Sprintf("Found %d attendance records", len(raws))
		p.Found = len(raws)
	})

	normalized := r.Filter(punch.NormalizeAll(raws, sourceOf(m)))
	res.Processed = len(normalized)
	if len(normalized) == 0 {
		res.Success = true
		res.finalize()
		tr.Complete(fmt.Sprintf("No attendance records for %s in range", m.Alias), res)
		return res
	}

	tr.Update(StepDeduplicate, 40, "Checking for duplicates", fmt.Sprintf("%d records in range", len(normalized)))
	fr, err := o.engine.FilterNew(runCtx, normalized, func(done, total int) {
		if done%10 != 0 && done != total {
			return
		}
		tr.Report(func(p *Progress) {
			p.Percentage = 40 + done*30/total
			p.Processed = done
			p.Details = fmt.Sprintf("Checked %d/%d", done, total)
		})
	})
	if err != nil {
		return fail(err, zk.Classify(err))
	}
	res.Duplicates = fr.DuplicateCount
	res.Skipped = fr.SkippedUnresolvedCount
	res.Unregistered = fr.Unregistered
	res.Errors = append(res.Errors, fr.Errors...)
	o.metrics.AddPunches("duplicate", fr.DuplicateCount)
	o.metrics.AddPunches("unregistered", fr.SkippedUnresolvedCount)
	for _, e := range fr.Errors {
		tr.AddError(e)
	}

	if opts.Preview {
		res.NewPunches = fr.Unique
		res.Success = true
		res.finalize()
		tr.Complete(fmt.Sprintf("Preview: %d new records", len(fr.Unique)), res)
		return res
	}

	tr.Update(StepSaving, 70, "Saving to database", fmt.Sprintf("%d new records", len(fr.Unique)))
	pr, err := o.engine.Persist(runCtx, fr.Unique, func(done, total int) {
		tr.Report(func(p *Progress) {
			p.Percentage = 70 + done*29/total
			p.Details = fmt.Sprintf("Saved %d/%d", done, total)
		})
	})
	res.Saved = pr.SavedCount
	res.Duplicates += pr.DuplicateAtInsert
	res.NewPunches = pr.Saved
	res.Errors = append(res.Errors, pr.Errors...)
	o.metrics.AddPunches("saved", pr.SavedCount)
	o.metrics.AddPunches("duplicate", pr.DuplicateAtInsert)
	o.metrics.AddPunches("error", pr.ErrorCount)
	if err != nil {
		return fail(err, zk.Classify(err))
	}
	for _, e := range pr.Errors {
		tr.AddError(e)
	}

	res.Success = true
	res.finalize()
	tr.Report(func(p *Progress) { p.Saved = pr.SavedCount })
	log.Info().
		Int("total_logs", res.TotalLogs).
		Int("saved", res.Saved).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped).
		Int("errors", len(res.Errors)).
		Msg("sync run completed")
	tr.Complete(fmt.Sprintf("Saved %d new records from %s", res.Saved, m.Alias), res)
	return res
}

// SyncAll partitions machines by reachability, then syncs the online ones
// with at most Options.Workers in flight. A device failure never aborts its
// siblings.
func (o *Orchestrator) SyncAll(ctx context.Context, machines []sqlcgen.Machine, r punch.DateRange, opts RunOptions, tr *Tracker) BatchResult {
	runID := tr.RunID()
	if runID == "" {
		runID = uuid.NewString()
	}
	batch := BatchResult{
		RunID:        runID,
		Preview:      opts.Preview,
		TotalDevices: len(machines),
		Results:      make([]RunResult, len(machines)),
		Offline:      []OfflineDevice{},
		Unregistered: []attendance.UnregisteredEmployee{},
		StartedAt:    time.Now(),
	}
	defer func() {
		if p := recover(); p != nil {
			o.log.Error().Interface("panic", p).Str("run_id", runID).Msg("batch sync panicked")
			batch.FinishedAt = time.Now()
			tr.Fail(fmt.Errorf("internal error: %v", p), batch)
		}
	}()

	if len(machines) == 0 {
		batch.Success = true
		batch.Results = []RunResult{}
		batch.FinishedAt = time.Now()
		tr.Complete("No enabled devices", batch)
		return batch
	}

	tr.Report(func(p *Progress) {
		p.Step = StepConnectivity
		p.Percentage = 2
		p.Message = fmt.Sprintf("Checking connectivity of %d devices", len(machines))
		p.TotalDevices = len(machines)
	})
	reach := o.checkReachability(ctx, machines)

	var online []int
	for i, m := range machines {
		st := reach[i]
		if st.Online {
			online = append(online, i)
			continue
		}
		batch.Offline = append(batch.Offline, OfflineDevice{MachineID: m.ID, MachineAlias: m.Alias, Reason: st.Reason, Kind: st.Kind})
		rr := RunResult{
			RunID:        uuid.NewString(),
			MachineID:    m.ID,
			MachineAlias: m.Alias,
			Preview:      opts.Preview,
			Error:        fmt.Sprintf("device %s is not reachable: %s", m.Alias, st.Reason),
			ErrorKind:    st.Kind,
			Errors:       []string{},
			Unregistered: []attendance.UnregisteredEmployee{},
			NewPunches:   []punch.Resolved{},
			StartedAt:    batch.StartedAt,
		}
		rr.finalize()
		batch.Results[i] = rr
	}
	batch.OnlineDevices = len(online)
	o.log.Info().Str("run_id", runID).Int("online", len(online)).Int("offline", len(batch.Offline)).Msg("connectivity pre-flight finished")

	if len(online) == 0 {
		o.aggregate(&batch)
		tr.Fail(errors.New("no devices are reachable"), batch)
		return batch
	}

	var finished atomic.Int32
	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, i := range online {
		m := machines[i]
		g.Go(func() error {
			child := NewTracker(o.log)
			child.Subscribe(func(p Progress) {
				if p.Terminal() {
					return
				}
				done := int(finished.Load())
				tr.Report(func(bp *Progress) {
					bp.Step = StepSyncing
					bp.Percentage = 5 + (done*100+p.Percentage)*94/(len(online)*100)
					bp.Message = fmt.Sprintf("%s: %s", m.Alias, p.Message)
					bp.Details = p.Details
					bp.CurrentDevice = m.Alias
					bp.ProcessedDevices = done
				})
			})
			batch.Results[i] = o.SyncOne(ctx, m, r, opts, child)
			done := int(finished.Add(1))
			tr.Report(func(bp *Progress) {
				bp.ProcessedDevices = done
				bp.Saved += batch.Results[i].Saved
				bp.Found += batch.Results[i].TotalLogs
				if !batch.Results[i].Success {
					bp.Errors = append(bp.Errors, fmt.Sprintf("%s: %s", m.Alias, batch.Results[i].Error))
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	o.aggregate(&batch)
	tr.Report(func(p *Progress) { p.ProcessedDevices = len(online) })
	tr.Complete(fmt.Sprintf("Synced %d of %d devices, %d new records", batch.SucceededDevices, batch.TotalDevices, batch.TotalSaved), batch)
	return batch
}

func (o *Orchestrator) aggregate(b *BatchResult) {
	for _, rr := range b.Results {
		if rr.Success {
			b.SucceededDevices++
		} else {
			b.FailedDevices++
		}
		b.TotalLogs += rr.TotalLogs
		b.TotalSaved += rr.Saved
		b.TotalDuplicates += rr.Duplicates
		b.TotalSkipped += rr.Skipped
		b.TotalErrors += len(rr.Errors)
		b.Unregistered = mergeUnregistered(b.Unregistered, rr.Unregistered)
	}
	b.Success = b.SucceededDevices > 0
	b.FinishedAt = time.Now()
}

func mergeUnregistered(into, from []attendance.UnregisteredEmployee) []attendance.UnregisteredEmployee {
	for _, u := range from {
		merged := false
		for i := range into {
			if into[i].BadgeNumber != u.BadgeNumber {
				continue
			}
			into[i].LogCount += u.LogCount
			into[i].Logs = append(into[i].Logs, u.Logs...)
			if u.FirstLogTime < into[i].FirstLogTime {
				into[i].FirstLogTime = u.FirstLogTime
			}
			if u.LastLogTime > into[i].LastLogTime {
				into[i].LastLogTime = u.LastLogTime
			}
			merged = true
			break
		}
		if !merged {
			into = append(into, u)
		}
	}
	return into
}

// DeviceStatus is the reachability of one machine.
type DeviceStatus struct {
	MachineID    int32        `json:"machineId"`
	MachineAlias string       `json:"machineAlias"`
	Address      string       `json:"address"`
	Online       bool         `json:"online"`
	LatencyMs    int64        `json:"latencyMs"`
	Reason       string       `json:"reason,omitempty"`
	Kind         zk.ErrorKind `json:"kind,omitempty"`
}

// Reachability probes every machine concurrently and returns one status per
// machine in input order.
func (o *Orchestrator) Reachability(ctx context.Context, machines []sqlcgen.Machine) []DeviceStatus {
	return o.checkReachability(ctx, machines)
}

func (o *Orchestrator) checkReachability(ctx context.Context, machines []sqlcgen.Machine) []DeviceStatus {
	out := make([]DeviceStatus, len(machines))

	jobs := make(chan int, o.reachabilityWorkers*2)
	wg := sync.WaitGroup{}

	worker := func() {
		defer wg.Done()
		for i := range jobs {
			m := machines[i]
			target := targetOf(m)
			st := DeviceStatus{MachineID: m.ID, MachineAlias: m.Alias, Address: target.Addr()}
			if err := m.Validate(); err != nil {
				st.Reason = err.Error()
				st.Kind = zk.KindHostUnreachable
			} else {
				r := o.client.TestReachable(ctx, target)
				st.Online = r.Online
				st.LatencyMs = r.Latency.Milliseconds()
				st.Reason = r.Reason
				st.Kind = r.Kind
			}
			o.metrics.SetDeviceReachable(machineLabel(m), st.Online)
			out[i] = st
		}
	}

	for i := 0; i < min(o.reachabilityWorkers, len(machines)); i++ {
		wg.Add(1)
		go worker()
	}
	for i := range machines {
		select {
		case <-ctx.Done():
			// Remaining machines are reported as offline.
			for j := i; j < len(machines); j++ {
				out[j] = DeviceStatus{MachineID: machines[j].ID, MachineAlias: machines[j].Alias, Reason: ctx.Err().Error(), Kind: zk.KindTimeout}
			}
			close(jobs)
			wg.Wait()
			return out
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return out
}

// FetchLogs reads and normalizes a device's punches without storing anything.
func (o *Orchestrator) FetchLogs(ctx context.Context, machineID int32, r punch.DateRange) ([]punch.Normalized, error) {
	m, err := o.Machine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	var out []punch.Normalized
	err = o.withDevice(ctx, m, func(ctx context.Context, dev zk.Device) error {
		raws, err := dev.FetchPunchesBetween(ctx, windowOf(r))
		if err != nil {
			return fmt.Errorf("fetch attendance from %s: %w", m.Alias, err)
		}
		out = r.Filter(punch.NormalizeAll(raws, sourceOf(m)))
		return nil
	})
	return out, err
}

// SetClock writes t to the device clock.
func (o *Orchestrator) SetClock(ctx context.Context, machineID int32, t time.Time) error {
	m, err := o.Machine(ctx, machineID)
	if err != nil {
		return err
	}
	return o.withDevice(ctx, m, func(ctx context.Context, dev zk.Device) error {
		if err := dev.SetClock(ctx, t); err != nil {
			return fmt.Errorf("set clock on %s: %w", m.Alias, err)
		}
		o.log.Info().Int32("machine_id", m.ID).Time("clock", t).Msg("device clock set")
		return nil
	})
}

func (o *Orchestrator) DeviceInfo(ctx context.Context, machineID int32) (zk.Info, error) {
	m, err := o.Machine(ctx, machineID)
	if err != nil {
		return zk.Info{}, err
	}
	var info zk.Info
	err = o.withDevice(ctx, m, func(ctx context.Context, dev zk.Device) error {
		var err error
		info, err = dev.DeviceInfo(ctx)
		return err
	})
	return info, err
}

func (o *Orchestrator) withDevice(ctx context.Context, m sqlcgen.Machine, fn func(context.Context, zk.Device) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	dev, err := o.client.Open(ctx, targetOf(m))
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(ctx, dev)
}

func targetOf(m sqlcgen.Machine) zk.Target {
	return zk.Target{Host: m.IP, Port: int(m.Port), CommKey: int(m.CommKey)}
}

func sourceOf(m sqlcgen.Machine) punch.Source {
	return punch.Source{MachineID: m.ID, MachineNumber: m.MachineNumber, Alias: m.Alias, Serial: m.Serial()}
}

// windowOf converts a validated date range to a device-side filter.
func windowOf(r punch.DateRange) zk.Window {
	var w zk.Window
	if r.From != "" {
		w.From, _ = time.Parse("2006-01-02", r.From)
	}
	if r.To != "" {
		w.To, _ = time.Parse("2006-01-02", r.To)
	}
	return w
}

func machineLabel(m sqlcgen.Machine) string {
	return strconv.Itoa(int(m.ID))
}

func outcomeLabel(r RunResult) Outcome {
	switch r.Outcome {
	case OutcomeFailed, OutcomePreview:
		return r.Outcome
	case "":
		return OutcomeFailed
	default:
		return OutcomeSucceeded
	}
}

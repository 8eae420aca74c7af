package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// MaxTimerDelayMs caps how long the scheduler sleeps between wakeups so
	// clock drift is picked up promptly.
	MaxTimerDelayMs = 60_000

	// sameSecondGuardMs keeps a recurring schedule from re-firing inside
	// the second it was scheduled for.
	sameSecondGuardMs = 1000

	// scheduleErrorDisableThreshold auto-disables a job whose schedule
	// repeatedly fails to produce a next fire time.
	scheduleErrorDisableThreshold = 3

	errorBackoffBaseMs = 30_000
	errorBackoffCapMs  = 15 * 60_000

	// DefaultWakeNowBusyRetryDelay and DefaultWakeNowBusyMaxWait bound the
	// wakeMode=now heartbeat retry loop while requests are in flight.
	DefaultWakeNowBusyRetryDelay = time.Second
	DefaultWakeNowBusyMaxWait    = 30 * time.Second
)

// Manual run triggers.
const (
	TriggerManual = "manual"
	TriggerForce  = "force"
)

// Manual run skip reasons.
const (
	ReasonDisabled       = "disabled"
	ReasonAlreadyRunning = "already-running"
	ReasonNotFound       = "not-found"
)

// HeartbeatResult is what RunHeartbeatOnce reports back.
type HeartbeatResult struct {
	Status string // "ok" or "skipped"
	Reason string // "requests-in-flight" when busy
}

// SystemEventOpts scopes an enqueued system event.
type SystemEventOpts struct {
	AgentID    string
	SessionKey string
}

// IsolatedJobRequest is handed to the isolated agent runner.
type IsolatedJobRequest struct {
	Job            Job
	Message        string
	TimeoutSeconds int
	Delivery       *Delivery
}

// IsolatedJobResult is the runner's outcome for one isolated run.
type IsolatedJobResult struct {
	Status         string // ok | error | skipped
	Error          string
	Summary        string
	Delivered      *bool
	DeliveryStatus string
	DeliveryError  string
	SessionID      string
	SessionKey     string
	Provider       string
	Model          string
}

// RunIsolatedFunc executes an isolated agent turn for a job. The runner must
// treat post-abort side effects as no-ops.
type RunIsolatedFunc func(ctx context.Context, req IsolatedJobRequest) (IsolatedJobResult, error)

// Event is emitted for every execution start and finish.
type Event struct {
	JobID          string
	Action         string // "started" | "finished"
	Status         string
	Error          string
	RunAtMs        int64
	DurationMs     int64
	Delivered      *bool
	DeliveryStatus string
}

// Deps wires the scheduler to its collaborators. The scheduler never imports
// channel packages; delivery happens inside RunIsolatedAgentJob.
type Deps struct {
	StorePath string
	NowMs     func() int64

	EnqueueSystemEvent  func(text string, opts SystemEventOpts)
	RequestHeartbeatNow func()
	RunHeartbeatOnce    func(ctx context.Context) HeartbeatResult // optional
	RunIsolatedAgentJob RunIsolatedFunc

	OnEvent func(ev Event) // optional

	Enabled           bool
	MaxConcurrentRuns int
	RunLog            *RunLog

	WakeNowBusyRetryDelay time.Duration
	WakeNowBusyMaxWait    time.Duration
}

// RunResult reports a manual run request.
type RunResult struct {
	OK     bool   `json:"ok"`
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
	Status string `json:"status,omitempty"`
}

// Scheduler owns the cron store and executes due jobs with at most one
// in-flight execution per job.
type Scheduler struct {
	deps Deps

	mu    sync.Mutex
	store *StoreFile
	timer *time.Timer

	flight sync.Map // jobID → *sync.Mutex (single-flight)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler; call Start to load the store and arm the
// timer.
func NewScheduler(deps Deps) *Scheduler {
	if deps.NowMs == nil {
		deps.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if deps.MaxConcurrentRuns <= 0 {
		deps.MaxConcurrentRuns = 1
	}
	if deps.WakeNowBusyRetryDelay <= 0 {
		deps.WakeNowBusyRetryDelay = DefaultWakeNowBusyRetryDelay
	}
	if deps.WakeNowBusyMaxWait <= 0 {
		deps.WakeNowBusyMaxWait = DefaultWakeNowBusyMaxWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{deps: deps, ctx: ctx, cancel: cancel}
}

// Start loads the store, catches up missed jobs, and arms the timer.
func (s *Scheduler) Start() error {
	store, err := LoadStore(s.deps.StorePath)
	if err != nil {
		return err
	}

	now := s.deps.NowMs()

	s.mu.Lock()
	s.store = store
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		// A runningAtMs surviving a restart is a crash artifact.
		job.State.RunningAtMs = 0
		if !job.Enabled || job.HasTerminalOneShotState() {
			continue
		}
		if job.State.NextRunAtMs == 0 {
			job.State.NextRunAtMs = s.initialNextRun(job, now)
		}
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return err
	}

	if !s.deps.Enabled {
		slog.Info("cron disabled, scheduler idle")
		return nil
	}

	// Missed-job catch-up happens through the ordinary tick path: every
	// enabled job with nextRunAtMs ≤ now is due.
	s.OnTimer()
	return nil
}

// initialNextRun computes the first fire for a job without one. One-shots
// keep their scheduled instant even when it is already past, so a missed
// fire is caught up on restart.
func (s *Scheduler) initialNextRun(job *Job, nowMs int64) int64 {
	if job.Schedule.Kind == ScheduleAt {
		if t, err := parseAt(job.Schedule.At); err == nil {
			return t.UnixMilli()
		}
		return 0
	}
	return NextRunWithStagger(job.Schedule, job.ID, ComputeNextRunAtMs(job.Schedule, nowMs))
}

// Stop cancels in-flight runs and waits for them to settle.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if s.deps.RunLog != nil {
		s.deps.RunLog.Sync()
	}
}

// OnTimer collects all due enabled jobs and executes them, bounded by
// MaxConcurrentRuns; the remainder queue in due order. Exposed for tests.
func (s *Scheduler) OnTimer() {
	if s.ctx.Err() != nil {
		return
	}
	now := s.deps.NowMs()

	s.mu.Lock()
	type dueJob struct {
		job   Job
		dueAt int64
	}
	var due []dueJob
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if !job.Enabled || job.HasTerminalOneShotState() {
			continue
		}
		if job.State.NextRunAtMs > 0 && job.State.NextRunAtMs <= now {
			due = append(due, dueJob{job: *job, dueAt: job.State.NextRunAtMs})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].dueAt != due[j].dueAt {
			return due[i].dueAt < due[j].dueAt
		}
		return due[i].job.ID < due[j].job.ID
	})

	started := 0
	sem := make(chan struct{}, s.deps.MaxConcurrentRuns)
	var launched sync.WaitGroup
	for _, d := range due {
		lock := s.flightLock(d.job.ID)
		if !lock.TryLock() {
			continue // still running from a previous fire
		}
		started++
		launched.Add(1)
		s.wg.Add(1)
		go func(job Job, dueAt int64) {
			defer s.wg.Done()
			defer launched.Done()
			defer lock.Unlock()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.executeJobCore(job.ID, dueAt, "timer")
		}(d.job, d.dueAt)
	}

	if len(due) > 0 && started == 0 {
		// Everything due is already running; a normal re-arm would spin.
		s.armTimerAfter(MaxTimerDelayMs)
		return
	}

	go func() {
		launched.Wait()
		s.armTimer()
	}()
}

// Run triggers a job manually. Disabled jobs only run with trigger "force";
// a job already in flight reports {ran:false, reason:"already-running"}.
func (s *Scheduler) Run(jobID, trigger string) RunResult {
	s.mu.Lock()
	job := s.findJobLocked(jobID)
	if job == nil {
		s.mu.Unlock()
		return RunResult{OK: false, Ran: false, Reason: ReasonNotFound}
	}
	enabled := job.Enabled
	s.mu.Unlock()

	if !enabled && trigger != TriggerForce {
		return RunResult{OK: true, Ran: false, Reason: ReasonDisabled}
	}

	lock := s.flightLock(jobID)
	if !lock.TryLock() {
		return RunResult{OK: true, Ran: false, Reason: ReasonAlreadyRunning}
	}
	defer lock.Unlock()

	status := s.executeJobCore(jobID, s.deps.NowMs(), trigger)
	s.armTimer()
	return RunResult{OK: true, Ran: true, Status: status}
}

// executeJobCore runs one job execution end to end: state bookkeeping,
// payload dispatch, outcome mapping, next-run computation, persistence,
// events, run log. The caller holds the job's single-flight lock.
func (s *Scheduler) executeJobCore(jobID string, scheduledRunAt int64, trigger string) string {
	startedAt := s.deps.NowMs()

	s.mu.Lock()
	jobPtr := s.findJobLocked(jobID)
	if jobPtr == nil {
		s.mu.Unlock()
		return StatusSkipped
	}
	jobPtr.State.RunningAtMs = startedAt
	job := *jobPtr
	s.mu.Unlock()
	_ = s.persist()

	s.emit(Event{JobID: job.ID, Action: "started", RunAtMs: startedAt})
	slog.Info("cron: job started", "job", job.ID, "name", job.Name, "trigger", trigger)

	timeoutSeconds := 0
	if job.Payload.Kind == PayloadAgentTurn {
		timeoutSeconds = job.Payload.TimeoutSeconds
	}
	runCtx := s.ctx
	var cancelRun context.CancelFunc
	if timeoutSeconds > 0 {
		runCtx, cancelRun = context.WithTimeout(s.ctx, time.Duration(timeoutSeconds)*time.Second)
	} else {
		runCtx, cancelRun = context.WithCancel(s.ctx)
	}
	defer cancelRun()

	outcome := s.dispatchPayload(runCtx, job)
	if runCtx.Err() == context.DeadlineExceeded {
		// Late runner results are discarded in favor of the timeout verdict.
		outcome.Status = StatusError
		outcome.Error = fmt.Sprintf("job %s timed out after %ds", job.ID, timeoutSeconds)
	}

	deliveryStatus, delivered, deliveryError := s.resolveDelivery(job, outcome)
	if deliveryError != "" && job.Delivery != nil && !job.Delivery.BestEffort {
		outcome.Status = StatusError
		if outcome.Error == "" {
			outcome.Error = deliveryError
		}
	}

	endedAt := s.deps.NowMs()
	durationMs := endedAt - startedAt

	s.mu.Lock()
	jobPtr = s.findJobLocked(jobID)
	removed := false
	if jobPtr != nil {
		st := &jobPtr.State
		st.RunningAtMs = 0
		st.LastRunAtMs = startedAt
		st.LastRunStatus = outcome.Status
		st.LastError = outcome.Error
		st.LastDurationMs = durationMs
		st.LastDeliveryStatus = deliveryStatus
		st.LastDeliveryError = deliveryError
		st.LastDelivered = delivered

		if outcome.Status == StatusError {
			st.ConsecutiveErrors++
		} else {
			st.ConsecutiveErrors = 0
		}

		if jobPtr.IsOneShot() {
			st.NextRunAtMs = 0
			if jobPtr.DeleteAfterRun {
				s.removeJobLocked(jobID)
				removed = true
			}
		} else {
			s.scheduleNextLocked(jobPtr, scheduledRunAt, endedAt)
		}
	}
	s.mu.Unlock()
	if removed {
		s.flight.Delete(jobID)
	}
	if err := s.persist(); err != nil {
		slog.Error("cron: persist failed", "job", jobID, "error", err)
	}

	s.emit(Event{
		JobID:          job.ID,
		Action:         "finished",
		Status:         outcome.Status,
		Error:          outcome.Error,
		RunAtMs:        startedAt,
		DurationMs:     durationMs,
		Delivered:      delivered,
		DeliveryStatus: deliveryStatus,
	})
	slog.Info("cron: job finished",
		"job", job.ID, "status", outcome.Status, "duration_ms", durationMs,
		"delivery", deliveryStatus)

	if s.deps.RunLog != nil {
		if err := s.deps.RunLog.Append(RunLogEntry{
			JobID:          job.ID,
			Status:         outcome.Status,
			Error:          outcome.Error,
			Summary:        outcome.Summary,
			RunAtMs:        startedAt,
			DurationMs:     durationMs,
			Delivered:      delivered,
			DeliveryStatus: deliveryStatus,
			DeliveryError:  deliveryError,
			SessionKey:     outcome.SessionKey,
			Provider:       outcome.Provider,
			Model:          outcome.Model,
		}); err != nil {
			slog.Warn("cron: run log append failed", "job", job.ID, "error", err)
		}
	}

	return outcome.Status
}

// dispatchPayload runs the payload branch appropriate for the job.
func (s *Scheduler) dispatchPayload(ctx context.Context, job Job) IsolatedJobResult {
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		s.deps.EnqueueSystemEvent(job.Payload.Text, SystemEventOpts{
			AgentID:    job.AgentID,
			SessionKey: job.SessionKey,
		})
		if job.WakeMode == WakeNow && s.deps.RunHeartbeatOnce != nil {
			return s.wakeNow(ctx)
		}
		if s.deps.RequestHeartbeatNow != nil {
			s.deps.RequestHeartbeatNow()
		}
		return IsolatedJobResult{Status: StatusOK}

	case PayloadAgentTurn:
		res, err := s.deps.RunIsolatedAgentJob(ctx, IsolatedJobRequest{
			Job:            job,
			Message:        job.Payload.Message,
			TimeoutSeconds: job.Payload.TimeoutSeconds,
			Delivery:       job.Delivery,
		})
		if err != nil {
			return IsolatedJobResult{Status: StatusError, Error: err.Error()}
		}
		if res.Status == "" {
			res.Status = StatusOK
		}
		return res
	}
	return IsolatedJobResult{Status: StatusSkipped, Error: "unknown payload kind"}
}

// wakeNow runs an immediate heartbeat, retrying while the runtime reports
// requests in flight, bounded by the busy-wait deadline and the run context.
func (s *Scheduler) wakeNow(ctx context.Context) IsolatedJobResult {
	deadline := time.Now().Add(s.deps.WakeNowBusyMaxWait)
	for {
		res := s.deps.RunHeartbeatOnce(ctx)
		if res.Status != "skipped" || res.Reason != "requests-in-flight" {
			return IsolatedJobResult{Status: StatusOK}
		}
		if time.Now().After(deadline) {
			return IsolatedJobResult{Status: StatusSkipped, Error: "heartbeat busy: " + res.Reason}
		}
		select {
		case <-ctx.Done():
			return IsolatedJobResult{Status: StatusSkipped, Error: "aborted while waiting for heartbeat"}
		case <-time.After(s.deps.WakeNowBusyRetryDelay):
		}
	}
}

// resolveDelivery maps the runner's delivery report to the persisted fields.
func (s *Scheduler) resolveDelivery(job Job, outcome IsolatedJobResult) (status string, delivered *bool, deliveryError string) {
	if job.Delivery == nil || job.Delivery.Mode == DeliveryNone {
		return DeliveryStatusNotRequested, nil, ""
	}

	deliveryError = outcome.DeliveryError
	if outcome.DeliveryStatus != "" {
		return outcome.DeliveryStatus, outcome.Delivered, deliveryError
	}
	if deliveryError != "" {
		f := false
		return DeliveryStatusFailed, &f, deliveryError
	}

	switch {
	case outcome.Delivered == nil:
		return DeliveryStatusUnknown, nil, ""
	case *outcome.Delivered:
		return DeliveryStatusDelivered, outcome.Delivered, ""
	default:
		return DeliveryStatusNotDelivered, outcome.Delivered, ""
	}
}

// scheduleNextLocked computes the next fire for a recurring job after a run.
// Called with s.mu held.
func (s *Scheduler) scheduleNextLocked(job *Job, scheduledRunAt, endedAt int64) {
	base := endedAt
	if guard := scheduledRunAt + sameSecondGuardMs; guard > base {
		base = guard
	}

	next := ComputeNextRunAtMs(job.Schedule, base)
	if next == 0 {
		next = ComputeNextRunAtMs(job.Schedule, base+sameSecondGuardMs)
	}
	if next == 0 {
		job.State.ScheduleErrorCount++
		if job.State.ScheduleErrorCount >= scheduleErrorDisableThreshold {
			job.Enabled = false
			slog.Warn("cron: schedule repeatedly produced no next run, disabling job",
				"job", job.ID, "errors", job.State.ScheduleErrorCount)
		}
		job.State.NextRunAtMs = 0
		return
	}
	job.State.ScheduleErrorCount = 0

	next = NextRunWithStagger(job.Schedule, job.ID, next)

	if HasSecondGranularity(job.Schedule) && next < endedAt+MinRefireGapMs {
		bumped := ComputeNextRunAtMs(job.Schedule, endedAt+MinRefireGapMs-1)
		if bumped == 0 {
			bumped = endedAt + MinRefireGapMs
		}
		next = NextRunWithStagger(job.Schedule, job.ID, bumped)
	}

	// Exponential backoff after errors, capped.
	if job.State.ConsecutiveErrors > 0 {
		backoff := int64(errorBackoffBaseMs)
		for i := 1; i < job.State.ConsecutiveErrors && backoff < errorBackoffCapMs; i++ {
			backoff *= 2
		}
		if backoff > errorBackoffCapMs {
			backoff = errorBackoffCapMs
		}
		if earliest := endedAt + backoff; next < earliest {
			next = earliest
		}
	}

	job.State.NextRunAtMs = next
}

// armTimer arms the single wakeup timer at the nearest nextRunAtMs, capped
// at MaxTimerDelayMs. With nothing scheduled it re-arms at the cap. Wakeups
// work on the in-memory store; the store file is read only in Start.
func (s *Scheduler) armTimer() {
	if !s.deps.Enabled || s.ctx.Err() != nil {
		return
	}
	now := s.deps.NowMs()

	s.mu.Lock()
	var nearest int64
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if !job.Enabled || job.HasTerminalOneShotState() || job.State.NextRunAtMs == 0 {
			continue
		}
		if nearest == 0 || job.State.NextRunAtMs < nearest {
			nearest = job.State.NextRunAtMs
		}
	}
	s.mu.Unlock()

	delay := int64(MaxTimerDelayMs)
	if nearest > 0 {
		delay = nearest - now
		if delay < 0 {
			delay = 0
		}
		if delay > MaxTimerDelayMs {
			delay = MaxTimerDelayMs
		}
	}
	s.armTimerAfter(delay)
}

func (s *Scheduler) armTimerAfter(delayMs int64) {
	if !s.deps.Enabled || s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, s.OnTimer)
}

func (s *Scheduler) flightLock(jobID string) *sync.Mutex {
	v, _ := s.flight.LoadOrStore(jobID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Scheduler) emit(ev Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(ev)
	}
}

func (s *Scheduler) findJobLocked(jobID string) *Job {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == jobID {
			return &s.store.Jobs[i]
		}
	}
	return nil
}

func (s *Scheduler) removeJobLocked(jobID string) {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == jobID {
			s.store.Jobs = append(s.store.Jobs[:i], s.store.Jobs[i+1:]...)
			return
		}
	}
}

// persist snapshots the store under the lock and writes it atomically.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	snapshot := StoreFile{Version: s.store.Version, Jobs: make([]Job, len(s.store.Jobs))}
	copy(snapshot.Jobs, s.store.Jobs)
	s.mu.Unlock()
	return SaveStore(s.deps.StorePath, &snapshot)
}

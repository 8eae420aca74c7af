package cron

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("cron job not found")

// Jobs returns a snapshot of all jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.store.Jobs))
	copy(out, s.store.Jobs)
	return out
}

// JobNames returns jobId → name for run-log decoration.
func (s *Scheduler) JobNames() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]string, len(s.store.Jobs))
	for _, j := range s.store.Jobs {
		names[j.ID] = j.Name
	}
	return names
}

// GetJob returns one job by id.
func (s *Scheduler) GetJob(jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.findJobLocked(jobID); job != nil {
		return *job, nil
	}
	return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// AddJob normalizes, stores, and schedules a new job.
func (s *Scheduler) AddJob(in JobCreate) (Job, error) {
	now := s.deps.NowMs()
	job, err := NormalizeJobCreate(in, now)
	if err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.findJobLocked(job.ID) != nil {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("cron job %s already exists", job.ID)
	}
	if job.Enabled {
		job.State.NextRunAtMs = s.initialNextRun(&job, now)
	}
	s.store.Jobs = append(s.store.Jobs, job)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return Job{}, err
	}
	s.armTimer()
	return job, nil
}

// PatchJob applies a partial update and reschedules when needed.
func (s *Scheduler) PatchJob(jobID string, patch JobPatch) (Job, error) {
	now := s.deps.NowMs()

	s.mu.Lock()
	existing := s.findJobLocked(jobID)
	if existing == nil {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	updated, err := NormalizeJobPatch(*existing, patch, now)
	if err != nil {
		s.mu.Unlock()
		return Job{}, err
	}
	if updated.Enabled && updated.State.NextRunAtMs == 0 && !updated.HasTerminalOneShotState() {
		updated.State.NextRunAtMs = s.initialNextRun(&updated, now)
	}
	*existing = updated
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return Job{}, err
	}
	s.armTimer()
	return updated, nil
}

// DeleteJob removes a job and its single-flight lock.
func (s *Scheduler) DeleteJob(jobID string) error {
	s.mu.Lock()
	if s.findJobLocked(jobID) == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	s.removeJobLocked(jobID)
	s.mu.Unlock()

	s.flight.Delete(jobID)
	return s.persist()
}

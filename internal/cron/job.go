// Package cron implements the persistent job scheduler: one-shot, interval
// and cron-expression schedules, crash-safe JSON persistence, single-flight
// execution per job, timeout/abort handling, delivery status tracking, and
// per-job run logs.
package cron

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Session targets.
const (
	SessionTargetMain     = "main"
	SessionTargetIsolated = "isolated"
)

// Wake modes for systemEvent jobs.
const (
	WakeNextHeartbeat = "next-heartbeat"
	WakeNow           = "now"
)

// Payload kinds.
const (
	PayloadSystemEvent = "systemEvent"
	PayloadAgentTurn   = "agentTurn"
)

// Delivery modes.
const (
	DeliveryNone     = "none"
	DeliveryAnnounce = "announce"
	DeliveryWebhook  = "webhook"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Delivery statuses.
const (
	DeliveryStatusNotRequested = "not-requested"
	DeliveryStatusDelivered    = "delivered"
	DeliveryStatusNotDelivered = "not-delivered"
	DeliveryStatusUnknown      = "unknown"
	DeliveryStatusFailed       = "failed"
)

// Schedule is the tagged union of supported schedule kinds.
type Schedule struct {
	Kind string `json:"kind"`

	// at
	At string `json:"at,omitempty"` // ISO timestamp, normalized to UTC

	// every
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StaggerMs int64  `json:"staggerMs,omitempty"`
}

// Payload describes what a job run does.
type Payload struct {
	Kind string `json:"kind"` // systemEvent | agentTurn

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message                    string `json:"message,omitempty"`
	Model                      string `json:"model,omitempty"`
	Thinking                   string `json:"thinking,omitempty"`
	TimeoutSeconds             int    `json:"timeoutSeconds,omitempty"` // 0 means no timeout
	AllowUnsafeExternalContent bool   `json:"allowUnsafeExternalContent,omitempty"`

	// Legacy delivery fields, migrated into Job.Delivery on normalize.
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`
}

// Delivery routes a job's agent output back to a channel.
type Delivery struct {
	Mode       string `json:"mode"` // none | announce | webhook
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// JobState is the mutable execution state persisted with the job.
type JobState struct {
	NextRunAtMs        int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs        int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs        int64  `json:"lastRunAtMs,omitempty"`
	LastRunStatus      string `json:"lastRunStatus,omitempty"`
	LastError          string `json:"lastError,omitempty"`
	LastDurationMs     int64  `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors  int    `json:"consecutiveErrors,omitempty"`
	ScheduleErrorCount int    `json:"scheduleErrorCount,omitempty"`
	LastDeliveryStatus string `json:"lastDeliveryStatus,omitempty"`
	LastDeliveryError  string `json:"lastDeliveryError,omitempty"`
	LastDelivered      *bool  `json:"lastDelivered,omitempty"`
}

// Job is one scheduled job.
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId,omitempty"`
	SessionKey     string    `json:"sessionKey,omitempty"`
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64     `json:"createdAtMs"`
	UpdatedAtMs    int64     `json:"updatedAtMs"`
	Schedule       Schedule  `json:"schedule"`
	SessionTarget  string    `json:"sessionTarget"` // main | isolated
	WakeMode       string    `json:"wakeMode"`      // next-heartbeat | now
	Payload        Payload   `json:"payload"`
	Delivery       *Delivery `json:"delivery,omitempty"`
	State          JobState  `json:"state"`
}

// IsOneShot reports whether the job fires once.
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleAt
}

// HasTerminalOneShotState reports whether a one-shot job already reached a
// terminal outcome and must not re-fire on restart.
func (j *Job) HasTerminalOneShotState() bool {
	if !j.IsOneShot() {
		return false
	}
	switch j.State.LastRunStatus {
	case StatusSkipped, StatusError:
		return true
	case StatusOK:
		return j.DeleteAfterRun
	}
	return false
}

package cron

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// ErrInvalidSchedule is returned when a job carries a schedule that can
// never fire.
var ErrInvalidSchedule = errors.New("invalid schedule")

// JobCreate is the caller-facing shape for creating a job. Legacy top-level
// fields are accepted and promoted into the payload/delivery during
// normalization.
type JobCreate struct {
	ID             string    `json:"id,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	SessionKey     string    `json:"sessionKey,omitempty"`
	Name           string    `json:"name"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule  `json:"schedule"`
	SessionTarget  string    `json:"sessionTarget,omitempty"`
	WakeMode       string    `json:"wakeMode,omitempty"`
	Payload        Payload   `json:"payload"`
	Delivery       *Delivery `json:"delivery,omitempty"`

	// Legacy top-level agentTurn options.
	Model                      string `json:"model,omitempty"`
	Thinking                   string `json:"thinking,omitempty"`
	TimeoutSeconds             int    `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent *bool  `json:"allowUnsafeExternalContent,omitempty"`
}

// NormalizeJobCreate validates and canonicalizes a job-create request into a
// Job ready for the store.
func NormalizeJobCreate(in JobCreate, nowMs int64) (Job, error) {
	job := Job{
		ID:            strings.TrimSpace(in.ID),
		Name:          strings.TrimSpace(in.Name),
		CreatedAtMs:   nowMs,
		UpdatedAtMs:   nowMs,
		Schedule:      in.Schedule,
		SessionTarget: in.SessionTarget,
		WakeMode:      in.WakeMode,
		Payload:       in.Payload,
		Delivery:      in.Delivery,
	}

	if in.AgentID != "" {
		job.AgentID = config.NormalizeAgentID(in.AgentID)
	}
	if in.SessionKey != "" {
		job.SessionKey = sessions.NormalizeSessionKey(in.SessionKey)
	}

	job.Enabled = in.Enabled == nil || *in.Enabled

	if err := normalizeSchedule(&job.Schedule); err != nil {
		return Job{}, err
	}

	// One-shots default to deleteAfterRun=true.
	if in.DeleteAfterRun != nil {
		job.DeleteAfterRun = *in.DeleteAfterRun
	} else {
		job.DeleteAfterRun = job.IsOneShot()
	}

	normalizePayload(&job, in)
	normalizeDelivery(&job)
	return job, nil
}

// JobPatch applies partial updates; nil fields are left untouched.
type JobPatch struct {
	Name           *string   `json:"name,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	AgentID        *string   `json:"agentId,omitempty"`
	SessionKey     *string   `json:"sessionKey,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	SessionTarget  *string   `json:"sessionTarget,omitempty"`
	WakeMode       *string   `json:"wakeMode,omitempty"`
	Payload        *Payload  `json:"payload,omitempty"`
	Delivery       *Delivery `json:"delivery,omitempty"`
}

// NormalizeJobPatch applies a patch to an existing job and re-canonicalizes.
func NormalizeJobPatch(job Job, patch JobPatch, nowMs int64) (Job, error) {
	if patch.Name != nil {
		job.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.AgentID != nil {
		job.AgentID = config.NormalizeAgentID(*patch.AgentID)
	}
	if patch.SessionKey != nil {
		job.SessionKey = sessions.NormalizeSessionKey(*patch.SessionKey)
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		if err := normalizeSchedule(&job.Schedule); err != nil {
			return Job{}, err
		}
		// A schedule change invalidates the computed next fire.
		job.State.NextRunAtMs = 0
	}
	if patch.SessionTarget != nil {
		job.SessionTarget = *patch.SessionTarget
	}
	if patch.WakeMode != nil {
		job.WakeMode = *patch.WakeMode
	}
	if patch.Payload != nil {
		job.Payload = *patch.Payload
	}
	if patch.Delivery != nil {
		job.Delivery = patch.Delivery
	}

	normalizePayload(&job, JobCreate{})
	normalizeDelivery(&job)
	job.UpdatedAtMs = nowMs
	return job, nil
}

func normalizeSchedule(s *Schedule) error {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	switch s.Kind {
	case ScheduleAt:
		normalized, ok := NormalizeAt(s.At)
		if !ok {
			return fmt.Errorf("%w: bad at timestamp %q", ErrInvalidSchedule, s.At)
		}
		s.At = normalized
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("%w: everyMs must be positive", ErrInvalidSchedule)
		}
	case ScheduleCron:
		if !ValidateSchedule(*s) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalidSchedule, s.Expr)
		}
		// Top-of-hour recurring crons get a default stagger slot.
		if s.StaggerMs == 0 && IsTopOfHour(*s) {
			s.StaggerMs = DefaultTopOfHourStaggerMs
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

func normalizePayload(job *Job, in JobCreate) {
	p := &job.Payload

	switch strings.TrimSpace(p.Kind) {
	case PayloadAgentTurn, "agentturn":
		p.Kind = PayloadAgentTurn
	default:
		p.Kind = PayloadSystemEvent
	}

	// Canonicalize enum casing.
	switch strings.ToLower(strings.TrimSpace(job.SessionTarget)) {
	case SessionTargetIsolated:
		job.SessionTarget = SessionTargetIsolated
	case SessionTargetMain:
		job.SessionTarget = SessionTargetMain
	default:
		if p.Kind == PayloadAgentTurn {
			job.SessionTarget = SessionTargetIsolated
		} else {
			job.SessionTarget = SessionTargetMain
		}
	}
	switch strings.ToLower(strings.TrimSpace(job.WakeMode)) {
	case WakeNow:
		job.WakeMode = WakeNow
	default:
		job.WakeMode = WakeNextHeartbeat
	}

	// Promote legacy top-level agentTurn options into the payload.
	if p.Kind == PayloadAgentTurn {
		if p.Model == "" {
			p.Model = in.Model
		}
		if p.Thinking == "" {
			p.Thinking = in.Thinking
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = in.TimeoutSeconds
		}
		if in.AllowUnsafeExternalContent != nil && !p.AllowUnsafeExternalContent {
			p.AllowUnsafeExternalContent = *in.AllowUnsafeExternalContent
		}
	}
}

func normalizeDelivery(job *Job) {
	p := &job.Payload

	// Migrate legacy payload delivery fields.
	if job.Delivery == nil && (p.Deliver != nil || p.Channel != "" || p.To != "") {
		d := &Delivery{Mode: DeliveryNone}
		if p.Deliver == nil || *p.Deliver {
			d.Mode = DeliveryAnnounce
		}
		d.Channel = p.Channel
		d.To = p.To
		if p.BestEffortDeliver != nil {
			d.BestEffort = *p.BestEffortDeliver
		}
		job.Delivery = d
	}
	p.Deliver = nil
	p.Channel = ""
	p.To = ""
	p.BestEffortDeliver = nil

	// Isolated agent turns default to announce delivery.
	if job.Delivery == nil && p.Kind == PayloadAgentTurn && job.SessionTarget == SessionTargetIsolated {
		job.Delivery = &Delivery{Mode: DeliveryAnnounce}
	}

	if job.Delivery != nil {
		switch strings.ToLower(strings.TrimSpace(job.Delivery.Mode)) {
		case DeliveryAnnounce:
			job.Delivery.Mode = DeliveryAnnounce
		case DeliveryWebhook:
			job.Delivery.Mode = DeliveryWebhook
		default:
			job.Delivery.Mode = DeliveryNone
		}
		job.Delivery.Channel = strings.ToLower(strings.TrimSpace(job.Delivery.Channel))
	}
}

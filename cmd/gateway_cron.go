package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// makeIsolatedJobRunner builds the scheduler's isolated agent runner. Each
// run gets its own per-run session key; announce delivery posts the agent
// output back through the outbound bus, falling back to the job's agent's
// last DM route when the job has no explicit target.
func makeIsolatedJobRunner(cfg *config.Config, runner agent.Runner, sessionMgr *sessions.Manager, msgBus *bus.MessageBus) cron.RunIsolatedFunc {
	return func(ctx context.Context, req cron.IsolatedJobRequest) (cron.IsolatedJobResult, error) {
		job := req.Job

		agentID := job.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}
		runID := uuid.NewString()[:8]
		sessionKey := job.SessionKey
		if sessionKey == "" {
			sessionKey = sessions.BuildCronRunSessionKey(agentID, job.ID, runID)
		}

		result, err := runner.Run(ctx, agent.RunRequest{
			SessionKey: sessionKey,
			AgentID:    agentID,
			Message:    req.Message,
			Channel:    "cron",
			RunID:      fmt.Sprintf("cron-%s-%s", job.ID, runID),
			Model:      job.Payload.Model,
		})
		if err != nil {
			return cron.IsolatedJobResult{}, err
		}
		if ctx.Err() != nil {
			// Aborted runs must not produce late side effects.
			return cron.IsolatedJobResult{Status: cron.StatusError, Error: ctx.Err().Error(), SessionKey: sessionKey}, nil
		}

		// Track fallback state on the per-job session.
		trackFallback(sessionMgr, sessions.BuildCronSessionKey(agentID, job.ID), result)

		out := cron.IsolatedJobResult{
			Status:     cron.StatusOK,
			Summary:    channelsTruncate(result.Content, 200),
			SessionKey: sessionKey,
			Provider:   result.Provider,
			Model:      result.Model,
		}

		if req.Delivery == nil || req.Delivery.Mode != cron.DeliveryAnnounce {
			return out, nil
		}

		channel, accountID, to := req.Delivery.Channel, "", req.Delivery.To
		if channel == "" || to == "" {
			channel, accountID, to = sessionMgr.LastRoute(agentID)
		}
		if channel == "" || to == "" || result.Content == "" {
			f := false
			out.Delivered = &f
			return out, nil
		}

		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel:   channel,
			AccountID: accountID,
			ChatID:    to,
			Content:   result.Content,
		})
		t := true
		out.Delivered = &t
		return out, nil
	}
}

// trackFallback persists model-fallback transitions after a run.
func trackFallback(sessionMgr *sessions.Manager, sessionKey string, result agent.RunResult) {
	if result.Model == "" && result.SelectedModel == "" {
		return
	}
	attempts := make([]sessions.FallbackAttempt, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		attempts = append(attempts, sessions.FallbackAttempt{
			Provider:   a.Provider,
			Model:      a.Model,
			Reason:     a.Reason,
			Code:       a.Code,
			HTTPStatus: a.HTTPStatus,
		})
	}

	sessionMgr.GetOrCreate(sessionKey)
	res := sessions.EvaluateFallback(sessions.FallbackInput{
		SelectedProvider: result.SelectedProvider,
		SelectedModel:    result.SelectedModel,
		ActiveProvider:   result.Provider,
		ActiveModel:      result.Model,
		Attempts:         attempts,
		PriorState:       sessionMgr.GetFallback(sessionKey),
	})
	if res.StateChanged {
		sessionMgr.SetFallback(sessionKey, res.NextState)
		sessionMgr.UpdateModel(sessionKey, result.Provider, result.Model)
		_ = sessionMgr.Save(sessionKey)
	}
}

func channelsTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

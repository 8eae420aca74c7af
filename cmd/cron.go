package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
)

// cronCmd operates on the local cron store directly. A running gateway reads
// the store file only when its scheduler starts, so it does not see edits made
// here, and its next store write replaces them.
func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and edit the cron job store",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronRunsCmd())
	return cmd
}

func cronStorePath() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", err
	}
	return cron.ResolveStorePath(cfg.StatePath(), ""), nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cronStorePath()
			if err != nil {
				return err
			}
			store, err := cron.LoadStore(path)
			if err != nil {
				return err
			}
			if len(store.Jobs) == 0 {
				fmt.Println("no cron jobs")
				return nil
			}
			for _, job := range store.Jobs {
				next := "-"
				if job.State.NextRunAtMs > 0 {
					next = time.UnixMilli(job.State.NextRunAtMs).UTC().Format(time.RFC3339)
				}
				status := job.State.LastRunStatus
				if status == "" {
					status = "-"
				}
				enabled := "enabled"
				if !job.Enabled {
					enabled = "disabled"
				}
				fmt.Printf("%-24s %-20s %-9s last=%-7s next=%s\n", job.ID, job.Name, enabled, status, next)
			}
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name     string
		expr     string
		at       string
		everyStr string
		message  string
		agentID  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a cron job (isolated agent turn)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cronStorePath()
			if err != nil {
				return err
			}
			store, err := cron.LoadStore(path)
			if err != nil {
				return err
			}

			schedule := cron.Schedule{}
			switch {
			case expr != "":
				schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: expr}
			case at != "":
				schedule = cron.Schedule{Kind: cron.ScheduleAt, At: at}
			case everyStr != "":
				d, err := time.ParseDuration(everyStr)
				if err != nil {
					return fmt.Errorf("bad --every duration: %w", err)
				}
				schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: d.Milliseconds()}
			default:
				return fmt.Errorf("one of --cron, --at, --every is required")
			}

			job, err := cron.NormalizeJobCreate(cron.JobCreate{
				ID:       uuid.NewString(),
				Name:     name,
				AgentID:  agentID,
				Schedule: schedule,
				Payload:  cron.Payload{Kind: cron.PayloadAgentTurn, Message: message},
			}, time.Now().UnixMilli())
			if err != nil {
				return err
			}

			store.Jobs = append(store.Jobs, job)
			if err := cron.SaveStore(path, store); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(job, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression (e.g. \"0 13 * * *\")")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 timestamp")
	cmd.Flags().StringVar(&everyStr, "every", "", "interval (e.g. \"30m\")")
	cmd.Flags().StringVar(&message, "message", "", "agent turn message")
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent id")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("message")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job-id>",
		Short: "Remove a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cronStorePath()
			if err != nil {
				return err
			}
			store, err := cron.LoadStore(path)
			if err != nil {
				return err
			}
			kept := store.Jobs[:0]
			found := false
			for _, job := range store.Jobs {
				if job.ID == args[0] {
					found = true
					continue
				}
				kept = append(kept, job)
			}
			if !found {
				fmt.Fprintf(os.Stderr, "job %s not found\n", args[0])
				os.Exit(1)
			}
			store.Jobs = kept
			return cron.SaveStore(path, store)
		},
	}
}

func cronRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <job-id>",
		Short: "Show recent runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			runLog := cron.NewRunLog(cfg.StatePath("cron"), cfg.Cron.RunLog.MaxBytes, cfg.Cron.RunLog.KeepLines)
			res, err := runLog.Read(args[0], cron.ReadOpts{Limit: limit})
			if err != nil {
				return err
			}
			for _, e := range res.Entries {
				fmt.Printf("%s %-7s %6dms delivery=%-13s %s\n",
					time.UnixMilli(e.RunAtMs).UTC().Format(time.RFC3339),
					e.Status, e.DurationMs, e.DeliveryStatus, e.Error)
			}
			fmt.Printf("%d of %d runs\n", len(res.Entries), res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

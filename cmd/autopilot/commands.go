package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/secrets"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/mcp"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// run adapts an app callback to a cobra RunE.
func run(g *globalFlags, fn func(context.Context, *app, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return g.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return fn(ctx, a, args)
		})
	}
}

func tickCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Claim and dispatch one batch of queued runs",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			res, err := a.engine.RunBatch(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}
}

func evaluateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the governor window and pause autonomy if the trip rule holds",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			ev, err := a.engine.Governor().EvaluateAndAutoPause(ctx)
			if err != nil {
				return err
			}
			return printJSON(ev)
		}),
	}
}

func replayCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Requeue a dead-lettered run",
		Args:  cobra.ExactArgs(1),
		RunE: run(g, func(ctx context.Context, a *app, args []string) error {
			r, err := a.engine.Replay(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(r)
		}),
	}
}

func governorCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "governor", Short: "Inspect or steer the safety governor"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show governor state and the current autonomy decision",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			gov := a.engine.Governor()
			st, err := gov.State(ctx)
			if err != nil {
				return err
			}
			dec, err := gov.CanExecuteAutonomy(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"state": st, "decision": dec, "trip_rule": gov.TripRule()})
		}),
	})

	var off bool
	var reason string
	kill := &cobra.Command{
		Use:   "kill-switch",
		Short: "Engage (default) or release the global kill switch",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			st, err := a.engine.Governor().SetKillSwitch(ctx, !off, reason)
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	}
	kill.Flags().BoolVar(&off, "off", false, "Release the kill switch")
	kill.Flags().StringVar(&reason, "reason", "", "Why the switch is engaged (required unless --off)")
	cmd.AddCommand(kill)

	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Clear the kill switch and any automatic pause",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			st, err := a.engine.Governor().Resume(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	})

	var failurePct float64
	var criticalOpen, windowHours int
	thresholds := &cobra.Command{
		Use:   "thresholds",
		Short: "Update the trip thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			var t engine.Thresholds
			if cmd.Flags().Changed("failure-pct") {
				t.FailureThresholdPct = &failurePct
			}
			if cmd.Flags().Changed("critical-open") {
				t.CriticalOpenThreshold = &criticalOpen
			}
			if cmd.Flags().Changed("window-hours") {
				t.WindowHours = &windowHours
			}
			return run(g, func(ctx context.Context, a *app, _ []string) error {
				st, err := a.engine.Governor().UpdateThresholds(ctx, t)
				if err != nil {
					return err
				}
				return printJSON(st)
			})(cmd, args)
		},
	}
	thresholds.Flags().Float64Var(&failurePct, "failure-pct", 0, "Failure percentage that trips the governor")
	thresholds.Flags().IntVar(&criticalOpen, "critical-open", 0, "Open critical exceptions that trip the governor")
	thresholds.Flags().IntVar(&windowHours, "window-hours", 0, "Evaluation window in hours")
	cmd.AddCommand(thresholds)

	return cmd
}

func scheduleCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage cron schedules that start runs"}

	var wf, cronExpr, property, payload string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a schedule",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			sch := &store.Schedule{
				WorkflowType:   schema.WorkflowType(strings.ToUpper(wf)),
				PropertyID:     property,
				CronExpression: cronExpr,
				Enabled:        true,
			}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &sch.Payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}
			if err := a.scheduler().CreateSchedule(ctx, sch); err != nil {
				return err
			}
			return printJSON(sch)
		}),
	}
	add.Flags().StringVar(&wf, "workflow", "", "Workflow type")
	add.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (5 fields or @descriptor)")
	add.Flags().StringVar(&property, "property", "", "Property the runs act on")
	add.Flags().StringVar(&payload, "payload", "", "Workflow input as a JSON object")
	_ = add.MarkFlagRequired("workflow")
	_ = add.MarkFlagRequired("cron")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			list, err := a.store.ListSchedules(ctx, store.ScheduleFilter{})
			if err != nil {
				return err
			}
			if list == nil {
				list = []*store.Schedule{}
			}
			return printJSON(list)
		}),
	})

	for _, enabled := range []bool{true, false} {
		use := "disable <id>"
		if enabled {
			use = "enable <id>"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: strings.Fields(use)[0] + " a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: run(g, func(ctx context.Context, a *app, args []string) error {
				return a.store.UpdateSchedule(ctx, args[0], store.ScheduleUpdate{Enabled: &enabled})
			}),
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: run(g, func(ctx context.Context, a *app, args []string) error {
			return a.store.DeleteSchedule(ctx, args[0])
		}),
	})
	return cmd
}

func secretCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage inbound channel credentials"}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <channel> <bearer|hmac>",
		Short: "Store a channel credential read from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: run(g, func(ctx context.Context, a *app, args []string) error {
			kind := strings.ToLower(args[1])
			if kind != secrets.CredentialBearer && kind != secrets.CredentialHMAC {
				return fmt.Errorf("credential kind must be %s or %s", secrets.CredentialBearer, secrets.CredentialHMAC)
			}
			value, err := io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
			if err != nil {
				return err
			}
			value = []byte(strings.TrimSpace(string(value)))
			if len(value) == 0 {
				return fmt.Errorf("empty credential on stdin")
			}
			v, err := a.openVault()
			if err != nil {
				return err
			}
			return v.Store(ctx, secrets.ChannelKey(args[0], kind), value)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <channel> <bearer|hmac>",
		Short: "Remove a channel credential",
		Args:  cobra.ExactArgs(2),
		RunE: run(g, func(ctx context.Context, a *app, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			return v.Delete(ctx, secrets.ChannelKey(args[0], strings.ToLower(args[1])))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored credential keys",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			keys, err := v.List(ctx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		}),
	})
	return cmd
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: run(g, func(_ context.Context, a *app, _ []string) error {
			fmt.Printf("migrated %s database\n", a.store.Driver())
			return nil
		}),
	}
}

func mcpCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operator tools over MCP stdio",
		RunE: run(g, func(ctx context.Context, a *app, _ []string) error {
			return mcp.NewServer(mcp.ServerDeps{
				Engine: a.engine,
				Store:  a.store,
				Manual: a.manual,
				Hub:    a.hub,
				Logger: a.logger,
			}).Serve(ctx)
		}),
	}
}

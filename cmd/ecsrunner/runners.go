package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ecsrunner/internal/controller"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
)

func newRunnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runners",
		Short: "Inspect and manage runner records",
	}

	cmd.AddCommand(newRunnersListCmd())
	cmd.AddCommand(newRunnersDetailsCmd())
	cmd.AddCommand(newRunnersTerminateCmd())
	cmd.AddCommand(newRunnersMarkIdleCmd())
	return cmd
}

func newRunnersListCmd() *cobra.Command {
	var (
		output string
		state  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runners, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.Store) error {
				runners, err := store.List(cmd.Context(), st)
				if err != nil {
					return err
				}
				if state != "" {
					s, err := runner.ParseState(strings.ToUpper(state))
					if err != nil {
						return err
					}
					runners = filterState(runners, s)
				}
				return printRunners(cmd.OutOrStdout(), runners, output)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().StringVar(&state, "state", "", "Only list runners in this state")
	return cmd
}

func newRunnersDetailsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "details <runner-id>",
		Short: "Show one runner record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.Store) error {
				r, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), r, output)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format (json, yaml)")
	return cmd
}

func newRunnersTerminateCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <runner-id>",
		Short: "Stop a runner's task and mark it OFFLINE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(c *controller.Controller) error {
				r, err := c.Terminate(cmd.Context(), args[0], reason)
				if r != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r.ID, r.State)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the stop")
	return cmd
}

func newRunnersMarkIdleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-idle <runner-id>",
		Short: "Reset a runner that never started a job to WAITING_FOR_JOB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(c *controller.Controller) error {
				r, err := c.MarkIdle(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r.ID, r.State)
				return nil
			})
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// withStore opens only the store; read commands need nothing else.
func withStore(ctx context.Context, fn func(store.Store) error) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	st, closeStore, err := cfg.NewStore(ctx, cfg.NewLogger())
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(st)
}

func withController(ctx context.Context, fn func(*controller.Controller) error) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	d, err := newDeps(ctx, cfg, cfg.NewLogger(), false)
	if err != nil {
		return err
	}
	defer d.Close()

	c, err := d.controller(ctx)
	if err != nil {
		return err
	}
	return fn(c)
}

func filterState(runners []*runner.Runner, s runner.State) []*runner.Runner {
	out := runners[:0]
	for _, r := range runners {
		if r.State == s {
			out = append(out, r)
		}
	}
	return out
}

func printRunners(w io.Writer, runners []*runner.Runner, output string) error {
	switch output {
	case "json":
		if runners == nil {
			runners = []*runner.Runner{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runners)
	case "table", "":
	default:
		return fmt.Errorf("unsupported output format %q (supported: table, json)", output)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUNNER ID\tSTATE\tIMAGE\tCLASS\tTASK\tCREATED\tLAST HEARTBEAT")
	for _, r := range runners {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.State, dash(r.ImageTag), dash(r.RunnerClass), dash(r.TaskID),
			formatUnix(&r.CreatedAt), formatUnix(r.LastHeartbeat))
	}
	return tw.Flush()
}

func printRecord(w io.Writer, r *runner.Runner, output string) error {
	switch output {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q (supported: json, yaml)", output)
	}
}

func formatUnix(ts *int64) string {
	if ts == nil || *ts == 0 {
		return "-"
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rogers-f/goalflow/internal/domain"
)

func newRunCmd(configPath *string) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan and execute one goal from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.OutOrStdout(), userID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "user that owns the workflow")
	return cmd
}

// run starts a workflow, approves its plan unchanged and prints progress.
func (a *app) run(ctx context.Context, out io.Writer, userID, goal string) error {
	a.engine.Sink = printSink{out: out}

	wf, err := a.engine.StartWorkflow(ctx, userID, goal)
	if wf == nil {
		return err
	}
	if wf.Status == domain.StatusPlanned {
		wf, err = a.engine.ApprovePlan(ctx, wf.ID, nil)
		if wf == nil {
			return err
		}
	}

	switch wf.Status {
	case domain.StatusCompleted:
		fmt.Fprintln(out, wf.Result)
		return nil
	case domain.StatusDiscovery, domain.StatusWaitingForInput:
		fmt.Fprintf(out, "workflow %s needs answers before it can continue:\n", wf.ID)
		for _, q := range wf.PendingQuestions {
			fmt.Fprintf(out, "  [%s] %s\n", q.ID, q.Question)
		}
		return nil
	case domain.StatusFailed:
		return fmt.Errorf("workflow %s failed: %s", wf.ID, wf.Error)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "workflow %s is %s\n", wf.ID, wf.Status)
	return nil
}

type printSink struct {
	out io.Writer
}

func (p printSink) Publish(ev domain.ProgressEvent) {
	if ev.Message == "" {
		return
	}
	if ev.Step > 0 {
		fmt.Fprintf(p.out, "[step %d] %s\n", ev.Step, ev.Message)
		return
	}
	fmt.Fprintf(p.out, "%s\n", ev.Message)
}

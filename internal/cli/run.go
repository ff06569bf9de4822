package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmill/taskmill/internal/config"
	"github.com/taskmill/taskmill/pkg/task"
)

var resumeID string

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Execute a goal as a workflow of tool calls",
	Long: `Plan the goal into tasks and execute them in order. Failed tasks are
retried under a recovery strategy before the workflow is marked failed.
Use --resume to continue a previously persisted workflow instead of
planning a new one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&resumeID, "resume", "", "workflow id to resume")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if resumeID == "" && len(args) == 0 {
		return fmt.Errorf("a goal argument or --resume is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Pick up config edits made while a long workflow is running.
	if watcher, err := config.NewWatcher(config.NewLoader(cfgFile), a.log.GetZerolog(), a.applyReloadedConfig); err != nil {
		a.log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		defer watcher.Stop()
	}

	var (
		wf    *task.Workflow
		store *task.Store
	)
	if resumeID != "" {
		if a.repo == nil {
			return fmt.Errorf("--resume requires a data directory for persistence")
		}
		wf, store, err = a.repo.Load(resumeID, a.cfg.Engine.MaxDepth)
		if err != nil {
			return fmt.Errorf("resume workflow %s: %w", resumeID, err)
		}
	} else {
		wf, store, err = a.engine.NewRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s: %d task(s)\n", wf.ID, store.Len())
	}

	outcome, err := a.engine.Run(ctx, wf, store)
	if err != nil {
		if ctx.Err() != nil && a.repo != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted; resume with: taskmill run --resume %s\n", wf.ID)
		}
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), outcome.Summary)
	if outcome.Failed > 0 {
		return fmt.Errorf("workflow %s failed", wf.ID)
	}
	return nil
}

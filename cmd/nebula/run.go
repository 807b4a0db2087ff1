package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanyastaff/nebula-sub013/internal/engine"
	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/execution"
	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Execute a workflow with the built-in actions",
	Long: `Validate a workflow definition, compute its plan, and execute it with the
built-in actions (see 'nebula actions'). Per-node results are printed when
the run settles. Interrupting with Ctrl-C cancels the run cooperatively.`,
	Example: `  # Run a workflow
  nebula run deploy.yaml

  # Run with an execution timeout
  nebula run deploy.yaml --timeout 2m`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Execution timeout (0 uses the configured default)")
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}
	registry, err := demoRegistry()
	if err != nil {
		return err
	}

	bus := events.NewBus(events.WithDefaultBufferSize(cfg.Events.BufferSize))
	defer bus.Close()
	logSub := events.NewLogSubscriber(cmd.Context(), bus, events.Filter{}, logger)
	defer logSub.Stop()
	metrics := events.NewMetricsSubscriber(cmd.Context(), bus, events.Filter{})
	defer metrics.Stop()

	eng := engine.New(registry,
		engine.WithBus(bus),
		engine.WithBlobStore(execution.NewMemoryBlobStore()),
		engine.WithLogger(logger),
	)

	budget := cfg.Engine.Budget()
	if runTimeout > 0 {
		budget.Timeout = runTimeout
	}
	run, err := eng.Prepare(def, types.GlobalScope(), budget)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the run cooperatively; a second signal kills the
	// process through the context.
	go func() {
		<-cmd.Context().Done()
		_ = run.Cancel("interrupted")
	}()

	execErr := eng.Execute(context.WithoutCancel(cmd.Context()), run)
	printResults(cmd, def, run)
	return execErr
}

func printResults(cmd *cobra.Command, def *workflow.Workflow, run *engine.Run) {
	ec := run.Context()
	fmt.Fprintf(cmd.OutOrStdout(), "\nExecution %s finished: %s\n\n", ec.ExecutionID(), ec.Status())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATE\tOUTPUT")
	for _, n := range def.Nodes {
		state, _ := ec.NodeState(n.ID)
		rendered := "-"
		if out, ok := ec.Output(n.ID); ok {
			if out.IsExternal() {
				rendered = fmt.Sprintf("external (%d bytes)", out.Bytes)
			} else {
				rendered = string(out.Inline)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", n.Name, state, rendered)
	}
	_ = w.Flush()
}

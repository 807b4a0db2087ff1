package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan <workflow-file>",
	Short: "Compute and print the execution plan",
	Long: `Validate a workflow definition and print its levelized execution plan:
parallel groups in execution order, entry and exit nodes, and the total node
count. Nodes in the same group have no dependency relationship and run
concurrently.`,
	Example: `  # Print the plan as a table
  nebula plan deploy.yaml

  # Print the plan as JSON
  nebula plan deploy.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	def, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}
	plan, err := workflow.NewExecutionPlan(types.NewExecutionID(), def, cfg.Engine.Budget())
	if err != nil {
		return err
	}

	if planJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	names := make(map[types.NodeID]string, len(def.Nodes))
	for _, n := range def.Nodes {
		names[n.ID] = n.Name
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Workflow:\t%s\n", def.Name)
	fmt.Fprintf(w, "Total nodes:\t%d\n", plan.TotalNodes)
	fmt.Fprintf(w, "Entry:\t%s\n", joinNames(names, plan.EntryNodes))
	fmt.Fprintf(w, "Exit:\t%s\n", joinNames(names, plan.ExitNodes))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "LEVEL\tNODES")
	for level, group := range plan.ParallelGroups {
		fmt.Fprintf(w, "%d\t%s\n", level, joinNames(names, group))
	}
	return w.Flush()
}

func joinNames(names map[types.NodeID]string, ids []types.NodeID) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, name)
		} else {
			out = append(out, id.String())
		}
	}
	return strings.Join(out, ", ")
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>",
	Short: "Validate a workflow definition",
	Long: `Parse a workflow definition from a JSON or YAML file and run the full
validation pass: empty name, empty node set, duplicate node IDs, unknown
connection endpoints, self-loops, cycles, and missing parameter references.
All problems are reported at once.`,
	Example: `  # Validate a YAML definition
  nebula validate deploy.yaml

  # Validate a JSON definition
  nebula validate deploy.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Workflow:\t%s\n", def.Name)
	fmt.Fprintf(w, "ID:\t%s\n", def.ID)
	fmt.Fprintf(w, "Version:\t%s\n", def.Version)
	fmt.Fprintf(w, "Nodes:\t%d\n", len(def.Nodes))
	fmt.Fprintf(w, "Connections:\t%d\n", len(def.Connections))
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Workflow is valid.")
	return nil
}

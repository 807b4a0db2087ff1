package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vanyastaff/nebula-sub013/internal/action"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// actionNamespace derives stable action IDs from registration keys so
// workflow files can be authored against them.
var actionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("nebula/actions"))

func actionID(key string) types.ActionID {
	return types.ActionID(uuid.NewSHA1(actionNamespace, []byte(key)).String())
}

func demoMetadata(key, description string) action.Metadata {
	return action.Metadata{
		ID:          actionID(key),
		Key:         key,
		Name:        key,
		Description: description,
		Version:     "1.0.0",
		Isolation:   action.IsolationNone,
	}
}

// echoAction returns its resolved input as output.
type echoAction struct{}

func (echoAction) Metadata() action.Metadata {
	return demoMetadata("core.echo", "Returns its input unchanged")
}

func (echoAction) Execute(_ context.Context, _ *action.ActionContext, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}

// delayAction sleeps for the configured duration, polling cancellation.
type delayAction struct{}

func (delayAction) Metadata() action.Metadata {
	return demoMetadata("core.delay", "Waits for the given duration")
}

func (delayAction) Execute(_ context.Context, actx *action.ActionContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Duration string `json:"duration"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, types.WrapError(types.KindValidation, types.ACTION_FAILED,
				"invalid delay input", err)
		}
	}
	d := 100 * time.Millisecond
	if in.Duration != "" {
		parsed, err := time.ParseDuration(in.Duration)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, types.ACTION_FAILED,
				"invalid delay duration", err).With("duration", in.Duration)
		}
		d = parsed
	}

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	select {
	case <-deadline.C:
	case <-actx.Done():
		return nil, actx.CheckCancelled()
	}
	return json.RawMessage(fmt.Sprintf(`{"waited":%q}`, d)), nil
}

// failAction fails with a configurable message and classification.
type failAction struct{}

func (failAction) Metadata() action.Metadata {
	return demoMetadata("core.fail", "Fails with the given message")
}

func (failAction) Execute(_ context.Context, _ *action.ActionContext, input json.RawMessage) (json.RawMessage, error) {
	in := struct {
		Message   string `json:"message"`
		Transient bool   `json:"transient"`
	}{Message: "intentional failure"}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, types.WrapError(types.KindValidation, types.ACTION_FAILED,
				"invalid fail input", err)
		}
	}
	kind := types.KindPermanent
	if in.Transient {
		kind = types.KindTransient
	}
	return nil, types.NewError(kind, types.ACTION_FAILED, in.Message)
}

// demoRegistry builds a registry with the built-in demo actions.
func demoRegistry() (*action.Registry, error) {
	registry := action.NewRegistry()
	for _, act := range []action.Action{echoAction{}, delayAction{}, failAction{}} {
		if err := registry.Register(act); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List the built-in actions",
	Long: `List the built-in actions available to the run command, with the stable
action IDs workflow files bind nodes to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := demoRegistry()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tID\tDESCRIPTION")
		for _, meta := range registry.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", meta.Key, meta.ID, meta.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(actionsCmd)
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/loader"
)

// NewCompileCmd creates the "compile" subcommand.
func NewCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a flow and its subflows into workflow specs",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}

	cmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	cmd.Flags().Bool("pretty", true, "Pretty-print JSON output")
	cmd.Flags().String("flows-dir", "", "Directory subflows are resolved from (default: the file's directory)")

	return cmd
}

// compiledSpec is the printable summary of a compiled workflow spec.
type compiledSpec struct {
	WorkflowID string                        `json:"workflow_id"`
	Entry      string                        `json:"entry,omitempty"`
	Root       string                        `json:"root,omitempty"`
	Event      string                        `json:"event,omitempty"`
	Nodes      map[string]string             `json:"nodes"`
	Bindings   map[string][]compiler.Binding `json:"bindings,omitempty"`
	Listeners  []string                      `json:"listeners,omitempty"`
	Provider   string                        `json:"provider,omitempty"`
	Model      string                        `json:"model,omitempty"`
}

type compileOutput struct {
	Root  string         `json:"root"`
	Specs []compiledSpec `json:"specs"`
}

func runCompile(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	pretty, _ := cmd.Flags().GetBool("pretty")
	outputPath, _ := cmd.Flags().GetString("output")

	fd, err := loadFlowFile(cmd, filePath)
	if err != nil {
		return err
	}

	specs := compiler.NewRegistry()
	comp := compiler.New(compiler.Config{
		Source: loader.NewDir(flowsDir(cmd, filePath)),
		Specs:  specs,
	})
	root, err := compileFlowFile(cmd.Context(), cmd, comp, fd, nil)
	if err != nil {
		return err
	}

	out := compileOutput{Root: root.WorkflowID}
	ids := append([]string{root.WorkflowID}, root.Children...)
	for _, id := range ids {
		spec, err := specs.Get(id)
		if err != nil {
			return exitError(exitRuntime, "%v", err)
		}
		out.Specs = append(out.Specs, summarizeSpec(spec))
	}

	var data []byte
	if pretty {
		data, err = json.MarshalIndent(out, "", "  ")
	} else {
		data, err = json.Marshal(out)
	}
	if err != nil {
		return exitError(exitRuntime, "marshaling output: %v", err)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, append(data, '\n'), 0o600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Compiled %d %s to %s\n", len(out.Specs), pluralize("spec", len(out.Specs)), outputPath)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func summarizeSpec(s *compiler.Spec) compiledSpec {
	cs := compiledSpec{
		WorkflowID: s.WorkflowID,
		Entry:      s.Entry,
		Root:       s.Root,
		Event:      s.Event,
		Nodes:      make(map[string]string, len(s.Kinds)),
		Listeners:  s.Listeners,
		Provider:   s.Provider,
		Model:      s.Model,
	}
	for id, kind := range s.Kinds {
		cs.Nodes[id] = kind
	}
	if len(s.Bindings) > 0 {
		cs.Bindings = s.Bindings
	}
	return cs
}

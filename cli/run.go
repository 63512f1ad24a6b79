package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/llmprovider"
	"github.com/petal-labs/flowrun/loader"
	"github.com/petal-labs/flowrun/memory"
	"github.com/petal-labs/flowrun/observe"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/store"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow in process",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Input data as inline JSON string")
	cmd.Flags().StringP("input-file", "f", "", "Input data from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write the result to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | text | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Compile and validate only, do not execute")
	cmd.Flags().String("flows-dir", "", "Directory subflows are resolved from (default: the file's directory)")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key anthropic=sk-...)")
	cmd.Flags().String("store-path", "", "Persist runs to this SQLite database (default: in memory)")
	cmd.Flags().String("memory-location", "", "Memory store location (default: in memory)")
	cmd.Flags().StringArray("answer", nil, "Answer the next user prompt (repeatable, used in order)")
	cmd.Flags().Bool("no-interactive", false, "Never prompt on the terminal; stop when a run waits for input")
	cmd.Flags().Bool("events", false, "Print lifecycle events to stderr")

	return cmd
}

// runOutput is the machine-readable result of a run.
type runOutput struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	Status     core.RunStatus  `json:"status"`
	Output     any             `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Waiting    *core.WaitInfo  `json:"waiting,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Usage      core.TokenUsage `json:"usage"`
	Events     int             `json:"events"`
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	fd, err := loadFlowFile(cmd, filePath)
	if err != nil {
		return err
	}
	inputs, err := parseRunInputs(cmd)
	if err != nil {
		return err
	}
	keys, err := parseProviderKeys(cmd)
	if err != nil {
		return err
	}

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()

	specs := compiler.NewRegistry()
	comp := compiler.New(compiler.Config{
		Source: loader.NewDir(flowsDir(cmd, filePath)),
		Specs:  specs,
		Logger: commandLogger(cmd),
	})
	spec, err := compileFlowFile(ctx, cmd, comp, fd, inputs)
	if err != nil {
		return err
	}
	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation and compilation successful.")
		return nil
	}

	runs, closeRuns, err := openRunStore(cmd)
	if err != nil {
		return err
	}
	defer closeRuns()

	cache := memory.NewCache()
	defer func() { _ = cache.Reset() }()
	memLoc, _ := cmd.Flags().GetString("memory-location")

	eng, err := runtime.NewEngine(runtime.EngineConfig{
		Runs:           runs,
		Specs:          specs,
		Memory:         cache,
		MemoryLocation: memLoc,
		LLM:            llmprovider.NewRouter(llmprovider.RouterConfig{APIKeys: keys}),
		Logger:         commandLogger(cmd),
	})
	if err != nil {
		return exitError(exitRuntime, "creating engine: %v", err)
	}

	var handler runtime.EventHandler
	if show, _ := cmd.Flags().GetBool("events"); show {
		handler = eventPrinter(cmd.ErrOrStderr())
	}
	loop, err := observe.New(observe.Config{
		Runtime:      eng,
		Runs:         runs,
		Specs:        specs,
		Handler:      handler,
		PollInterval: 20 * time.Millisecond,
		Logger:       commandLogger(cmd),
	})
	if err != nil {
		return exitError(exitRuntime, "creating observer: %v", err)
	}

	rootID, err := eng.Start(ctx, spec, inputs)
	if err != nil {
		return runRuntimeError(ctx, timeout, err)
	}

	queued, _ := cmd.Flags().GetStringArray("answer")
	noInteractive, _ := cmd.Flags().GetBool("no-interactive")
	ans := newAnswerer(queued, !noInteractive, cmd.InOrStdin(), cmd.ErrOrStderr())

	res, err := driveRun(ctx, eng, specs, loop, ans, rootID)
	if err != nil {
		return runRuntimeError(ctx, timeout, err)
	}

	out := runOutput{
		RunID:      res.RunID,
		WorkflowID: spec.WorkflowID,
		Status:     res.Status,
		Output:     res.Output,
		Error:      res.Error,
		Waiting:    res.Waiting,
		DurationMS: res.Duration.Milliseconds(),
		Usage:      res.Usage,
		Events:     res.Events,
	}
	if err := writeOutput(cmd, out); err != nil {
		return err
	}

	switch {
	case res.Waiting != nil:
		return exitError(exitWaiting, "run %s waits for input at %q", res.WaitingRunID, res.Waiting.WaitKey)
	case res.Status == core.StatusCompleted:
		return nil
	default:
		return exitError(exitRuntime, "run %s: %s", res.Status, res.Error)
	}
}

// driveRun observes the session of rootID until it settles, answering user
// waits as they come up. It returns the last result, still waiting when no
// answer was available.
func driveRun(ctx context.Context, eng *runtime.Engine, specs *compiler.Registry, loop *observe.Loop, ans *answerer, rootID string) (*observe.Result, error) {
	for {
		res, err := loop.Run(ctx, rootID)
		if err != nil {
			return nil, err
		}
		if res.Waiting == nil || res.Waiting.Reason != core.WaitUser {
			return res, nil
		}

		answer, ok, err := ans.Answer(res.Waiting)
		if err != nil {
			return nil, fmt.Errorf("reading answer: %w", err)
		}
		if !ok {
			return res, nil
		}

		waiting, err := eng.GetState(ctx, res.WaitingRunID)
		if err != nil {
			return nil, err
		}
		spec, err := specs.Get(waiting.WorkflowID)
		if err != nil {
			return nil, err
		}
		if _, err := eng.Resume(ctx, spec, waiting.RunID, res.Waiting.WaitKey, answer, 0); err != nil {
			if errors.Is(err, runtime.ErrInvalidAnswer) {
				fmt.Fprintln(ans.prompt, styleError.Render(err.Error()))
				continue
			}
			return nil, err
		}
	}
}

func openRunStore(cmd *cobra.Command) (store.RunStore, func(), error) {
	path, _ := cmd.Flags().GetString("store-path")
	if strings.TrimSpace(path) == "" {
		return store.NewMemory(), func() {}, nil
	}
	db, err := store.OpenSQLite(store.SQLiteConfig{DSN: path})
	if err != nil {
		return nil, nil, exitError(exitRuntime, "opening run store: %v", err)
	}
	return db, func() { _ = db.Close() }, nil
}

// parseProviderKeys reads repeated --provider-key name=key flags.
func parseProviderKeys(cmd *cobra.Command) (map[string]string, error) {
	flags, _ := cmd.Flags().GetStringArray("provider-key")
	keys := make(map[string]string, len(flags))
	for _, kv := range flags {
		name, key, ok := strings.Cut(kv, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" || strings.TrimSpace(key) == "" {
			return nil, exitError(exitProvider, "invalid provider flag %q (want name=key)", kv)
		}
		keys[name] = strings.TrimSpace(key)
	}
	return keys, nil
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

func runRuntimeError(ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	return exitError(exitRuntime, "execution failed: %v", err)
}

// parseRunInputs reads run inputs from --input or --input-file.
func parseRunInputs(cmd *cobra.Command) (map[string]any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}

	inputs := map[string]any{}
	switch {
	case inputStr != "":
		if err := json.Unmarshal([]byte(inputStr), &inputs); err != nil {
			return nil, exitError(exitInputParse, "parsing input JSON: %v", err)
		}
	case inputFile != "":
		data, err := os.ReadFile(inputFile) // #nosec G304 -- path from user CLI flag
		if err != nil {
			return nil, exitError(exitFileNotFound, "reading input file: %v", err)
		}
		if loader.DetectFormat(data, inputFile) == loader.FormatYAML {
			err = yaml.Unmarshal(data, &inputs)
		} else {
			err = json.Unmarshal(data, &inputs)
		}
		if err != nil {
			return nil, exitError(exitInputParse, "parsing input file: %v", err)
		}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return inputs, nil
}

// writeOutput formats and writes the run result.
func writeOutput(cmd *cobra.Command, out runOutput) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	var text string
	switch format {
	case "json":
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		text = string(data)
	case "text":
		text = formatValue(out.Output)
	case "pretty":
		text = formatPretty(out)
	default:
		return exitError(exitInputParse, "unknown format %q (use json, text, or pretty)", format)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(text+"\n"), 0o600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// formatPretty returns a human-readable summary of the run.
func formatPretty(out runOutput) string {
	var sb strings.Builder

	status := string(out.Status)
	switch {
	case out.Waiting != nil:
		status = styleWaiting.Render(status)
	case out.Status == core.StatusCompleted:
		status = styleOK.Render(status)
	default:
		status = styleError.Render(status)
	}

	sb.WriteString(styleHeading.Render("=== Run ===") + "\n")
	fmt.Fprintf(&sb, "  ID:       %s\n", out.RunID)
	fmt.Fprintf(&sb, "  Workflow: %s\n", out.WorkflowID)
	fmt.Fprintf(&sb, "  Status:   %s\n", status)
	fmt.Fprintf(&sb, "  Duration: %s\n", time.Duration(out.DurationMS)*time.Millisecond)
	if out.Usage.TotalTokens > 0 {
		fmt.Fprintf(&sb, "  Tokens:   %d in / %d out\n", out.Usage.InputTokens, out.Usage.OutputTokens)
	}

	if out.Error != "" {
		sb.WriteString("\n" + styleHeading.Render("=== Error ===") + "\n")
		sb.WriteString("  " + styleError.Render(out.Error) + "\n")
	}
	if out.Waiting != nil {
		sb.WriteString("\n" + styleHeading.Render("=== Waiting ===") + "\n")
		fmt.Fprintf(&sb, "  Key:    %s\n", out.Waiting.WaitKey)
		if out.Waiting.Prompt != "" {
			fmt.Fprintf(&sb, "  Prompt: %s\n", out.Waiting.Prompt)
		}
	}
	if out.Output != nil {
		sb.WriteString("\n" + styleHeading.Render("=== Output ===") + "\n")
		sb.WriteString("  " + formatValue(out.Output) + "\n")
	}
	return sb.String()
}

// eventPrinter writes one styled line per lifecycle event.
func eventPrinter(w io.Writer) runtime.EventHandler {
	return func(e runtime.Event) {
		label := string(e.Kind)
		switch e.Kind {
		case runtime.EventFlowComplete:
			label = styleOK.Render(label)
		case runtime.EventFlowError:
			label = styleError.Render(label)
		case runtime.EventFlowWaiting:
			label = styleWaiting.Render(label)
		}

		line := fmt.Sprintf("%s %s", styleMuted.Render(fmt.Sprintf("[%3d]", e.Seq)), label)
		if e.NodeID != "" {
			line += fmt.Sprintf(" %s (%s)", e.NodeID, e.NodeKind)
		}
		if e.RootRunID != "" {
			line += styleMuted.Render(" run=" + e.RunID)
		}
		if msg, ok := e.Payload["error"].(string); ok && msg != "" {
			line += " " + styleError.Render(msg)
		}
		fmt.Fprintln(w, line)
	}
}

package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petal-labs/flowrun/core"
)

// answerer supplies answers to user waits: queued --answer values first,
// then lines read from the terminal when interactive.
type answerer struct {
	queued      []string
	interactive bool
	in          *bufio.Reader
	prompt      io.Writer // stderr, so stdout stays machine-readable
}

func newAnswerer(queued []string, interactive bool, in io.Reader, prompt io.Writer) *answerer {
	return &answerer{
		queued:      queued,
		interactive: interactive,
		in:          bufio.NewReader(in),
		prompt:      prompt,
	}
}

// Answer returns the answer to w. ok is false when no answer is available.
func (a *answerer) Answer(w *core.WaitInfo) (answer string, ok bool, err error) {
	if len(a.queued) > 0 {
		answer, a.queued = a.queued[0], a.queued[1:]
		return pickChoice(w, answer), true, nil
	}
	if !a.interactive {
		return "", false, nil
	}

	prompt := w.Prompt
	if prompt == "" {
		prompt = "Input required"
	}
	fmt.Fprintln(a.prompt, styleWaiting.Render("? "+prompt))
	for i, c := range w.Choices {
		fmt.Fprintf(a.prompt, "  %d) %s\n", i+1, c)
	}
	fmt.Fprint(a.prompt, "> ")

	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", false, nil
		}
		return "", false, err
	}
	return pickChoice(w, strings.TrimSpace(line)), true, nil
}

// pickChoice maps a 1-based choice number onto the choice it names.
func pickChoice(w *core.WaitInfo, answer string) string {
	if len(w.Choices) == 0 {
		return answer
	}
	for _, c := range w.Choices {
		if c == answer {
			return answer
		}
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(w.Choices) {
		return w.Choices[n-1]
	}
	return answer
}

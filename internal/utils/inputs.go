package utils

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"taskly/backend"
)

// ErrSelectionCancelled is returned when the user backs out of a task pick.
var ErrSelectionCancelled = errors.New("selection cancelled")

// Prompter asks questions on out and reads one answer per line from in.
// Use one Prompter per command: answers already buffered from in stay with it.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter returns a Prompter reading from in and writing to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(in), out: out}
}

// Confirm asks a yes/no question until it gets an answer it understands.
// Closed input counts as no.
func (p *Prompter) Confirm(question string) bool {
	for {
		answer, ok := p.ask("%s (y/n): ", question)
		if !ok {
			return false
		}
		switch strings.ToLower(answer) {
		case "y", "yes", "s", "si", "sí":
			return true
		case "n", "no":
			return false
		}
	}
}

// PickTask prints tasks as a numbered checklist and returns the chosen one.
// Answering 0, or closing the input, returns ErrSelectionCancelled.
func (p *Prompter) PickTask(tasks []backend.Task, question string) (backend.Task, error) {
	if len(tasks) == 0 {
		return backend.Task{}, errors.New("no tasks to choose from")
	}
	for i, t := range tasks {
		mark := " "
		if t.IsCompleted() {
			mark = "x"
		}
		_, _ = fmt.Fprintf(p.out, "%2d. [%s] %s\n", i+1, mark, t.Title)
	}

	for {
		answer, ok := p.ask("%s (0 to cancel): ", question)
		if !ok {
			return backend.Task{}, ErrSelectionCancelled
		}
		n, err := strconv.Atoi(answer)
		switch {
		case err != nil:
			_, _ = fmt.Fprintln(p.out, "Type the number shown before the task")
		case n == 0:
			return backend.Task{}, ErrSelectionCancelled
		case n < 0 || n > len(tasks):
			_, _ = fmt.Fprintf(p.out, "No task %d in this list, pick 1-%d\n", n, len(tasks))
		default:
			return tasks[n-1], nil
		}
	}
}

func (p *Prompter) ask(format string, args ...any) (string, bool) {
	_, _ = fmt.Fprintf(p.out, format, args...)
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

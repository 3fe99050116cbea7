package console

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Evaler is the slice of the script engine the interactive console needs.
// Eval may be called from any goroutine; the returned channel is closed
// once the snippet has been executed on the tick thread.
type Evaler interface {
	Eval(source string) <-chan struct{}
}

// Interactive reads lines from a reader and submits each one to the script
// engine, waiting for completion before prompting again. Output from the
// evaluation is routed through the engine's sink, not returned here.
type Interactive struct {
	engine Evaler
	in     io.Reader
	out    io.Writer
	prompt string
}

// NewInteractive creates an interactive console. If prompt is empty no
// prompt is printed (useful when stdin is not a terminal).
func NewInteractive(engine Evaler, in io.Reader, out io.Writer, prompt string) *Interactive {
	return &Interactive{engine: engine, in: in, out: out, prompt: prompt}
}

// Run pumps lines until the reader is exhausted or ctx is cancelled.
// Blank lines are skipped. Returns the scanner error, if any.
func (i *Interactive) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(i.in)
	for {
		if i.prompt != "" {
			io.WriteString(i.out, i.prompt) //nolint:errcheck // prompt is best-effort
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		done := i.engine.Eval(line)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}

// Package console provides line-oriented output sinks and the interactive
// read-eval loop that feeds the script engine.
package console

import (
	"fmt"
	"io"
	"sync"
)

// Sink accepts line-oriented output from the script engine and the
// simulation. Implementations must be safe for use from the tick thread;
// they are not required to be safe for concurrent use unless documented.
type Sink interface {
	// WriteLine writes a line to the normal output channel.
	WriteLine(line string)

	// WriteLineError writes a line to the error output channel.
	WriteLineError(line string)
}

// Writer is a Sink backed by a pair of io.Writers. A single mutex covers
// both channels so interleaved output stays line-atomic.
type Writer struct {
	out io.Writer
	err io.Writer
	mu  sync.Mutex
}

// NewWriter creates a Writer sink. If errW is nil, error lines go to out.
func NewWriter(out, errW io.Writer) *Writer {
	if errW == nil {
		errW = out
	}
	return &Writer{out: out, err: errW}
}

// WriteLine writes a line to the normal channel.
func (w *Writer) WriteLine(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, line)
}

// WriteLineError writes a line to the error channel.
func (w *Writer) WriteLineError(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.err, line)
}

// Buffer is a Sink that records lines in memory. Used by the control
// surface and by tests. Safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	lines []Line
}

// Line is one recorded output line.
type Line struct {
	Text  string
	IsErr bool
}

// NewBuffer creates an empty buffering sink.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// WriteLine records a normal line.
func (b *Buffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, Line{Text: line})
}

// WriteLineError records an error line.
func (b *Buffer) WriteLineError(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, Line{Text: line, IsErr: true})
}

// Lines returns a copy of all recorded lines in write order.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Drain returns all recorded lines and clears the buffer.
func (b *Buffer) Drain() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	return out
}

// Tee duplicates every line to each of its children.
type Tee struct {
	sinks []Sink
}

// NewTee creates a sink that fans out to the given sinks.
func NewTee(sinks ...Sink) *Tee {
	return &Tee{sinks: sinks}
}

// WriteLine writes the line to every child sink.
func (t *Tee) WriteLine(line string) {
	for _, s := range t.sinks {
		s.WriteLine(line)
	}
}

// WriteLineError writes the error line to every child sink.
func (t *Tee) WriteLineError(line string) {
	for _, s := range t.sinks {
		s.WriteLineError(line)
	}
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamQuiet   StreamMode = "quiet"
	StreamRaw     StreamMode = "raw"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", StreamInstant:
		return StreamInstant, nil
	case StreamQuiet, StreamRaw:
		return m, nil
	}
	return "", fmt.Errorf("unknown stream mode %q (instant, quiet, raw)", s)
}

// StreamWriter prints text fragments as they are generated. Quiet mode
// prints nothing until Flush; raw mode escapes control characters so that
// fragment boundaries stay visible.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer

	mu          sync.Mutex
	accumulator strings.Builder
}

func NewStreamWriter(mode StreamMode, w io.Writer) *StreamWriter {
	return &StreamWriter{
		mode:   mode,
		buffer: bufio.NewWriterSize(w, 4096),
	}
}

// Write handles a single fragment. It is an inference.StreamFunc.
func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(fragment)
	switch w.mode {
	case StreamQuiet:
		return
	case StreamRaw:
		_, _ = w.buffer.WriteString(escapeRawOutput(fragment))
	default:
		_, _ = w.buffer.WriteString(fragment)
	}
	_ = w.buffer.Flush()
}

// Flush writes final, the cleaned text of the whole generation, when
// nothing was streamed yet and terminates the output line.
func (w *StreamWriter) Flush(final string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == StreamQuiet {
		_, _ = w.buffer.WriteString(final)
	}
	_ = w.buffer.WriteByte('\n')
	_ = w.buffer.Flush()
	return w.accumulator.String()
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\\':
			b.WriteString(`\\`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

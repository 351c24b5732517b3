package transport

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// DiagnosticsTailLimit bounds the diagnostic output kept for error reports.
const DiagnosticsTailLimit = 64 * 1024

// maxDiagnosticLine caps a single logged line; longer lines are split.
const maxDiagnosticLine = 4096

// Diagnostics consumes a plugin's diagnostic stream. Each line is logged and
// the most recent output is retained; nothing written here is ever
// interpreted as protocol data.
//
// Diagnostics is an io.Writer so it can be handed to exec.Cmd as Stderr.
type Diagnostics struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []byte
	tail    []byte
}

// NewDiagnostics returns a Diagnostics logging through logger, or
// slog.Default() when logger is nil.
func NewDiagnostics(logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{logger: logger}
}

// Write implements io.Writer. It never fails.
func (d *Diagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	d.appendTail(p)
	d.pending = append(d.pending, p...)
	var lines []string
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			if len(d.pending) >= maxDiagnosticLine {
				lines = append(lines, string(d.pending))
				d.pending = d.pending[:0]
			}
			break
		}
		lines = append(lines, string(bytes.TrimRight(d.pending[:i], "\r")))
		d.pending = d.pending[i+1:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	d.mu.Unlock()

	for _, line := range lines {
		d.log(line)
	}
	return len(p), nil
}

// Consume copies r into d until EOF or a read error, then flushes any
// partial line. Intended to run on its own goroutine.
func (d *Diagnostics) Consume(r io.Reader) error {
	_, err := io.Copy(d, r)
	d.Flush()
	return err
}

// Flush logs a pending partial line, if any.
func (d *Diagnostics) Flush() {
	d.mu.Lock()
	line := string(d.pending)
	d.pending = nil
	d.mu.Unlock()
	if line != "" {
		d.log(line)
	}
}

// Tail returns up to DiagnosticsTailLimit bytes of the most recent output.
func (d *Diagnostics) Tail() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSpace(string(d.tail))
}

func (d *Diagnostics) appendTail(p []byte) {
	d.tail = append(d.tail, p...)
	if len(d.tail) > DiagnosticsTailLimit {
		d.tail = append(d.tail[:0], d.tail[len(d.tail)-DiagnosticsTailLimit:]...)
	}
}

func (d *Diagnostics) log(line string) {
	d.logger.Info(line, "source", "plugin-stderr")
}

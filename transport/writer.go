package transport

import (
	"bytes"
	"io"

	"github.com/valyala/bytebufferpool"
)

type flusher interface {
	Flush() error
}

// LineWriter writes one message per line.
type LineWriter struct {
	w io.Writer
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// WriteLine writes line followed by "\n" in a single write, and flushes the
// underlying writer if it buffers. line must not contain a newline.
func (lw *LineWriter) WriteLine(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return &Error{Kind: KindFormat, Op: "write", Err: errEmbeddedNL}
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, line...)
	buf.B = append(buf.B, '\n')
	return lw.write(buf.B)
}

func (lw *LineWriter) write(p []byte) error {
	if _, err := lw.w.Write(p); err != nil {
		return &Error{Kind: KindIO, Op: "write", Err: err}
	}
	if f, ok := lw.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return &Error{Kind: KindIO, Op: "flush", Err: err}
		}
	}
	return nil
}

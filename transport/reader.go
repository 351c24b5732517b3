package transport

import (
	"bufio"
	"errors"
	"io"
	"unicode/utf8"
)

// DefaultMaxLineSize bounds a single message line. Signing batches can be
// large, so this is well above bufio's 64 KiB default.
const DefaultMaxLineSize = 8 * 1024 * 1024

// LineReader yields whole newline-terminated lines from a stream.
type LineReader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewLineReader returns a LineReader that rejects lines longer than maxSize
// bytes. A maxSize of zero or less selects DefaultMaxLineSize.
func NewLineReader(r io.Reader, maxSize int) *LineReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxLineSize
	}
	return &LineReader{br: bufio.NewReaderSize(r, 64*1024), max: maxSize}
}

// ReadLine returns the next line without its terminator. A trailing "\r" is
// dropped. The returned slice is owned by the caller.
//
// End of stream yields a KindEOF error, whether or not a partial line was
// pending; a partial line is never returned as a message.
func (r *LineReader) ReadLine() ([]byte, error) {
	r.buf = r.buf[:0]
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(r.buf)+len(chunk) > r.max+2 {
			return nil, &Error{Kind: KindFormat, Op: "read", Err: errLineTooLong}
		}
		r.buf = append(r.buf, chunk...)

		switch {
		case err == nil:
			return r.finish()
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(r.buf) > 0 {
				return nil, &Error{Kind: KindEOF, Op: "read", Err: errPartialLine}
			}
			return nil, &Error{Kind: KindEOF, Op: "read", Err: io.EOF}
		default:
			return nil, &Error{Kind: KindIO, Op: "read", Err: err}
		}
	}
}

func (r *LineReader) finish() ([]byte, error) {
	line := r.buf[:len(r.buf)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > r.max {
		return nil, &Error{Kind: KindFormat, Op: "read", Err: errLineTooLong}
	}
	if !utf8.Valid(line) {
		return nil, &Error{Kind: KindFormat, Op: "read", Err: errInvalidUTF8}
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

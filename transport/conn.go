package transport

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Conn carries JSON messages over a pair of streams, one per line.
// It is not safe for concurrent use; callers serialize round trips.
type Conn struct {
	r *LineReader
	w *LineWriter
}

// NewConn returns a Conn reading from r and writing to w.
func NewConn(r io.Reader, w io.Writer, maxLineSize int) *Conn {
	return &Conn{r: NewLineReader(r, maxLineSize), w: NewLineWriter(w)}
}

// Send encodes v as compact JSON and writes it as one line.
func (c *Conn) Send(v any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encode terminates the value with '\n'; compact JSON holds no other newline.
	if err := enc.Encode(v); err != nil {
		return &Error{Kind: KindFormat, Op: "encode", Err: err}
	}
	return c.w.write(buf.B)
}

// SendLine writes an already encoded message.
func (c *Conn) SendLine(line []byte) error {
	return c.w.WriteLine(line)
}

// ReceiveLine returns the next raw message line.
func (c *Conn) ReceiveLine() ([]byte, error) {
	return c.r.ReadLine()
}

// Receive reads the next line and decodes it into v.
func (c *Conn) Receive(v any) error {
	line, err := c.r.ReadLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return &Error{Kind: KindFormat, Op: "decode", Err: fmt.Errorf("%w (line %.64q)", err, line)}
	}
	return nil
}

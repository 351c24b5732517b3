package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	r := NewLineReader(strings.NewReader("{\"a\":1}\n{\"b\":2}\r\n\n"), 0)

	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, `{"b":2}`, string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.Empty(t, line)

	_, err = r.ReadLine()
	require.True(t, IsEOF(err), "got %v", err)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadLinePartialAtEOF(t *testing.T) {
	r := NewLineReader(strings.NewReader(`{"Ok":{}`), 0)
	_, err := r.ReadLine()
	require.Equal(t, KindEOF, KindOf(err))
	require.NotErrorIs(t, err, io.EOF)
}

func TestReadLineTooLong(t *testing.T) {
	in := strings.Repeat("x", 100) + "\n"
	_, err := NewLineReader(strings.NewReader(in), 99).ReadLine()
	require.Equal(t, KindFormat, KindOf(err))

	line, err := NewLineReader(strings.NewReader(in), 100).ReadLine()
	require.NoError(t, err)
	require.Len(t, line, 100)
}

func TestReadLineSpansBuffer(t *testing.T) {
	big := strings.Repeat("y", 200*1024)
	line, err := NewLineReader(strings.NewReader(big+"\n"), 0).ReadLine()
	require.NoError(t, err)
	require.Equal(t, big, string(line))
}

func TestReadLineInvalidUTF8(t *testing.T) {
	_, err := NewLineReader(bytes.NewReader([]byte{'"', 0xff, '"', '\n'}), 0).ReadLine()
	require.Equal(t, KindFormat, KindOf(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestReadLineIOError(t *testing.T) {
	_, err := NewLineReader(failingReader{}, 0).ReadLine()
	require.Equal(t, KindIO, KindOf(err))
}

func TestWriteLine(t *testing.T) {
	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	w := NewLineWriter(bw)

	require.NoError(t, w.WriteLine([]byte(`{"v":[1]}`)))
	require.Equal(t, "{\"v\":[1]}\n", out.String(), "line must be flushed before WriteLine returns")

	err := w.WriteLine([]byte("{\n}"))
	require.Equal(t, KindFormat, KindOf(err))
	require.Equal(t, "{\"v\":[1]}\n", out.String())
}

func TestConnRoundTrip(t *testing.T) {
	var out bytes.Buffer
	c := NewConn(strings.NewReader("{\"name\":\"<k>\"}\nnot json\n"), &out, 0)

	require.NoError(t, c.Send(map[string]string{"name": "<k>"}))
	require.Equal(t, "{\"name\":\"<k>\"}\n", out.String())

	var got struct{ Name string }
	require.NoError(t, c.Receive(&got))
	require.Equal(t, "<k>", got.Name)

	err := c.Receive(&got)
	require.Equal(t, KindFormat, KindOf(err))

	err = c.Receive(&got)
	require.True(t, IsEOF(err))
}

func TestDiagnostics(t *testing.T) {
	var logs bytes.Buffer
	d := NewDiagnostics(slog.New(slog.NewJSONHandler(&logs, nil)))

	_, _ = d.Write([]byte("first line\nsecond "))
	_, _ = d.Write([]byte("half\r\nunterminated"))
	require.NoError(t, d.Consume(strings.NewReader("")))

	out := logs.String()
	require.Contains(t, out, `"msg":"first line"`)
	require.Contains(t, out, `"msg":"second half"`)
	require.Contains(t, out, `"msg":"unterminated"`)
	require.Contains(t, out, `"source":"plugin-stderr"`)
	require.Equal(t, "first line\nsecond half\r\nunterminated", d.Tail())
}

func TestDiagnosticsTailBounded(t *testing.T) {
	d := NewDiagnostics(slog.New(slog.NewTextHandler(io.Discard, nil)))
	chunk := strings.Repeat("z", 1000) + "\n"
	for i := 0; i < 200; i++ {
		_, _ = d.Write([]byte(chunk))
	}
	_, _ = d.Write([]byte("last\n"))
	tail := d.Tail()
	require.LessOrEqual(t, len(tail), DiagnosticsTailLimit)
	require.True(t, strings.HasSuffix(tail, "last"))
}

package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure. Every Kind is fatal to the session.
type Kind int

const (
	// KindIO is a read or write failure on the underlying stream.
	KindIO Kind = iota + 1
	// KindEOF means the peer closed its stream, possibly mid-line.
	KindEOF
	// KindFormat means the peer sent bytes that are not a valid message line.
	KindFormat
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "i/o"
	case KindEOF:
		return "eof"
	case KindFormat:
		return "format"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a transport failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a transport error, or 0 if err is not one.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return 0
}

// IsEOF reports whether err means the peer went away.
func IsEOF(err error) bool {
	return KindOf(err) == KindEOF
}

var (
	errPartialLine = errors.New("stream ended mid-line")
	errLineTooLong = errors.New("line exceeds maximum size")
	errInvalidUTF8 = errors.New("line is not valid UTF-8")
	errEmbeddedNL  = errors.New("line contains a newline")
)

package proto

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Writer encodes frames onto a stream. Writes are buffered; callers flush
// once per reply or command so pipelined peers see whole frames.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w for frame encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Flush writes any buffered frames to the underlying stream.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// WriteStatus writes a status frame, e.g. +OK.
func (w *Writer) WriteStatus(s string) error {
	w.bw.WriteByte(markStatus)
	w.bw.WriteString(sanitizeLine(s))
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteError writes a typed error frame: the code as first token, then the
// message.
func (w *Writer) WriteError(code, msg string) error {
	w.bw.WriteByte(markError)
	w.bw.WriteString(code)
	if msg != "" {
		w.bw.WriteByte(' ')
		w.bw.WriteString(sanitizeLine(msg))
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteInteger writes an integer frame.
func (w *Writer) WriteInteger(n int64) error {
	w.bw.WriteByte(markInteger)
	w.bw.Write(strconv.AppendInt(nil, n, 10))
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteBulk writes a length-prefixed binary-safe payload.
func (w *Writer) WriteBulk(b []byte) error {
	w.bw.WriteByte(markBulk)
	w.bw.Write(strconv.AppendInt(nil, int64(len(b)), 10))
	w.bw.WriteString("\r\n")
	w.bw.Write(b)
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteBulkString writes a string payload as a bulk frame.
func (w *Writer) WriteBulkString(s string) error {
	return w.WriteBulk([]byte(s))
}

// WriteNull writes the distinguished null bulk, the "absent, not an error"
// reply.
func (w *Writer) WriteNull() error {
	_, err := w.bw.WriteString("$-1\r\n")
	return err
}

// WriteArrayHeader writes an array frame header; the caller writes the n
// element frames next.
func (w *Writer) WriteArrayHeader(n int) error {
	w.bw.WriteByte(markArray)
	w.bw.Write(strconv.AppendInt(nil, int64(n), 10))
	_, err := w.bw.WriteString("\r\n")
	return err
}

// WriteCommand writes a command frame (array of bulks) and flushes it.
func (w *Writer) WriteCommand(name string, args ...[]byte) error {
	if err := w.WriteArrayHeader(1 + len(args)); err != nil {
		return err
	}
	if err := w.WriteBulkString(name); err != nil {
		return err
	}
	for _, a := range args {
		if err := w.WriteBulk(a); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Header lines are CRLF-delimited, so embedded line breaks in messages
// would desynchronize framing.
func sanitizeLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

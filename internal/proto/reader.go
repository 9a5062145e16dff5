package proto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// ProtocolError marks a malformed frame. Framing may be out of sync after
// one, so connections are closed rather than resynchronized.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// FrameSizeError marks a frame whose declared size exceeds a configured
// cap. The check runs before any allocation of the declared size.
type FrameSizeError struct {
	What  string
	Size  int
	Limit int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("%s %d exceeds limit %d", e.What, e.Size, e.Limit)
}

// maxReplyDepth bounds array nesting when decoding replies.
const maxReplyDepth = 4

// Reader decodes frames from a stream, enforcing payload and arity caps
// while reading.
type Reader struct {
	br         *bufio.Reader
	maxPayload int
	maxArity   int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxPayload overrides the bulk payload cap.
func WithMaxPayload(n int) ReaderOption {
	return func(r *Reader) {
		r.maxPayload = n
	}
}

// WithMaxArity overrides the array arity cap.
func WithMaxArity(n int) ReaderOption {
	return func(r *Reader) {
		r.maxArity = n
	}
}

// NewReader wraps r for frame decoding.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{
		br:         bufio.NewReader(r),
		maxPayload: DefaultMaxPayload,
		maxArity:   DefaultMaxArity,
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// ReadCommand reads one command: a non-empty array of bulk payloads. A
// clean close between commands returns io.EOF; a close mid-frame returns
// io.ErrUnexpectedEOF.
func (r *Reader) ReadCommand() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, &ProtocolError{Reason: "empty frame header"}
	}
	if line[0] != markArray {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected array frame, got %q", line[0])}
	}
	n, err := r.parseLen(line[1:], "command arity", r.maxArity)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, &ProtocolError{Reason: "command must be a non-empty array"}
	}
	args := make([][]byte, 0, min(n, 64))
	for i := 0; i < n; i++ {
		arg, err := r.readBulk()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if arg == nil {
			return nil, &ProtocolError{Reason: "null bulk inside command"}
		}
		args = append(args, arg)
	}
	return args, nil
}

// ReplyKind discriminates decoded reply frames.
type ReplyKind int

const (
	KindStatus ReplyKind = iota
	KindError
	KindInteger
	KindBulk
	KindNull
	KindArray
)

// Reply is one decoded reply frame.
type Reply struct {
	Kind   ReplyKind
	Status string
	Err    *WireError
	Int    int64
	Bulk   []byte
	Array  []*Reply
}

// IsNull reports whether the reply is the distinguished null: absent, not
// an error.
func (r *Reply) IsNull() bool {
	return r.Kind == KindNull
}

// ReadReply decodes one reply frame, recursing into arrays.
func (r *Reader) ReadReply() (*Reply, error) {
	return r.readReply(0)
}

func (r *Reader) readReply(depth int) (*Reply, error) {
	if depth > maxReplyDepth {
		return nil, &ProtocolError{Reason: "reply nesting too deep"}
	}
	line, err := r.readLine()
	if err != nil {
		if depth > 0 {
			return nil, unexpectedEOF(err)
		}
		return nil, err
	}
	if len(line) == 0 {
		return nil, &ProtocolError{Reason: "empty frame header"}
	}
	rest := line[1:]
	switch line[0] {
	case markStatus:
		return &Reply{Kind: KindStatus, Status: string(rest)}, nil
	case markError:
		code, msg := splitError(rest)
		return &Reply{Kind: KindError, Err: &WireError{Code: code, Message: msg}}, nil
	case markInteger:
		n, err := strconv.ParseInt(string(rest), 10, 64)
		if err != nil {
			return nil, &ProtocolError{Reason: "invalid integer frame"}
		}
		return &Reply{Kind: KindInteger, Int: n}, nil
	case markBulk:
		n, err := r.parseLen(rest, "bulk length", r.maxPayload)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return &Reply{Kind: KindNull}, nil
		}
		b, err := r.readPayload(n)
		if err != nil {
			return nil, err
		}
		return &Reply{Kind: KindBulk, Bulk: b}, nil
	case markArray:
		n, err := r.parseLen(rest, "array arity", r.maxArity)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return &Reply{Kind: KindNull}, nil
		}
		items := make([]*Reply, 0, min(n, 64))
		for i := 0; i < n; i++ {
			item, err := r.readReply(depth + 1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return &Reply{Kind: KindArray, Array: items}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", line[0])}
	}
}

func (r *Reader) readBulk() ([]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != markBulk {
		return nil, &ProtocolError{Reason: "expected bulk frame"}
	}
	n, err := r.parseLen(line[1:], "bulk length", r.maxPayload)
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	return r.readPayload(n)
}

func (r *Reader) readPayload(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, unexpectedEOF(err)
	}
	var crlf [2]byte
	if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
		return nil, unexpectedEOF(err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, &ProtocolError{Reason: "bulk payload not terminated with CRLF"}
	}
	return buf, nil
}

// readLine returns one CRLF-terminated header line, without the terminator.
// The returned slice is only valid until the next read.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, &ProtocolError{Reason: "header line too long"}
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, &ProtocolError{Reason: "header line not terminated with CRLF"}
	}
	return line[:len(line)-2], nil
}

func (r *Reader) parseLen(b []byte, what string, limit int) (int, error) {
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, &ProtocolError{Reason: "invalid " + what}
	}
	if n == -1 {
		return -1, nil
	}
	if n < 0 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("negative %s", what)}
	}
	if n > limit {
		return 0, &FrameSizeError{What: what, Size: n, Limit: limit}
	}
	return n, nil
}

func splitError(b []byte) (code, msg string) {
	for i, c := range b {
		if c == ' ' {
			return string(b[:i]), string(b[i+1:])
		}
	}
	return string(b), ""
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

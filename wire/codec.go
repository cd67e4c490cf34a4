// Package wire implements the request/response codec: request
// serialization with no normalization or escaping, and incremental
// response parsing that stops exactly at a declared Content-Length,
// rejecting chunked transfer and identity-to-EOF bodies.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnsupportedResponse is returned when a response has no
	// Content-Length header. Chunked transfer and identity-to-EOF bodies
	// are out of scope and are reported the same way.
	ErrUnsupportedResponse = errors.New("wire: response missing Content-Length")

	// ErrMalformedStatusLine is returned when the first line of a response
	// cannot be parsed as "PROTO SP STATUS SP [reason]".
	ErrMalformedStatusLine = errors.New("wire: malformed status line")

	// ErrHeaderTooLarge guards against an unbounded head buffer when a peer
	// never sends a terminating CRLFCRLF.
	ErrHeaderTooLarge = errors.New("wire: response header section too large")
)

// MaxHeaderBytes bounds how much a ResponseParser will buffer while looking
// for the end of the header section.
const MaxHeaderBytes = 1 << 20

// Binary wraps a []byte to mark it as pre-encoded binary payload: callers
// passing text tagged as non-binary are warned. Passing a bare string to
// EncodeRequest still works but invokes the WarnFunc.
type Binary []byte

// Bytes returns the pre-encoded content, accepting either a Binary value or
// a bare string. Strings trigger warn if non-nil.
func Bytes(v any, warn func(field string)) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case Binary:
		return []byte(t)
	case []byte:
		return t
	case string:
		if warn != nil {
			warn("")
		}
		return []byte(t)
	default:
		return nil
	}
}

// WarnFunc is invoked once per non-binary field encountered while encoding
// a request. field names the offending field: one of "protocol", "method",
// "path", "query" or "body"; header names and values are not checked.
type WarnFunc func(field string)

// RequestFields is the input to EncodeRequest. Every field accepts either a
// Binary or a string; strings are accepted for ergonomics but trip warn.
type RequestFields struct {
	Protocol any // e.g. Binary("HTTP/1.1") or "HTTP/1.1"
	Method   any
	Path     any
	Query    any // may be empty/nil
	Head     []HeaderField
	Body     any

	Warn WarnFunc
}

// EncodeRequest serializes fields into an HTTP/1.x request as submitted: no
// header normalization, no escaping, headers emitted in the given order.
func EncodeRequest(f RequestFields) []byte {
	warn := f.Warn

	method := Bytes(f.Method, func(string) { warnField(warn, "method") })
	path := Bytes(f.Path, func(string) { warnField(warn, "path") })
	query := Bytes(f.Query, func(string) { warnField(warn, "query") })
	proto := Bytes(f.Protocol, func(string) { warnField(warn, "protocol") })
	body := Bytes(f.Body, func(string) { warnField(warn, "body") })

	var buf bytes.Buffer
	buf.Grow(len(method) + len(path) + len(query) + len(proto) + len(body) + 64)

	buf.Write(method)
	buf.WriteByte(' ')
	buf.Write(path)
	if len(query) > 0 {
		buf.WriteByte('?')
		buf.Write(query)
	}
	buf.WriteByte(' ')
	buf.Write(proto)
	buf.WriteString("\r\n")

	for i, h := range f.Head {
		name := Bytes(Binary(h.Name), nil)
		value := Bytes(Binary(h.Value), nil)
		_ = i
		buf.Write(name)
		buf.WriteString(": ")
		buf.Write(value)
		buf.WriteString("\r\n")
	}

	buf.WriteString("\r\n")
	buf.Write(body)

	return buf.Bytes()
}

func warnField(warn WarnFunc, field string) {
	if warn != nil {
		warn(field)
	}
}

// Response is the result of a completed parse: status line, headers, and
// body-by-length.
type Response struct {
	Proto  string
	Status int
	Reason string
	Head   Header
	Body   []byte
}

// ResponseParser incrementally parses a response head and a body-by-length
// from a byte stream. Feed with whatever bytes the socket yields; Feed
// reports how many bytes it consumed and whether parsing is complete. Bytes
// beyond the declared Content-Length are never consumed: the response is
// considered complete at the declared length and any excess is left for
// the caller.
type ResponseParser struct {
	head       bytes.Buffer
	headDone   bool
	contentLen int
	body       bytes.Buffer
	resp       Response
}

// NewResponseParser returns a parser ready to Feed.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{}
}

// Feed consumes as much of p as is needed to make progress and reports how
// many bytes were consumed. done is true once the full response (headers +
// declared body length) has been parsed; Result then returns it. err is
// terminal: ErrUnsupportedResponse, ErrMalformedStatusLine, or
// ErrHeaderTooLarge.
func (rp *ResponseParser) Feed(p []byte) (consumed int, done bool, err error) {
	if !rp.headDone {
		headConsumed, leftover, headErr := rp.feedHead(p)
		consumed += headConsumed
		if headErr != nil {
			return consumed, false, headErr
		}
		if !rp.headDone {
			return consumed, false, nil
		}
		p = leftover
	}

	if rp.body.Len() < rp.contentLen {
		remaining := rp.contentLen - rp.body.Len()
		take := remaining
		if take > len(p) {
			take = len(p)
		}
		rp.body.Write(p[:take])
		consumed += take
	}

	if rp.body.Len() >= rp.contentLen {
		rp.resp.Body = rp.body.Bytes()
		return consumed, true, nil
	}

	return consumed, false, nil
}

// feedHead looks for CRLFCRLF in rp.head+p. It reports how many bytes of p
// it consumed and, once the separator is found, any bytes of p that lie
// past it (body bytes the caller should feed to the body accumulator).
func (rp *ResponseParser) feedHead(p []byte) (consumed int, leftover []byte, err error) {
	const sep = "\r\n\r\n"

	beforeLen := rp.head.Len()
	rp.head.Write(p)

	idx := bytes.Index(rp.head.Bytes(), []byte(sep))
	if idx == -1 {
		if rp.head.Len() > MaxHeaderBytes {
			return len(p), nil, ErrHeaderTooLarge
		}
		return len(p), nil, nil
	}

	headBytes := rp.head.Bytes()[:idx]
	headEnd := idx + len(sep)

	if err := rp.parseHead(headBytes); err != nil {
		return len(p), nil, err
	}
	rp.headDone = true

	// headEnd bytes came from (beforeLen previously-buffered) + (this p).
	// Whatever of headEnd falls within p was consumed by the head; the
	// rest of p, if any, is body.
	consumedFromP := headEnd - beforeLen
	if consumedFromP < 0 {
		consumedFromP = 0
	}
	if consumedFromP > len(p) {
		consumedFromP = len(p)
	}

	return consumedFromP, p[consumedFromP:], nil
}

func (rp *ResponseParser) parseHead(head []byte) error {
	lines := bytes.Split(head, []byte("\r\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return ErrMalformedStatusLine
	}

	if err := rp.parseStatusLine(lines[0]); err != nil {
		return err
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		i := bytes.IndexByte(line, ':')
		if i == -1 {
			continue
		}
		name := string(bytes.TrimRight(line[:i], " \t"))
		value := string(bytes.TrimLeft(line[i+1:], " \t"))
		rp.resp.Head.Add(name, value)
	}

	cl := rp.resp.Head.Get("Content-Length")
	if cl == "" {
		return ErrUnsupportedResponse
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: invalid Content-Length %q", ErrUnsupportedResponse, cl)
	}
	rp.contentLen = n

	return nil
}

func (rp *ResponseParser) parseStatusLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return ErrMalformedStatusLine
	}
	status, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return ErrMalformedStatusLine
	}
	rp.resp.Proto = string(parts[0])
	rp.resp.Status = status
	if len(parts) == 3 {
		rp.resp.Reason = string(parts[2])
	}
	return nil
}

// Result returns the parsed response. Only meaningful once Feed has
// returned done == true.
func (rp *ResponseParser) Result() Response {
	return rp.resp
}

package wire

import "github.com/go-yahc/yahc/xascii"

// HeaderField is one name/value pair as it appeared on the wire. Order is
// preserved and duplicates are allowed.
type HeaderField struct {
	Name  string
	Value string
}

// Header is a case-insensitive, order-preserving, duplicate-preserving
// multimap of header fields. It intentionally does not normalize names: a
// request's Header is emitted byte-for-byte as submitted, and a response's
// Header records names exactly as the peer sent them while still
// answering lookups case-insensitively.
type Header struct {
	fields []HeaderField
}

// Add appends a value for name, keeping any existing values.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h *Header) Get(name string) string {
	for i := range h.fields {
		if xascii.EqualsIgnoreCase(h.fields[i].Name, name) {
			return h.fields[i].Value
		}
	}
	return ""
}

// Values returns every value recorded for name, in wire order.
func (h *Header) Values(name string) []string {
	var out []string
	for i := range h.fields {
		if xascii.EqualsIgnoreCase(h.fields[i].Name, name) {
			out = append(out, h.fields[i].Value)
		}
	}
	return out
}

// Has reports whether name was present at all.
func (h *Header) Has(name string) bool {
	for i := range h.fields {
		if xascii.EqualsIgnoreCase(h.fields[i].Name, name) {
			return true
		}
	}
	return false
}

// Fields returns the underlying ordered field list. The caller must not
// mutate the returned slice's elements.
func (h *Header) Fields() []HeaderField {
	return h.fields
}

// ConnectionTokens reports whether the Connection header (if present)
// carries the keep-alive or close token, scanning its comma-separated
// values. Usable for either request or response headers.
type ConnectionTokens struct {
	Present   bool
	KeepAlive bool
	Close     bool
}

func (h *Header) Connection() ConnectionTokens {
	var out ConnectionTokens

	for _, v := range h.Values("Connection") {
		if v == "" {
			continue
		}
		out.Present = true

		rest := v
		for {
			var tok string
			tok, rest = cutToken(rest)
			tok = trimOWS(tok)
			if xascii.EqualsIgnoreCase(tok, "keep-alive") {
				out.KeepAlive = true
			}
			if xascii.EqualsIgnoreCase(tok, "close") {
				out.Close = true
			}
			if rest == "" {
				break
			}
		}
	}

	return out
}

func cutToken(s string) (tok, rest string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

const ows = "\x09\x20"

func trimOWS(s string) string {
	i, j := 0, len(s)
	for i < j && isOWS(s[i]) {
		i++
	}
	for j > i && isOWS(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isOWS(b byte) bool {
	return b == ows[0] || b == ows[1]
}

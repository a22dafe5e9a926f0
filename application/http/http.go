package http

import (
	"bytes"
	"hostclient/application/http/internal/rule"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodConnect = "CONNECT"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
	MethodPatch   = "PATCH"
)

var (
	Version1_0 = Version{1, 0}
	Version1_1 = Version{1, 1}
)

// [Major, Minor]
type Version [2]uint

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if !bytes.HasPrefix(b, prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %s", b)
	}

	first, second, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot seperator not found on version: %s", b)
	}

	major, err1 := strconv.ParseUint(string(first), 10, 64)
	minor, err2 := strconv.ParseUint(string(second), 10, 64)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertable to int: %s", b)
	}

	return Version{uint(major), uint(minor)}, nil
}

func (ver Version) Text() []byte {
	b := make([]byte, 0, 8)
	b = append(b, "HTTP/"...)
	b = strconv.AppendUint(b, uint64(ver[0]), 10)
	b = append(b, '.')
	b = strconv.AppendUint(b, uint64(ver[1]), 10)
	return b
}

func (ver Version) String() string { return string(ver.Text()) }

// AtLeast reports whether ver is major.minor or newer.
func (ver Version) AtLeast(major, minor uint) bool {
	return ver[0] > major || (ver[0] == major && ver[1] >= minor)
}

type Field struct{ Name, Value string }

func ParseField(fieldLine []byte) (Field, error) {
	name, value, found := bytes.Cut(fieldLine, []byte{':'})
	if !found {
		return Field{}, errors.Errorf("colon seperator not found on header: %q", string(fieldLine))
	}

	// No whitespace is allowed between field name and colon.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	if !rule.IsValidToken(string(name)) {
		return Field{}, errors.Errorf("field name is not a valid token: %q", string(name))
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	value = bytes.TrimFunc(value, rule.IsOWS)

	return Field{Name: string(name), Value: string(value)}, nil
}

func (f Field) Text() []byte {
	b := make([]byte, 0, len(f.Name)+len(f.Value)+2)
	b = append(b, f.Name...)
	b = append(b, ": "...)
	b = append(b, f.Value...)
	return b
}

// Headers is an ordered list of fields. Lookups ignore the case of names.
type Headers []Field

func (h Headers) Get(name string) (value string, ok bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

func (h Headers) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

func (h *Headers) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces every field called name with a single one.
// The new field takes the position of the first replaced one.
func (h *Headers) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			h.del(name, i+1)
			return
		}
	}
	h.Add(name, value)
}

func (h *Headers) Del(name string) { h.del(name, 0) }

func (h *Headers) del(name string, from int) {
	kept := (*h)[:from]
	for _, f := range (*h)[from:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return append(Headers(nil), h...)
}

// HasToken reports whether any field called name carries token in its
// comma separated list, ignoring case.
func (h Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for elem := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimFunc(elem, rule.IsOWS), token) {
				return true
			}
		}
	}
	return false
}

type RequestLine struct {
	Method  string
	Target  string
	Version Version
}

type Request struct {
	RequestLine
	Headers Headers

	// Body is written as is after the headers. It may be nil.
	Body io.Reader
}

type StatusLine struct {
	Version      Version
	StatusCode   uint
	ReasonPhrase string
}

type Response struct {
	StatusLine
	Headers Headers

	// Body is the unframed remainder of the stream after decoding.
	// Use transfer.NewBodyReader to read exactly one message body from it.
	Body io.Reader
}

package http

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"hostclient/application/http/internal/rule"

	"github.com/pkg/errors"
)

type DecodeOptions struct {
	// AllowSoleLF specifies wheter a single LF character should be recognized as a valid line terminator.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-3
	AllowSoleLF bool

	// LenientWhitespace replaces all [rule.Whitespaces] into [rule.SP].
	// And also trims preceding and trailinig whitespace.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3-3
	LenientWhitespace bool

	// MaxFieldLineLength sets the limit of field line length on headers.
	MaxFieldLineLength uint

	// MaxFieldCount sets the limit of the number of header fields.
	MaxFieldCount uint

	// MaxRequestLineLength sets the limit of request line length.
	// Recommended: >= 8000
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3-5
	MaxRequestLineLength uint

	// MaxStatusLineLength sets the limit of status line length.
	MaxStatusLineLength uint
}

var DefaultDecodeOptions = DecodeOptions{
	AllowSoleLF:          false,
	LenientWhitespace:    false,
	MaxFieldLineLength:   16 << 10,
	MaxFieldCount:        256,
	MaxRequestLineLength: 8 << 10,
	MaxStatusLineLength:  8 << 10,
}

type MessageDecoder struct {
	br   *bufio.Reader
	opts DecodeOptions
}

var (
	errLineTooLong       = errors.New("line length exceeeds limit")
	ErrMissingCRBeforeLF = errors.New("missing CR before LF")
)

// Reader returns the buffered reader the decoder reads from.
// Bytes after the last decoded head are still buffered in it.
func (md *MessageDecoder) Reader() *bufio.Reader { return md.br }

// readLine returns io.EOF only when the stream ended before any byte of the line.
func (md *MessageDecoder) readLine(limit uint) ([]byte, error) {
	var line []byte
	for {
		chunk, err := md.br.ReadSlice(rule.LF)
		line = append(line, chunk...)
		if limit > 0 && uint(len(line)) > limit {
			return nil, errLineTooLong
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	b := line[:len(line)-1] // Remove LF.

	if len(b) > 0 && b[len(b)-1] == rule.CR {
		b = b[:len(b)-1]
	} else if !md.opts.AllowSoleLF {
		return nil, ErrMissingCRBeforeLF
	}

	if md.opts.LenientWhitespace {
		for _, c := range rule.Whitespaces {
			b = bytes.ReplaceAll(b, []byte{c}, []byte{rule.SP})
		}
		return bytes.Trim(b, string([]byte{rule.SP})), nil
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-4
	return bytes.ReplaceAll(b, []byte{rule.CR}, []byte{rule.SP}), nil
}

var (
	ErrFieldLineTooLong   = errors.New("field line length exceeds limit")
	ErrTooManyFields      = errors.New("too many header fields")
	ErrMalformedFieldLine = errors.New("field line is malformed")
)

func (md *MessageDecoder) decodeHeaders(headers *Headers) error {
	tmpHeaders := make(Headers, 0, 8)
	for {
		fieldLine, err := md.readLine(md.opts.MaxFieldLineLength)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return ErrFieldLineTooLong
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrap(err, "reading line")
		}

		if len(fieldLine) == 0 {
			// An empty line. This means that there are no more headers.
			break
		}

		if md.opts.MaxFieldCount > 0 && uint(len(tmpHeaders)) >= md.opts.MaxFieldCount {
			return ErrTooManyFields
		}

		field, err := ParseField(fieldLine)
		if err != nil {
			return errors.Wrap(ErrMalformedFieldLine, err.Error())
		}

		tmpHeaders = append(tmpHeaders, field)
	}

	*headers = tmpHeaders

	return nil
}

// readStartLine skips the empty lines that may precede a message.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
func (md *MessageDecoder) readStartLine(limit uint) ([]byte, error) {
	for {
		b, err := md.readLine(limit)
		if err != nil {
			return nil, err
		}
		if len(b) > 0 {
			return b, nil
		}
	}
}

var (
	ErrRequestLineTooLong   = errors.New("request line length exceeds limit")
	ErrMalformedRequestLine = errors.New("request line is malformed")
)

type RequestDecoder struct{ MessageDecoder }

func NewRequestDecoder(r io.Reader, opts DecodeOptions) *RequestDecoder {
	return &RequestDecoder{
		MessageDecoder{br: bufio.NewReader(r), opts: opts},
	}
}

// Decode reads a request line and headers. r MUST be a non-nil pointer.
// It returns a bare io.EOF if the stream ended cleanly before the request.
func (rd *RequestDecoder) Decode(r *Request) error {
	line, err := rd.readStartLine(rd.opts.MaxRequestLineLength)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return ErrRequestLineTooLong
		}
		if err == io.EOF {
			return io.EOF
		}
		return errors.Wrap(err, "reading request line")
	}

	reqLine, err := parseRequestLine(line)
	if err != nil {
		return errors.Wrap(ErrMalformedRequestLine, err.Error())
	}
	r.RequestLine = reqLine

	if err := rd.decodeHeaders(&r.Headers); err != nil {
		return errors.Wrap(err, "parsing headers")
	}

	r.Body = rd.br

	return nil
}

func parseRequestLine(line []byte) (RequestLine, error) {
	parts := bytes.Split(line, []byte{rule.SP})
	if len(parts) != 3 {
		return RequestLine{}, errors.New("request line is malformed")
	}

	method := string(parts[0])
	if !rule.IsValidToken(method) {
		return RequestLine{}, errors.New("method is not a valid token")
	}

	target := string(parts[1])
	if len(target) == 0 {
		return RequestLine{}, errors.New("request target should not be empty")
	}

	ver, err := ParseVersion(parts[2])
	if err != nil {
		return RequestLine{}, errors.Wrap(err, "parsing version")
	}

	return RequestLine{Method: method, Target: target, Version: ver}, nil
}

var (
	ErrStatusLineTooLong   = errors.New("status line length exceeds limit")
	ErrMalformedStatusLine = errors.New("status line is malformed")
)

type ResponseDecoder struct{ MessageDecoder }

func NewResponseDecoder(r io.Reader, opts DecodeOptions) *ResponseDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ResponseDecoder{
		MessageDecoder{br: br, opts: opts},
	}
}

// Decode reads a status line and headers. r MUST be a non-nil pointer.
// It returns a bare io.EOF if the stream ended cleanly before the response.
func (rd *ResponseDecoder) Decode(r *Response) error {
	line, err := rd.readStartLine(rd.opts.MaxStatusLineLength)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return ErrStatusLineTooLong
		}
		if err == io.EOF {
			return io.EOF
		}
		return errors.Wrap(err, "reading status line")
	}

	statLine, err := parseStatusLine(line)
	if err != nil {
		return errors.Wrap(ErrMalformedStatusLine, err.Error())
	}
	r.StatusLine = statLine

	if err := rd.decodeHeaders(&r.Headers); err != nil {
		return errors.Wrap(err, "parsing headers")
	}

	r.Body = rd.br

	return nil
}

func parseStatusLine(line []byte) (StatusLine, error) {
	parts := bytes.SplitN(line, []byte{rule.SP}, 3)
	if len(parts) < 2 {
		return StatusLine{}, errors.New("status line is malformed")
	}

	ver, err := ParseVersion(parts[0])
	if err != nil {
		return StatusLine{}, errors.Wrap(err, "parsing version")
	}

	statusCodeStr := string(parts[1])
	statusCode, err := strconv.ParseUint(statusCodeStr, 10, 64)
	if err != nil || len(statusCodeStr) != 3 {
		return StatusLine{}, errors.Errorf("status code is malformed: %q", statusCodeStr)
	}

	// reason-phrase is optional, and so is the SP before it when it is empty.
	var reasonPhrase string
	if len(parts) == 3 {
		reasonPhrase = string(parts[2])
	}

	return StatusLine{Version: ver, StatusCode: uint(statusCode), ReasonPhrase: reasonPhrase}, nil
}

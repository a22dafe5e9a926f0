package transfer

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"hostclient/application/http"
	"hostclient/application/http/internal/rule"

	"github.com/pkg/errors"
)

const CodingChunked = "chunked"

type Chunk struct {
	Size       uint
	Extensions [][2]string
}

// ChunkedReader converts a chunked message body into a byte stream.
// It reads exactly up to the end of the trailer section and leaves
// anything after it in the underlying reader.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
type ChunkedReader struct {
	br    *bufio.Reader
	chunk *Chunk
	read  uint // reset for each chunk
	done  bool

	onTrailer func(f []http.Field)
}

var _ io.Reader = (*ChunkedReader)(nil)

func NewChunkedReader(br *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{br: br}
}

// SetOnTrailerReceived registers fn to be called with the trailer
// fields once the last chunk is read. fn is not called without trailers.
func (cr *ChunkedReader) SetOnTrailerReceived(fn func(f []http.Field)) {
	cr.onTrailer = fn
}

func (cr *ChunkedReader) LastChunk() *Chunk {
	return cr.chunk
}

func (cr *ChunkedReader) Read(b []byte) (int, error) {
	if cr.done {
		return 0, io.EOF
	}

	if cr.chunk == nil {
		if err := cr.decodeChunk(); err != nil {
			return 0, errors.Wrap(err, "decoding chunk")
		}

		if cr.chunk.Size == 0 {
			// Last chunk.
			if err := cr.decodeTrailers(); err != nil {
				return 0, errors.Wrap(err, "decoding trailer")
			}
			cr.done = true
			return 0, io.EOF
		}
	}

	if len(b) == 0 {
		return 0, nil
	}

	remain := cr.chunk.Size - cr.read
	if uint(len(b)) > remain {
		b = b[:remain]
	}

	n, err := cr.br.Read(b)
	cr.read += uint(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, errors.Wrap(err, "reading chunk data")
	}

	if cr.read == cr.chunk.Size {
		var crlf [2]byte
		if _, err := io.ReadFull(cr.br, crlf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return n, errors.Wrap(err, "reading chunk delimiter")
		}

		if !bytes.Equal(crlf[:], rule.CRLF) {
			return n, errors.New("CRLF delimiter not found")
		}

		cr.chunk = nil
		cr.read = 0
	}

	return n, nil
}

func (cr *ChunkedReader) decodeChunk() error {
	line, err := readLine(cr.br)
	if err != nil {
		return err
	}

	parts := bytes.Split(line, []byte{';'})

	sizeRaw := bytes.TrimFunc(parts[0], rule.IsWhitespace)
	chunkSize, err := decodeChunkSize(sizeRaw)
	if err != nil {
		return errors.Wrap(err, "decoding chunk size")
	}

	extensions := make([][2]string, 0)
	for _, part := range parts[1:] {
		k, v, _ := bytes.Cut(part, []byte{'='})
		// Trim BWS.
		k = bytes.TrimFunc(k, rule.IsWhitespace)
		v = bytes.TrimFunc(v, rule.IsWhitespace)

		extensions = append(extensions, [2]string{
			string(k),
			string(rule.Unquote(v)),
		})
	}

	cr.chunk = &Chunk{
		Size:       chunkSize,
		Extensions: extensions,
	}

	return nil
}

func decodeChunkSize(b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, errors.New("empty chunk size")
	}

	size, err := strconv.ParseUint(string(b), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to decode hex: %q", string(b))
	}

	return uint(size), nil
}

func (cr *ChunkedReader) decodeTrailers() error {
	fields := make([]http.Field, 0)
	for {
		line, err := readLine(cr.br)
		if err != nil {
			return errors.Wrap(err, "reading line")
		}

		if len(line) == 0 {
			// Last field.
			break
		}

		field, err := http.ParseField(line)
		if err != nil {
			return errors.Wrap(err, "parsing field")
		}

		fields = append(fields, field)
	}

	if cr.onTrailer != nil && len(fields) > 0 {
		cr.onTrailer(fields)
	}

	return nil
}

// ChunkedWriter frames every Write as one chunk. Close writes the last
// chunk and the trailers but does not close the underlying writer.
type ChunkedWriter struct {
	w         io.Writer
	headerBuf *bytes.Buffer

	extensions   [][2]string
	sendTrailers func() []http.Field
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{
		w:         w,
		headerBuf: bytes.NewBuffer(nil),
	}
}

// SetExtensions sets extension to the chunk.
// extension lives until [ChunkedWriter.Write].
func (cw *ChunkedWriter) SetExtensions(extensions [][2]string) {
	cw.extensions = extensions
}

// SetSendTrailers registers fn to supply the trailer fields on Close.
func (cw *ChunkedWriter) SetSendTrailers(fn func() []http.Field) {
	cw.sendTrailers = fn
}

func (cw *ChunkedWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		// We should ignore 0 length chunks since it means EOF.
		return 0, nil
	}

	chunk := Chunk{
		Size:       uint(len(p)),
		Extensions: cw.extensions,
	}

	cw.extensions = nil

	n, err = cw.encodeChunk(chunk, p)
	if err != nil {
		return n, errors.Wrap(err, "encoding chunk")
	}

	return n, nil
}

func (cw *ChunkedWriter) Close() error {
	chunk := Chunk{
		Size:       0,
		Extensions: cw.extensions,
	}

	if _, err := cw.encodeChunk(chunk, nil); err != nil {
		return errors.Wrap(err, "encoding chunk")
	}

	if err := cw.encodeTrailers(); err != nil {
		return errors.Wrap(err, "encoding trailers")
	}

	return nil
}

func (cw *ChunkedWriter) encodeChunk(chunk Chunk, data []byte) (n int, err error) {
	// size and extensions
	buf := cw.headerBuf
	buf.Reset()
	buf.WriteString(strconv.FormatUint(uint64(chunk.Size), 16))
	for _, ext := range chunk.Extensions {
		buf.WriteByte(';')
		buf.WriteString(ext[0])
		buf.WriteByte('=')
		buf.WriteString(ext[1])
	}

	if err := writeLine(cw.w, buf.Bytes()); err != nil {
		return 0, errors.Wrap(err, "writing chunk header")
	}

	if chunk.Size == 0 {
		// Last chunk. only write header.
		return 0, nil
	}

	n, err = cw.w.Write(data)
	if err != nil {
		return n, errors.Wrap(err, "writing data")
	}

	if _, err := cw.w.Write(rule.CRLF); err != nil {
		return n, errors.Wrap(err, "writing chunk delimiter")
	}

	return n, nil
}

func (cw *ChunkedWriter) encodeTrailers() error {
	if cw.sendTrailers != nil {
		for _, field := range cw.sendTrailers() {
			if err := writeLine(cw.w, field.Text()); err != nil {
				return errors.Wrap(err, "writing trailer")
			}
		}
	}

	if err := writeLine(cw.w, nil); err != nil {
		return errors.Wrap(err, "writing last trailer line")
	}

	return nil
}

// readLine reads until CRLF and cuts it.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice(rule.LF)
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !bytes.HasSuffix(line, rule.CRLF) {
		return nil, errors.New("line is not terminated with CRLF")
	}

	return line[:len(line)-2], nil
}

func writeLine(w io.Writer, line []byte) error {
	if _, err := w.Write(append(bytes.Clone(line), rule.CRLF...)); err != nil {
		return errors.Wrap(err, "writing line")
	}

	return nil
}

// Package rule holds the character classes of RFC 9110 and RFC 9112.
package rule

import "bytes"

const (
	CR   byte = '\r'
	LF   byte = '\n'
	SP   byte = ' '
	HTAB byte = '\t'
	VT   byte = 0x0B
	FF   byte = 0x0C
)

var (
	OWS         = []byte{SP, HTAB}
	CRLF        = []byte{CR, LF}
	Whitespaces = []byte{SP, HTAB, VT, FF, CR}
)

func IsWhitespace(r rune) bool {
	return r < 0x80 && bytes.IndexByte(Whitespaces, byte(r)) >= 0
}

func IsOWS(r rune) bool { return r == rune(SP) || r == rune(HTAB) }

func IsAlpha(r rune) bool { return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') }
func IsDigit(r rune) bool { return '0' <= r && r <= '9' }

// IsValidToken reports whether s is a token.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func IsValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if IsAlpha(c) || IsDigit(c) {
			continue
		}

		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+',
			'-', '.', '^', '_', '`', '|', '~':
			continue
		}

		return false
	}

	return true
}

// Unquote unquotes token if it was quoted with double quotes.
// Escaped characters inside the quotes are un-escaped.
func Unquote(token []byte) []byte {
	if len(token) < 2 || token[0] != '"' || token[len(token)-1] != '"' {
		return bytes.Clone(token)
	}
	token = token[1 : len(token)-1]

	buf := bytes.NewBuffer(make([]byte, 0, len(token)))
	for idx := 0; idx < len(token); idx++ {
		c := token[idx]
		if c == '\\' && idx+1 < len(token) {
			idx++
			c = token[idx]
		}
		buf.WriteByte(c)
	}

	return buf.Bytes()
}

package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidToken(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected bool
	}{
		{desc: "alphabets", input: "Token", expected: true},
		{desc: "digits", input: "Token123", expected: true},
		{desc: "special characters", input: "Token-._~", expected: true},
		{desc: "space", input: "Token 123", expected: false},
		{desc: "separator", input: "Token@123", expected: false},
		{desc: "colon", input: "Host:", expected: false},
		{desc: "empty", input: "", expected: false},
	}
	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsValidToken(tc.input))
		})
	}
}

func TestUnquote(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected string
	}{
		{desc: "not quoted", input: `Token`, expected: `Token`},
		{desc: "quoted", input: `"Token"`, expected: `Token`},
		{desc: "half quoted", input: `"Token`, expected: `"Token`},
		{desc: "escaped quote", input: `"Tok\"en"`, expected: `Tok"en`},
		{desc: "escaped backslash", input: `"a\\b"`, expected: `a\b`},
	}
	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, []byte(tc.expected), Unquote([]byte(tc.input)))
		})
	}
}

func TestIsWhitespace(t *testing.T) {
	assert.True(t, IsWhitespace(' '))
	assert.True(t, IsWhitespace('\t'))
	assert.True(t, IsWhitespace('\r'))
	assert.False(t, IsWhitespace('a'))
	assert.False(t, IsWhitespace('　'))
}

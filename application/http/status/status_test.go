package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromCode(t *testing.T) {
	s, ok := FromCode(404)
	assert.True(t, ok)
	assert.Equal(t, NotFound, s)

	s, ok = FromCode(599)
	assert.False(t, ok)
	assert.Equal(t, Status{Code: 599}, s)

	assert.Equal(t, "OK", Text(200))
	assert.Empty(t, Text(299))
}

func TestClasses(t *testing.T) {
	testcases := []struct {
		code          uint
		informational bool
		successful    bool
		noContent     bool
	}{
		{code: 100, informational: true, noContent: true},
		{code: 101, informational: true, noContent: true},
		{code: 200, successful: true},
		{code: 204, successful: true, noContent: true},
		{code: 206, successful: true},
		{code: 304, noContent: true},
		{code: 404},
	}

	for _, tc := range testcases {
		assert.Equal(t, tc.informational, IsInformational(tc.code), "%d", tc.code)
		assert.Equal(t, tc.successful, IsSuccessful(tc.code), "%d", tc.code)
		assert.Equal(t, tc.noContent, HasNoContent(tc.code), "%d", tc.code)
	}
}

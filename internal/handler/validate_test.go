package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		ok   bool
	}{
		{"9876500000", "9876500000", true},
		{" +98 912 123 4567 ", "+989121234567", true},
		{"987-650-0000", "9876500000", true},
		{"12345", "12345", false},
		{"++9876500000", "++9876500000", false},
		{"", "", false},
	} {
		got, ok := normalizePhone(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestValidEmail(t *testing.T) {
	assert.True(t, validEmail(""))
	assert.True(t, validEmail("sara@example.com"))
	assert.True(t, validEmail(" sara@example.com "))
	assert.False(t, validEmail("Sara <sara@example.com>"))
	assert.False(t, validEmail("sara"))
}

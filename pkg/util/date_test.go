package util

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	ref := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"rfc3339", "2024-10-10T10:10:10Z", true},
		{"rfc3339 nano", "2024-10-10T10:10:10.000000000Z", true},
		{"unix seconds", strconv.FormatInt(ref.Unix(), 10), true},
		{"empty", "", false},
		{"negative unix", "-5", false},
		{"garbage", "yesterday", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTime(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, got.Equal(ref))
			}
		})
	}
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitCSV(" a, ,b ,"))
	assert.Nil(t, SplitCSV("  "))
}

func TestParseIntDefault(t *testing.T) {
	assert.Equal(t, 7, ParseIntDefault("", 7))
	assert.Equal(t, 7, ParseIntDefault("x", 7))
	assert.Equal(t, 3, ParseIntDefault("3", 7))
}

package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"+6h", time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)},
		{"-1d", time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)},
		{"2w", time.Date(2025, 6, 29, 12, 0, 0, 0, time.UTC)},
		{"-3m", time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)},
		{"1y", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}

	for _, bad := range []string{"", "6", "h", "+6x", "6 h", "++6h"} {
		_, err := ParseCompactDuration(bad, now)
		assert.Error(t, err, bad)
		assert.False(t, IsCompactDuration(bad), bad)
	}
}

func TestParseRelativeTime(t *testing.T) {
	// Wednesday.
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input string
		day   int
		month time.Month
		hour  int // -1 skips the hour check
	}{
		{"+1d", 16, time.January, 10},
		{"-6h", 15, time.January, 4},
		{"tomorrow", 16, time.January, -1},
		{"yesterday", 14, time.January, -1},
		{"3 days ago", 12, time.January, -1},
		{"next monday", 20, time.January, -1},
		{"2025-02-01", 1, time.February, 0},
		{"2025-03-15T14:30:00Z", 15, time.March, 14},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRelativeTime(tt.input, now)
			require.NoError(t, err)
			assert.Equal(t, 2025, got.Year())
			assert.Equal(t, tt.month, got.Month())
			assert.Equal(t, tt.day, got.Day())
			if tt.hour >= 0 {
				assert.Equal(t, tt.hour, got.Hour())
			}
		})
	}

	_, err := ParseRelativeTime("not a date at all", now)
	assert.Error(t, err)
	_, err = ParseRelativeTime("  ", now)
	assert.Error(t, err)
}

func TestParseAge(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input string
		want  time.Duration
	}{
		{"90m", 90 * time.Minute},
		{"2h30m", 150 * time.Minute},
		{"6h", 6 * time.Hour},
		{"2d", 48 * time.Hour},
		{"-2d", 48 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"2025-01-14T10:00:00", 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAge(tt.input, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := ParseAge("3 days ago", now)
	require.NoError(t, err)
	assert.InDelta(t, float64(72*time.Hour), float64(got), float64(24*time.Hour))

	for _, bad := range []string{"+2d", "-5m0s", "tomorrow", "2030-01-01", "soon-ish"} {
		_, err := ParseAge(bad, now)
		assert.Error(t, err, bad)
	}
}

package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Add the login form", "add-login-form"},
		{"Fix: OAuth callback (v2)!", "fix-oauth-callback-v2"},
		{"The", "the"},
		{"", "task"},
		{"???", "task"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.title), tt.title)
	}

	long := Slug(strings.Repeat("migration ", 20))
	assert.LessOrEqual(t, len(long), MaxSlugLength)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestNextTaskID(t *testing.T) {
	assert.Equal(t, "1-wire-auth", NextTaskID("Wire auth", nil))
	assert.Equal(t, "151-wire-auth", NextTaskID("Wire auth", []string{"12-a", "150-b", "legacy", "7"}))
	assert.Equal(t, -1, Sequence("legacy-task"))
	assert.Equal(t, 42, Sequence("42"))
}

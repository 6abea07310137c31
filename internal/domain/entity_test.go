package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"API Health", "api_health"},
		{"disk-usage", "disk-usage"},
		{"Mixed Case With Spaces", "mixed_case_with_spaces"},
		{"already_fine", "already_fine"},
		{"Double  Space", "double__space"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ServiceID(tt.name))
		// deriving twice never changes the id
		assert.Equal(t, tt.want, ServiceID(tt.want))
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusUpdate, StatusWarning, StatusFailure, StatusError, StatusUnknown} {
		got, ok := ParseStatus(string(s))
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}

	for _, token := range []string{"ok", "Ok", "DEGRADED", "", " OK"} {
		got, ok := ParseStatus(token)
		assert.False(t, ok, "token %q", token)
		assert.Equal(t, StatusUnknown, got)
	}
}

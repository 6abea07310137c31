package statusline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/servicestatus/agent/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want domain.StatusEvent
		ok   bool
	}{
		{
			name: "well formed line",
			line: "2024-01-15 10:30:00, OK, API is healthy",
			want: domain.StatusEvent{
				ServiceID: "api_health",
				Timestamp: "2024-01-15 10:30:00",
				Status:    domain.StatusOK,
				Message:   "API is healthy",
			},
			ok: true,
		},
		{
			name: "failure with commas in message",
			line: "2024-01-15 10:31:00, FAILURE, timeout after 5s, retried twice",
			want: domain.StatusEvent{
				ServiceID: "api_health",
				Timestamp: "2024-01-15 10:31:00",
				Status:    domain.StatusFailure,
				Message:   "timeout after 5s, retried twice",
			},
			ok: true,
		},
		{
			name: "two fields only",
			line: "2024-01-15 10:32:00, WARNING",
			want: domain.StatusEvent{
				ServiceID: "api_health",
				Timestamp: "2024-01-15 10:32:00",
				Status:    domain.StatusWarning,
			},
			ok: true,
		},
		{
			name: "unknown token preserved in message",
			line: "2024-01-15 10:33:00, DEGRADED, half the pool is down",
			want: domain.StatusEvent{
				ServiceID: "api_health",
				Timestamp: "2024-01-15 10:33:00",
				Status:    domain.StatusUnknown,
				Message:   "DEGRADED: half the pool is down",
			},
			ok: true,
		},
		{
			name: "unknown token without message",
			line: "2024-01-15 10:33:00, DEGRADED",
			want: domain.StatusEvent{
				ServiceID: "api_health",
				Timestamp: "2024-01-15 10:33:00",
				Status:    domain.StatusUnknown,
				Message:   "DEGRADED",
			},
			ok: true,
		},
		{
			name: "lowercase token is not recognized",
			line: "2024-01-15 10:34:00, ok, fine",
			want: domain.StatusEvent{
				ServiceID: "api_health",
				Timestamp: "2024-01-15 10:34:00",
				Status:    domain.StatusUnknown,
				Message:   "ok: fine",
			},
			ok: true,
		},
		{
			name: "single field is not an event",
			line: "something went very wrong",
			ok:   false,
		},
		{
			name: "empty line is not an event",
			line: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse("api_health", tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// Package statusline parses the "timestamp, STATUS, message" lines that
// service scripts append to their log files.
package statusline

import (
	"strings"

	"github.com/servicestatus/agent/internal/domain"
)

// Parse converts one complete raw line into a status event for the given
// service. It splits on the first two commas; everything after the second
// comma is the message. A line with fewer than two comma-separated fields
// is not an event: ok is false and the caller should log a parse warning
// and drop the line.
//
// An unrecognized status token never fails the line. The event gets
// StatusUnknown and the original token is preserved at the front of the
// message, so extended or malformed tokens survive the trip to the
// backend instead of crashing the pipeline.
func Parse(serviceID, line string) (event domain.StatusEvent, ok bool) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) < 2 {
		return domain.StatusEvent{}, false
	}

	timestamp := strings.TrimSpace(parts[0])
	token := strings.TrimSpace(parts[1])

	message := ""
	if len(parts) == 3 {
		message = strings.TrimSpace(parts[2])
	}

	status, known := domain.ParseStatus(token)
	if !known {
		if message == "" {
			message = token
		} else {
			message = token + ": " + message
		}
	}

	return domain.StatusEvent{
		ServiceID: serviceID,
		Timestamp: timestamp,
		Status:    status,
		Message:   message,
	}, true
}

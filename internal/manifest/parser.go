// Package manifest extracts and validates service metadata embedded in a
// script's leading comment block. Parsing and validation are split into
// two stages (untyped key/value map, then typed manifest) so each failure
// mode is independently testable.
package manifest

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/servicestatus/agent/internal/domain"
)

// Recognized manifest keys. Unrecognized keys in the comment block are
// ignored.
const (
	KeyName        = "name"
	KeyDescription = "description"
	KeyVersion     = "version"
	KeySchedule    = "schedule"
	KeyTimeout     = "timeout"
)

var recognizedKeys = map[string]bool{
	KeyName:        true,
	KeyDescription: true,
	KeyVersion:     true,
	KeySchedule:    true,
	KeyTimeout:     true,
}

// manifestLine matches "# key: value" with flexible whitespace.
var manifestLine = regexp.MustCompile(`^#\s*([a-zA-Z_-]+)\s*:\s*(.*)$`)

// Parse scans the leading comment region of a script for manifest
// entries and returns the raw key to value mapping. Scanning stops at the
// first line that is neither blank, a comment, nor a shebang: script
// logic never contributes manifest entries. When the same key appears
// more than once the last occurrence wins.
//
// Returns a *domain.ManifestParseError if no recognized entry is found
// at all.
func Parse(script string) (map[string]string, error) {
	raw := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(script))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#!") {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			// First executable line marks the end of the header.
			break
		}

		m := manifestLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		key := strings.ToLower(m[1])
		if !recognizedKeys[key] {
			continue
		}
		raw[key] = strings.TrimSpace(m[2])
	}

	if len(raw) == 0 {
		return nil, &domain.ManifestParseError{
			Reason: "no manifest block found in script header",
		}
	}
	return raw, nil
}

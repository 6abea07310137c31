package manifest

import (
	"regexp"
	"strconv"

	"go.uber.org/multierr"

	"github.com/servicestatus/agent/internal/domain"
)

// Name bounds from the manifest contract.
const (
	MinNameLen        = 3
	MaxNameLen        = 60
	MaxDescriptionLen = 255
)

// nameChars restricts service names to letters, digits, spaces, and hyphens.
var nameChars = regexp.MustCompile(`^[a-zA-Z0-9 -]+$`)

// ScheduleChecker validates a scheduler expression syntactically. The
// manifest validator delegates to it rather than re-implementing the
// scheduler's calendar grammar.
type ScheduleChecker func(expr string) bool

// Validate coerces a raw key/value mapping into a ServiceManifest. Every
// violated field yields its own *domain.ValidationError; all violations
// are combined so a caller can report them together. On any violation
// the returned manifest is the zero value.
func Validate(raw map[string]string, validSchedule ScheduleChecker) (domain.ServiceManifest, error) {
	var errs error

	name := raw[KeyName]
	switch {
	case name == "":
		errs = multierr.Append(errs, &domain.ValidationError{Field: "name", Reason: "required"})
	case len(name) < MinNameLen:
		errs = multierr.Append(errs, &domain.ValidationError{Field: "name", Reason: "must be at least 3 characters"})
	case len(name) > MaxNameLen:
		errs = multierr.Append(errs, &domain.ValidationError{Field: "name", Reason: "must be at most 60 characters"})
	case !nameChars.MatchString(name):
		errs = multierr.Append(errs, &domain.ValidationError{Field: "name", Reason: "only letters, digits, spaces and hyphens allowed"})
	}

	description := raw[KeyDescription]
	if description == "" {
		errs = multierr.Append(errs, &domain.ValidationError{Field: "description", Reason: "required"})
	} else if len(description) > MaxDescriptionLen {
		errs = multierr.Append(errs, &domain.ValidationError{Field: "description", Reason: "must be at most 255 characters"})
	}

	version := raw[KeyVersion]
	if version == "" {
		errs = multierr.Append(errs, &domain.ValidationError{Field: "version", Reason: "required"})
	}

	schedule := raw[KeySchedule]
	if schedule == "" {
		errs = multierr.Append(errs, &domain.ValidationError{Field: "schedule", Reason: "required"})
	} else if !validSchedule(schedule) {
		errs = multierr.Append(errs, &domain.ValidationError{Field: "schedule", Reason: "not a valid scheduler expression"})
	}

	timeout := domain.DefaultTimeoutSeconds
	if rawTimeout, present := raw[KeyTimeout]; present {
		n, err := strconv.Atoi(rawTimeout)
		if err != nil || n <= 0 {
			errs = multierr.Append(errs, &domain.ValidationError{Field: "timeout", Reason: "must be a positive integer"})
		} else {
			timeout = n
		}
	}

	if errs != nil {
		return domain.ServiceManifest{}, errs
	}

	return domain.ServiceManifest{
		Name:           name,
		Description:    description,
		Version:        version,
		Schedule:       schedule,
		TimeoutSeconds: timeout,
	}, nil
}

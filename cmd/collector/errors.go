package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecollector/internal/config"
)

// FormatUserError renders err the way an operator should see it at the
// command line: configuration errors get their offending name surfaced
// plainly (spec.md §7's "fatal at startup" errors), everything else falls
// back to its default Error() text.
func FormatUserError(err error) string {
	var dup *config.DuplicateConfigurationError
	if errors.As(err, &dup) {
		return fmt.Sprintf("duplicate peripheral configuration %q - every peripheral name must be unique", dup.Name)
	}

	var dupSvc *config.DuplicateServiceConfigurationError
	if errors.As(err, &dupSvc) {
		return err.Error()
	}

	var dupChar *config.DuplicateCharacteristicConfigurationError
	if errors.As(err, &dupChar) {
		return err.Error()
	}

	return err.Error()
}

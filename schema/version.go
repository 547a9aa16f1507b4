package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultVersion is assigned to registrations that omit a version.
const DefaultVersion = "1.0.0"

var versionPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)$`)

// ValidateVersion ensures version is a plain MAJOR.MINOR.PATCH string.
// Pre-release and build-metadata suffixes are not accepted; registry
// versions are coordinates, not ranges.
func ValidateVersion(version string) error {
	v := strings.TrimSpace(version)
	if v == "" {
		return fmt.Errorf("version is required")
	}
	if !versionPattern.MatchString(v) {
		return fmt.Errorf("invalid version %q: expected MAJOR.MINOR.PATCH", version)
	}
	return nil
}

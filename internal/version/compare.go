package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CheckProtocolCompatibility checks whether a connecting worker speaks a wire
// protocol compatible with the coordinator. Returns nil if compatible, error
// with details if not.
//
// Compatibility Rules:
//   - If either version is "main" (development build), compatibility check is skipped
//   - Major versions must match exactly
//   - Minor versions must match exactly
//   - Patch versions can differ (e.g., 1.2.0 is compatible with 1.2.5)
func CheckProtocolCompatibility(coordinatorVersion, workerVersion string) error {
	// Strip 'v' prefix if present for consistency
	coordinatorVersion = strings.TrimPrefix(coordinatorVersion, "v")
	workerVersion = strings.TrimPrefix(workerVersion, "v")

	// Skip version check for "main" (development builds)
	if coordinatorVersion == "main" || workerVersion == "main" {
		return nil
	}

	coordinatorSemver, err := semver.NewVersion(coordinatorVersion)
	if err != nil {
		return fmt.Errorf("invalid coordinator version '%s': %w", coordinatorVersion, err)
	}

	workerSemver, err := semver.NewVersion(workerVersion)
	if err != nil {
		return fmt.Errorf("invalid worker version '%s': %w", workerVersion, err)
	}

	if coordinatorSemver.Major() != workerSemver.Major() {
		return fmt.Errorf("major version mismatch: coordinator is %d.x.x but worker speaks %d.x.x",
			coordinatorSemver.Major(), workerSemver.Major())
	}

	if coordinatorSemver.Minor() != workerSemver.Minor() {
		return fmt.Errorf("minor version mismatch: coordinator is %d.%d.x but worker speaks %d.%d.x",
			coordinatorSemver.Major(), coordinatorSemver.Minor(),
			workerSemver.Major(), workerSemver.Minor())
	}

	// Patch versions can differ, so we're compatible
	return nil
}

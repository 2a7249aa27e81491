package versions

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// FederationAPIConstraint is the range of federation API versions this client speaks
const FederationAPIConstraint = ">= 1.0.0, < 2.0.0"

// CheckCompatible returns an error unless version satisfies constraint.
// A leading "v" on version is accepted.
func CheckCompatible(version, constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("version %s does not satisfy %s", v, constraint)
	}
	return nil
}

// CheckFederationAPI checks a federation's advertised API version
func CheckFederationAPI(version string) error {
	return CheckCompatible(version, FederationAPIConstraint)
}

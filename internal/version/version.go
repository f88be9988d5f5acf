// Package version checks a client's reported version string against the
// server's configured acceptance range (spec.md §6: a PEP-440-style
// version matched against a specifier set, with a trailing ".dev"
// stripped before comparison).
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
)

// Checker matches client version strings against one configured
// specifier, e.g. ">=0.4.0".
type Checker struct {
	constraint *semver.Constraints
	raw        string
}

// NewChecker parses the configured client_version specifier.
func NewChecker(specifier string) (*Checker, error) {
	c, err := semver.NewConstraint(specifier)
	if err != nil {
		return nil, fmt.Errorf("version: parse constraint %q: %w", specifier, err)
	}
	return &Checker{constraint: c, raw: specifier}, nil
}

// Check reports whether clientVersion satisfies the configured
// constraint, stripping a trailing ".dev" first (spec.md §6).
func (c *Checker) Check(clientVersion string) error {
	v := strings.TrimSuffix(strings.ToLower(clientVersion), ".dev")
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("client version mismatch, please upgrade your client (%s): unparsable version %q", c.raw, clientVersion)
	}
	if !c.constraint.Check(parsed) {
		return fmt.Errorf("client version mismatch, please upgrade your client (%s)", c.raw)
	}
	return nil
}

package registry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"encore.app/internal/kernelerrors"
)

// kernelAliases are the names a dependency declaration may use to refer to
// the kernel itself rather than another DLC, ported from
// BrainCore._validate_dependency's core_aliases set.
var kernelAliases = map[string]struct{}{
	"kernel":     {},
	"Brain Core": {},
	"BrainCore":  {},
	"core":       {},
}

// ParseDependency splits a dependency declaration into a name and version
// constraint, ported from BrainCore._parse_dependency: scan for the first
// comparator rune ('<', '>', '=', '!', '~') and split there. A bare name
// with no comparator has no version constraint.
func ParseDependency(raw string) (name string, constraint string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ""
	}

	idx := strings.IndexAny(s, "<>=!~")
	if idx < 0 {
		return s, ""
	}

	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx:])
}

// translateConstraint rewrites spec.md's `~=` (PEP 440 compatible-release)
// operator into the Masterminds/semver equivalent range, the one operator
// Masterminds/semver doesn't parse natively. `~=X.Y.Z` means ">=X.Y.Z,
// <X.(Y+1).0" (PEP 440 §4.4); Masterminds' own `~` operator means
// ">=X.Y.Z, <X.(Y+1).0" too for three-component versions, so `~=` maps
// directly to `~`. All other operators (<, <=, =, !=, >=, >) pass through
// unchanged — Masterminds/semver/v3 parses them natively.
func translateConstraint(raw string) string {
	if strings.HasPrefix(raw, "~=") {
		return "~" + strings.TrimSpace(strings.TrimPrefix(raw, "~="))
	}
	return raw
}

// CheckDependency validates a single dependency declaration against either
// the kernel's own version (if the name is a kernel alias) or a registered
// bundle's manifest version, porting BrainCore._validate_dependency.
// manifests is the current set of registered bundle manifests keyed by
// name; kernelVersion is the running kernel's own semver string.
func CheckDependency(raw string, kernelVersion string, manifests map[string]Manifest) error {
	name, rawConstraint := ParseDependency(raw)
	if name == "" {
		return &kernelerrors.DependencyError{Bundle: "", Dep: raw, Reason: "empty dependency declaration"}
	}

	if _, isKernel := kernelAliases[name]; isKernel {
		if rawConstraint == "" {
			return nil
		}
		return checkVersion(name, kernelVersion, rawConstraint)
	}

	manifest, ok := manifests[name]
	if !ok {
		return &kernelerrors.DependencyError{Bundle: name, Dep: raw, Reason: "missing dependency bundle"}
	}
	if rawConstraint == "" {
		return nil
	}
	return checkVersion(name, manifest.Version, rawConstraint)
}

func checkVersion(name, actual, rawConstraint string) error {
	ver, err := semver.NewVersion(actual)
	if err != nil {
		return &kernelerrors.VersionError{Bundle: name, Constraint: rawConstraint, Actual: actual,
			Err: fmt.Errorf("unparsable version: %w", err)}
	}

	c, err := semver.NewConstraint(translateConstraint(rawConstraint))
	if err != nil {
		return &kernelerrors.VersionError{Bundle: name, Constraint: rawConstraint, Actual: actual,
			Err: fmt.Errorf("unparsable constraint: %w", err)}
	}

	if !c.Check(ver) {
		return &kernelerrors.VersionError{Bundle: name, Constraint: rawConstraint, Actual: actual, Err: nil}
	}
	return nil
}

package schema

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version is the layout version of the local store written by this build.
// Minor bumps must be additive (new tables, new nullable columns) and come
// with a migration in the store package. A different major version means the
// stored shapes cannot be trusted.
const Version = "v1.1.0"

// Compat describes how a stored schema version relates to Version.
type Compat int

const (
	// CompatCurrent means the stored layout is exactly Version.
	CompatCurrent Compat = iota
	// CompatUpgrade means the stored layout is an older minor/patch of the
	// same major and can be migrated additively.
	CompatUpgrade
	// CompatMismatch means the layout must be rebuilt and refilled by a
	// full sync.
	CompatMismatch
)

func (c Compat) String() string {
	switch c {
	case CompatCurrent:
		return "current"
	case CompatUpgrade:
		return "upgrade"
	case CompatMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// CheckVersion classifies a stored version string.
func CheckVersion(stored string) (Compat, error) {
	if !semver.IsValid(stored) {
		return CompatMismatch, fmt.Errorf("stored schema version %q is not valid semver", stored)
	}
	if semver.Major(stored) != semver.Major(Version) {
		return CompatMismatch, fmt.Errorf("stored schema %s is incompatible with %s", stored, Version)
	}
	switch c := semver.Compare(stored, Version); {
	case c == 0:
		return CompatCurrent, nil
	case c < 0:
		return CompatUpgrade, nil
	default:
		// Written by a newer build of the same major; its extra columns are
		// unknown to us.
		return CompatMismatch, fmt.Errorf("stored schema %s is newer than %s", stored, Version)
	}
}

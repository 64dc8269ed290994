package opensdg

import "fmt"

// Library version constants.
const (
	// VersionMajor is the major library version.
	// Breaking API or wire changes increment this.
	VersionMajor = 1

	// VersionMinor is the minor library version.
	VersionMinor = 0

	// VersionPatch is the patch library version.
	VersionPatch = 0
)

// Version is a library version.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

// GetVersion returns the version of this library.
func GetVersion() Version {
	return Version{
		Major: VersionMajor,
		Minor: VersionMinor,
		Patch: VersionPatch,
	}
}

// String returns the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Code packs the version into one number as major<<32 | minor<<16 | patch,
// the encoding used by existing bindings.
func (v Version) Code() uint64 {
	return uint64(v.Major)<<32 | uint64(v.Minor)<<16 | uint64(v.Patch)
}

// VersionFromCode unpacks a value produced by Code.
func VersionFromCode(code uint64) Version {
	return Version{
		Major: uint16(code >> 32),
		Minor: uint16(code >> 16),
		Patch: uint16(code),
	}
}

// Compatible reports whether a peer built against other can be used with
// this version. Major versions must match and the other minor version must
// not exceed ours.
func (v Version) Compatible(other Version) bool {
	if v.Major != other.Major {
		return false
	}
	return other.Minor <= v.Minor
}

// IsNewer returns true if this version is newer than the other.
func (v Version) IsNewer(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch > other.Patch
}

// ParseVersion parses a version string in the format "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	var v Version
	var extra string
	n, err := fmt.Sscanf(s, "%d.%d.%d%s", &v.Major, &v.Minor, &v.Patch, &extra)
	if n == 3 && extra == "" {
		return v, nil
	}
	if err == nil {
		err = fmt.Errorf("trailing %q", extra)
	}
	return Version{}, fmt.Errorf("invalid version format %q: %w", s, err)
}

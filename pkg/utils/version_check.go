package utils

import (
	"strings"

	"golang.org/x/mod/semver"

	"github.com/mpapenbr/iracing-equanimity-paint/version"
)

// CheckSidecarVersion returns true if the sidecar speaks at least our protocol
// version. Invalid versions are rejected.
func CheckSidecarVersion(toCheck string) bool {
	if !strings.HasPrefix(toCheck, "v") {
		toCheck = "v" + toCheck
	}
	if !semver.IsValid(toCheck) {
		return false
	}
	if semver.Major(toCheck) != semver.Major(version.ProtocolVersion) {
		return false
	}
	return semver.Compare(toCheck, version.ProtocolVersion) >= 0
}

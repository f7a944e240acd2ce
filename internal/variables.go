package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for the CLI, paths, and the logger group.
	Name = "kiln"

	// Placeholder for build metadata that was not injected.
	unset = "(unset)"

	// Reported instead of a version string for development builds.
	devBuild = "(dev)"

	// Release branch; omitted from version strings.
	releaseBranch = "main"
)

// Injected with -ldflags "-X github.com/cruciblehq/kiln/internal.<var>=...".
var (
	version = "" // Release version (e.g., "0.4.1")
	branch  = "" // Branch the binary was built from
	commit  = "" // Source revision

	rawQuiet   = "false" // Default for quiet mode
	rawDebug   = "false" // Default for debug mode
	rawVerbose = "false" // Default for verbose mode
)

// Returns the release version without a leading "v", or "(unset)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return unset
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch the binary was built from, or "(unset)".
func Branch() string {
	b := strings.TrimSpace(branch)
	if b == "" {
		return unset
	}
	return strings.ToLower(b)
}

// Returns the source revision, or "(unset)".
func Commit() string {
	c := strings.TrimSpace(commit)
	if c == "" {
		return unset
	}
	return c
}

// Reports whether the binary was built outside the release pipeline.
//
// Release builds inject version, branch, and commit together; a missing value
// means the binary came from a developer checkout.
func IsDev() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(branch) == "" ||
		strings.TrimSpace(commit) == ""
}

// Returns a human readable version string.
//
// Development builds report "(dev)". Release builds report
// "<version>[+<branch>] <commit> <os>/<arch>", omitting the branch for the
// release branch.
func VersionString() string {
	if IsDev() {
		return devBuild
	}

	suffix := ""
	if b := Branch(); b != releaseBranch {
		suffix = "+" + b
	}

	return fmt.Sprintf("%s%s %s %s/%s", Version(), suffix, Commit(), runtime.GOOS, runtime.GOARCH)
}

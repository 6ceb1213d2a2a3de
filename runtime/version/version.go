// Package version reports the build identity of the running tower. Release
// builds stamp the variables below through linker flags.
package version

import (
	"fmt"
	"runtime"
	"time"
)

var (
	gitCommit = "local build"
	buildDate = "{DATE}"
)

const (
	semanticVersionMajor = 0
	semanticVersionMinor = 2
	semanticVersionPatch = 0
)

// SemanticVersion returns the major.minor.patch version of the tower.
func SemanticVersion() string {
	return fmt.Sprintf("v%d.%d.%d", semanticVersionMajor, semanticVersionMinor, semanticVersionPatch)
}

// GitCommit returns the stamped commit, or "local build" when unstamped.
func GitCommit() string {
	return gitCommit
}

// Version returns the full human readable build string.
func Version() string {
	if buildDate == "{DATE}" {
		buildDate = time.Now().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s/%s %s/%s. Built at: %s", SemanticVersion(), gitCommit, runtime.GOOS, runtime.GOARCH, buildDate)
}

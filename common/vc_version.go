package common

import (
	"fmt"
	"runtime/debug"
)

// VCRevision is the abbreviated version-control revision this binary was
// built from, the way the teacher's build pipeline stamps geth's -ldflags
// version string. When build info isn't available (e.g. `go run`, or a
// binary built without module/VCS metadata) it falls back to a fixed
// placeholder of the same length so callers can always slice it safely.
var VCRevision = detectVCRevision()

const unknownRevision = "00000000"

func detectVCRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknownRevision
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 8 {
			return s.Value[:8]
		}
	}
	return unknownRevision
}

// MustSourceBuildVersionFormatted returns the "source-<rev>" version
// string used when a binary isn't built from a tagged release, mirroring
// the teacher's "source build" version scheme in cmd/geth.
func MustSourceBuildVersionFormatted() string {
	return fmt.Sprintf("source-%s", VCRevision)
}

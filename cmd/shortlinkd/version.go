// -------------------------------------------------------------------------------
// shortlinkd version - Build Report
//
// Author: Alex Freidah
//
// Answers "which redirect core is this": the release stamped in at link time,
// the VCS revision Go recorded in the binary, the toolchain and platform, and
// the storage backends this build can open.
// -------------------------------------------------------------------------------

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// storageBackends lists the database.backend values compiled in.
var storageBackends = []string{"sqlite", "postgres"}

func runVersion() {
	writeVersion(os.Stdout, readRevision())
}

// writeVersion prints the build report. An empty revision is reported as
// unknown.
func writeVersion(w io.Writer, revision string) {
	if revision == "" {
		revision = "unknown"
	}
	fmt.Fprintf(w, "shortlinkd %s\n", telemetry.Version)
	fmt.Fprintf(w, "  revision: %s\n", revision)
	fmt.Fprintf(w, "  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "  storage:  %v\n", storageBackends)
}

// readRevision returns the vcs.revision Go embedded at build time, if any.
func readRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

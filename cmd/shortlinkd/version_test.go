// -------------------------------------------------------------------------------
// Version Subcommand Tests
//
// Author: Alex Freidah
// -------------------------------------------------------------------------------

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/afreidah/shortlinkd/internal/telemetry"
)

func TestWriteVersion_Report(t *testing.T) {
	var out bytes.Buffer
	writeVersion(&out, "abc123")

	got := out.String()
	for _, want := range []string{
		"shortlinkd " + telemetry.Version + "\n",
		"revision: abc123",
		"storage:  [sqlite postgres]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}

func TestWriteVersion_UnknownRevision(t *testing.T) {
	var out bytes.Buffer
	writeVersion(&out, "")
	if !strings.Contains(out.String(), "revision: unknown") {
		t.Errorf("report = %q", out.String())
	}
}

package deps_test

import (
	"testing"

	"ferry/internal/deps"
)

func TestCheckBinariesReportsMissing(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{Name: "missing", Command: "ferry-no-such-binary-xyz"},
		{Name: "unconfigured", Command: ""},
	})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Available {
		t.Fatal("expected missing binary to be unavailable")
	}
	if statuses[1].Available || statuses[1].Detail != "command not configured" {
		t.Fatalf("unexpected status for unconfigured command: %+v", statuses[1])
	}
}

func TestCheckBinariesFindsShell(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{{Name: "sh", Command: "sh"}})
	if !deps.Available(statuses, "sh") {
		t.Fatalf("expected sh to be available: %+v", statuses)
	}
}

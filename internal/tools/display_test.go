package tools

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDisplayForUsesSummaryKeyArg(t *testing.T) {
	meta := Metadata{Category: CategoryExecution, SummaryKeyArg: "command"}
	d := DisplayFor("shell", meta, json.RawMessage(`{"command":"go test ./...","timeout":30}`))
	if d.Label != "run shell" {
		t.Fatalf("label = %q, want %q", d.Label, "run shell")
	}
	if d.Detail != "go test ./..." {
		t.Fatalf("detail = %q, want the command argument", d.Detail)
	}
	if got := d.String(); got != "run shell: go test ./..." {
		t.Fatalf("String() = %q", got)
	}
}

func TestDisplayForFallsBackToCommonKeys(t *testing.T) {
	meta := Metadata{Category: CategoryFileRead}
	d := DisplayFor("read_file", meta, json.RawMessage(`{"path":"/ws/src/main.go"}`))
	if d.Detail != "/ws/src/main.go" {
		t.Fatalf("detail = %q, want the path argument", d.Detail)
	}
}

func TestDisplayForTruncatesLongDetail(t *testing.T) {
	long := strings.Repeat("x", 500)
	meta := Metadata{Category: CategoryExecution, SummaryKeyArg: "command"}
	d := DisplayFor("shell", meta, json.RawMessage(`{"command":"`+long+`"}`))
	if len(d.Detail) > maxDetailLen+3 {
		t.Fatalf("detail not truncated: %d chars", len(d.Detail))
	}
	if !strings.HasSuffix(d.Detail, "…") {
		t.Fatalf("truncated detail should end with ellipsis, got %q", d.Detail[len(d.Detail)-8:])
	}
}

func TestDisplayForInvalidInput(t *testing.T) {
	d := DisplayFor("shell", Metadata{Category: CategoryExecution}, json.RawMessage(`not json`))
	if d.Label != "run shell" || d.Detail != "" {
		t.Fatalf("invalid input should yield bare label, got %+v", d)
	}
}

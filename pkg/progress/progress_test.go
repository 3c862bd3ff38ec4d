package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEmitterWritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.Info("download", "starting")
	e.ItemError("download", "abcd1234", "network", "connection reset")
	e.Success("download", "42 completed, 0 skipped, 1 failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}

	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line is not valid JSON: %q: %v", line, err)
		}
		if ev.RunID != e.RunID() {
			t.Errorf("event missing run id: %q", line)
		}
	}

	errEv := Parse(lines[1])
	if errEv.Type != KindError || errEv.ItemID != "abcd1234" || errEv.Reason != "network" {
		t.Errorf("error event lost detail: %+v", errEv)
	}
}

func TestItemDoneCarriesFraction(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.ItemDone("download", "a", 5, 10)

	ev := Parse(strings.TrimSpace(buf.String()))
	if ev.Progress == nil {
		t.Fatal("expected progress fraction")
	}
	if *ev.Progress != 0.5 {
		t.Errorf("expected 0.5, got %f", *ev.Progress)
	}
}

func TestParseNeverFails(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"structured", `{"type":"info","message":"hi"}`, KindInfo},
		{"plain text", "frame= 100 fps=30", KindRaw},
		{"unknown type", `{"type":"telemetry","message":"x"}`, KindRaw},
		{"empty object", `{}`, KindRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.line); got.Type != tt.want {
				t.Errorf("Parse(%q).Type = %q, want %q", tt.line, got.Type, tt.want)
			}
		})
	}
}

func TestForwardRaw(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.ForwardRaw("combine", strings.NewReader("line one\n\n  line two  \n"))

	scanner := bufio.NewScanner(&buf)
	var got []Event
	for scanner.Scan() {
		got = append(got, Parse(scanner.Text()))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 raw events, got %d", len(got))
	}
	if got[0].Message != "line one" || got[1].Message != "line two" {
		t.Errorf("raw lines mangled: %+v", got)
	}
	for _, ev := range got {
		if ev.Type != KindRaw || ev.Stage != "combine" {
			t.Errorf("raw event mis-tagged: %+v", ev)
		}
	}
}

func TestStats(t *testing.T) {
	var total Stats
	total.Add(Stats{Completed: 2, Failed: 1})
	total.Add(Stats{Completed: 1, Skipped: 3})

	if total.Completed != 3 || total.Skipped != 3 || total.Failed != 1 {
		t.Errorf("unexpected totals: %+v", total)
	}
	if total.String() != "3 completed, 3 skipped, 1 failed" {
		t.Errorf("unexpected string: %q", total.String())
	}
}

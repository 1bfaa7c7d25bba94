package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestLevelFilterAndFields(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "warn"})
	SetOutput(&buf)
	defer func() { Setup(Options{Level: "info"}); SetOutput(os.Stdout) }()

	Info("skipped", nil)
	Warn("kept", map[string]any{"run_id": "r1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var e entry
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatal(err)
	}
	if e.Level != "warn" || e.Message != "kept" || e.Fields["run_id"] != "r1" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestSetupWhileLogging(t *testing.T) {
	defer func() { Setup(Options{Level: "info"}); SetOutput(os.Stdout) }()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			lvl := "warn"
			if i%2 == 0 {
				lvl = "error"
			}
			Setup(Options{Level: lvl})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			Info("filtered", map[string]any{"i": i})
		}
	}()
	wg.Wait()
}

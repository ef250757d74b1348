package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestWriterLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Warn("shown", Int("n", 3), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["message"] != "shown" || got["comp"] != "test" || got["n"] != float64(3) || got["err"] != "boom" {
		t.Fatalf("event = %v", got)
	}
	if caller, _ := got["caller"].(string); !strings.HasPrefix(caller, "logx_test.go:") {
		t.Fatalf("caller = %q", caller)
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatalf("IsZero mismatch")
	}
	zero.Error("dropped")
	Nop().With(Bool("x", true)).Info("dropped")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"TRACE": "trace", " debug ": "debug", "warning": "warn", "error": "error", "loud": "info", "": "info"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

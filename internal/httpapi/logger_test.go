package httpapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"":         zerolog.InfoLevel,
		"nonsense": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	jsonLogger := newLogger(&buf, "info", "json")
	jsonLogger.Info().Int32("machine_id", 4).Msg("synced")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "attendsync" || line["machine_id"] != float64(4) {
		t.Fatalf("unexpected fields: %v", line)
	}

	buf.Reset()
	consoleLogger := newLogger(&buf, "info", "console")
	consoleLogger.Info().Msg("synced")
	if out := buf.String(); strings.HasPrefix(out, "{") || !strings.Contains(out, "synced") {
		t.Fatalf("expected console output, got %q", out)
	}

	buf.Reset()
	warnLogger := newLogger(&buf, "warn", "json")
	warnLogger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn, got %q", buf.String())
	}
}

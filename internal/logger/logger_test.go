package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestHandlerFiltersAndFormats(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo))

	log.Debug("hidden")
	log.With("component", "tracker").WithGroup("key").Info("Tracker: key held", "name", "w")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected debug record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "| INFO  | Tracker: key held component=tracker key.name=w") {
		t.Errorf("Unexpected line: %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("Expected exactly one line, got %q", out)
	}
}

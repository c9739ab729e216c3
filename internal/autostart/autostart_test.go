//go:build !darwin && !windows

package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestEnableDisable tests the XDG autostart entry lifecycle
func TestEnableDisable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if IsEnabled() {
		t.Fatal("Expected autostart to be disabled initially")
	}
	if err := enable("/opt/key bridge/keybridge", []string{"-config", "/etc/kb.json"}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !IsEnabled() {
		t.Error("Expected autostart to be enabled")
	}

	data, err := os.ReadFile(filepath.Join(dir, "autostart", "keybridge.desktop"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `Exec="/opt/key bridge/keybridge" -config /etc/kb.json`) {
		t.Errorf("Unexpected desktop entry:\n%s", data)
	}

	if err := Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if IsEnabled() {
		t.Error("Expected autostart to be disabled")
	}
	if err := Disable(); err != nil {
		t.Errorf("Expected second disable to succeed, got %v", err)
	}
}

// Package autostart registers keybridge to start on login.
package autostart

import (
	"os"
	"strings"
)

const (
	label = "dev.keybridge.agent"
	name  = "keybridge"
)

// Enable registers the running executable, with args, to start on login
func Enable(args ...string) error {
	execPath, err := os.Executable()
	if err != nil {
		return err
	}
	return enable(execPath, args)
}

// Disable removes the login registration
func Disable() error {
	return disable()
}

// IsEnabled reports whether a login registration exists
func IsEnabled() bool {
	return isEnabled()
}

// commandLine quotes arguments containing spaces
func commandLine(execPath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{execPath}, args...) {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

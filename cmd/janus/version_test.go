package main

import "testing"

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"run":        false,
		"validate":   false,
		"version":    false,
		"completion": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	if versionCmd.Use != "version" {
		t.Errorf("Use = %q, want version", versionCmd.Use)
	}
	if versionCmd.Short == "" {
		t.Error("Short description missing")
	}
	if versionCmd.Run == nil {
		t.Error("Run not set")
	}
}

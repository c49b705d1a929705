package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmd(t *testing.T) {
	t.Run("no arguments shows help", func(t *testing.T) {
		cmd := GetRootCmd()

		var buf bytes.Buffer
		cmd.SetOut(&buf)
		cmd.SetErr(&buf)
		cmd.SetArgs([]string{})

		if err := cmd.Execute(); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}

		output := buf.String()
		for _, expected := range []string{"muster", "serve", "migrate", "version"} {
			if !strings.Contains(output, expected) {
				t.Errorf("Help output missing %q:\n%s", expected, output)
			}
		}
	})

	t.Run("unknown command errors", func(t *testing.T) {
		cmd := GetRootCmd()

		var buf bytes.Buffer
		cmd.SetOut(&buf)
		cmd.SetErr(&buf)
		cmd.SetArgs([]string{"conjure"})

		if err := cmd.Execute(); err == nil {
			t.Error("Expected error for unknown command")
		}
	})

	t.Run("persistent flags registered", func(t *testing.T) {
		cmd := GetRootCmd()
		if cmd.PersistentFlags().Lookup("config") == nil {
			t.Error("Missing --config flag")
		}
		if cmd.PersistentFlags().Lookup("log-level") == nil {
			t.Error("Missing --log-level flag")
		}
	})
}

func TestMigrateCmdRegistered(t *testing.T) {
	cmd := GetRootCmd()

	found := false
	for _, sub := range cmd.Commands() {
		if sub.Name() == "migrate" {
			found = true
			subNames := map[string]bool{}
			for _, s := range sub.Commands() {
				subNames[s.Name()] = true
			}
			for _, want := range []string{"up", "down", "status"} {
				if !subNames[want] {
					t.Errorf("migrate missing subcommand %q", want)
				}
			}
		}
	}
	if !found {
		t.Error("migrate command not registered")
	}
}

package cmd

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectContains []string
	}{
		{
			name: "version command",
			args: []string{"version"},
			expectContains: []string{
				"Muster Incident Correlation Engine",
				"Version:",
				"Commit:",
				"Built:",
				"Go version:",
				"Go OS/Arch:",
			},
		},
		{
			name: "version command with help",
			args: []string{"version", "--help"},
			expectContains: []string{
				"Display detailed version information",
				"Application version",
				"Git commit hash",
				"Build date",
				"Go runtime version",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := GetRootCmd()

			var buf bytes.Buffer
			cmd.SetOut(&buf)
			cmd.SetErr(&buf)
			cmd.SetArgs(tt.args)

			if err := cmd.Execute(); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			output := buf.String()
			for _, expected := range tt.expectContains {
				if !strings.Contains(output, expected) {
					t.Errorf("Output missing %q:\n%s", expected, output)
				}
			}
		})
	}
}

func TestDisplayVersionToWriter(t *testing.T) {
	var buf bytes.Buffer
	displayVersionToWriter(&buf)

	output := buf.String()
	if !strings.Contains(output, runtime.Version()) {
		t.Errorf("Output missing Go runtime version:\n%s", output)
	}
	if !strings.Contains(output, runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("Output missing OS/arch:\n%s", output)
	}
}

func TestVersionFallbacks(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, BuildDate
	defer func() {
		Version, Commit, BuildDate = origVersion, origCommit, origDate
	}()

	Version, Commit, BuildDate = "dev", "unknown", "unknown"
	if got := getVersionString(); got != "development" {
		t.Errorf("getVersionString() = %q, want 'development'", got)
	}
	if got := getCommitString(); !strings.Contains(got, "development build") {
		t.Errorf("getCommitString() = %q", got)
	}
	if got := getBuildDateString(); !strings.Contains(got, "development build") {
		t.Errorf("getBuildDateString() = %q", got)
	}

	Version, Commit, BuildDate = "v1.2.3", "abc1234", "2026-01-01"
	if got := getVersionString(); got != "v1.2.3" {
		t.Errorf("getVersionString() = %q, want 'v1.2.3'", got)
	}
	if got := getCommitString(); got != "abc1234" {
		t.Errorf("getCommitString() = %q, want 'abc1234'", got)
	}
	if got := getBuildDateString(); got != "2026-01-01" {
		t.Errorf("getBuildDateString() = %q, want '2026-01-01'", got)
	}
}

package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information variables that are set during build time via -ldflags.
// These will be empty if not set during build, and we handle that gracefully.
var (
	// Version is the current version of Muster, typically from git tags.
	Version = "dev"

	// Commit is the git commit hash of the build.
	Commit = "unknown"

	// BuildDate is the date when the binary was built.
	BuildDate = "unknown"
)

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long: `Display detailed version information for Muster including:
  • Application version
  • Git commit hash
  • Build date
  • Go runtime version`,
	Run: func(cmd *cobra.Command, args []string) {
		displayVersionToWriter(cmd.OutOrStdout())
	},
}

// displayVersionToWriter prints the version information to the specified writer.
func displayVersionToWriter(w io.Writer) {
	fmt.Fprintf(w, "Muster Incident Correlation Engine\n")
	fmt.Fprintf(w, "Version:    %s\n", getVersionString())
	fmt.Fprintf(w, "Commit:     %s\n", getCommitString())
	fmt.Fprintf(w, "Built:      %s\n", getBuildDateString())
	fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "Go OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// getVersionString returns the version string with appropriate fallback.
func getVersionString() string {
	if Version == "" || Version == "dev" {
		return "development"
	}
	return Version
}

// getCommitString returns the commit hash with appropriate fallback.
func getCommitString() string {
	if Commit == "" || Commit == "unknown" {
		return "unknown (development build)"
	}
	return Commit
}

// getBuildDateString returns the build date with appropriate fallback.
func getBuildDateString() string {
	if BuildDate == "" || BuildDate == "unknown" {
		return "unknown (development build)"
	}
	return BuildDate
}

// init registers the version command.
func init() {
	rootCmd.AddCommand(versionCmd)
}

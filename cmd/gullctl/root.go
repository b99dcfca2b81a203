package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hivekit/gulllog"
	"github.com/joshuapare/hivekit/memmgr"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	baseDir string
	user    string
)

var rootCmd = &cobra.Command{
	Use:   "gullctl",
	Short: "Inspect and exercise a gull persistent heap",
	Long: `gullctl creates, destroys, and probes the distributed heaps and
regions a gull memory manager owns. It is a thin wrapper around the
memmgr package meant for manual exercise and scripted smoke checks, not
a production administration tool.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug-level) logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Unused: every command prints plain text regardless of this flag")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Directory shelf and root-shelf files live under (default: $GULL_BASE_DIR or a temp dir)")
	rootCmd.PersistentFlags().StringVar(&user, "user", "", "Acting user path prefix (default: $GULL_USER or $USER)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch {
	case verbose:
		return slog.LevelDebug
	case quiet:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newManager builds a memmgr.MemoryManager from the persistent --base-dir/
// --user flags, installing a text logger on stderr gated by -v/-q exactly
// as spec'd for this command's ambient logging.
func newManager() (*memmgr.MemoryManager, error) {
	opts := []memmgr.Option{memmgr.WithLogger(gulllog.NewText(os.Stderr, logLevel()))}
	if baseDir != "" {
		opts = append(opts, memmgr.WithBaseDir(baseDir))
	}
	if user != "" {
		opts = append(opts, memmgr.WithUser(user))
	}
	return memmgr.New(opts...)
}

// resolvedPaths mirrors memmgr's own --base-dir/$GULL_BASE_DIR and
// --user/$GULL_USER/$USER fallback order, for the handful of subcommands
// (like `pool exist`) that read a pool's files directly rather than going
// through a MemoryManager.
func resolvedPaths() (dir, who string) {
	dir = baseDir
	if dir == "" {
		dir = os.Getenv("GULL_BASE_DIR")
	}
	if dir == "" {
		dir = os.TempDir() + "/gull"
	}
	who = user
	if who == "" {
		who = os.Getenv("GULL_USER")
	}
	if who == "" {
		who = os.Getenv("USER")
	}
	if who == "" {
		who = "gull"
	}
	return dir, who
}

// printInfo prints an info message if not in quiet mode.
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

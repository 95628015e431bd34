package main

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/heaptrace/heaptrace/internal/logging"
)

var verbose bool

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "heaptrace",
		Short:         "Inspect Python memory allocation captures",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.SetOut(colorableStdout())
	root.AddCommand(newStatsCommand(), newValidateCommand(), newServeCommand())
	return root
}

// colorize wraps s in an ANSI color code, but only when stdout is a
// real terminal; a piped or redirected stdout gets plain text.
func colorize(code, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

// colorableStdout wraps os.Stdout the way delve's terminal package
// does for its REPL, so ANSI codes are interpreted on Windows consoles.
// When stdout isn't a terminal (e.g. piped into a file or another
// program) it returns os.Stdout unchanged; colorize emits no codes in
// that case.
func colorableStdout() io.Writer {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return os.Stdout
	}
	return colorable.NewColorableStdout()
}

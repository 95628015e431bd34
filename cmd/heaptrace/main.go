// Command heaptrace inspects capture files produced by a tracked
// Python process: internal/writer's recordio stream, read back by
// internal/reader and summarized with internal/aggregate.
//
// Grounded on golang-debug's cmd/viewcore, whose big main() and
// tabwriter-based report printing this CLI keeps, restructured onto
// github.com/spf13/cobra subcommands the way cmd/viewcore/objref.go's
// unused runObjref already assumed a cobra.Command tree existed.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/heaptrace/heaptrace/internal/logging"
)

func main() {
	logging.SetLevel(logrus.WarnLevel)
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
